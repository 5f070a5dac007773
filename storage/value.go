package storage

import "time"

// Value is a stored record
type Value struct {
	Data   []byte
	Expiry *time.Time // nil means the record never expires
}

// IsExpiredAt reports whether the record is expired at now. A record expires
// at its deadline, not after it.
func (v *Value) IsExpiredAt(now time.Time) bool {
	return v.Expiry != nil && !now.Before(*v.Expiry)
}
