package protocol

import (
	"bytes"
	"io"
)

// Encode serializes a single value into its wire form
func Encode(v Value) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteValue(v); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses the first complete frame in b and reports how many bytes it
// consumed. Incomplete input yields io.ErrUnexpectedEOF (or io.EOF when b is
// empty); malformed input yields a *ProtocolError.
func Decode(b []byte) (Value, int, error) {
	if len(b) == 0 {
		return Value{}, 0, io.EOF
	}

	src := bytes.NewReader(b)
	r := NewReader(src)
	v, err := r.ReadNext()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Value{}, 0, err
	}

	consumed := len(b) - src.Len() - r.Buffered()
	return v, consumed, nil
}
