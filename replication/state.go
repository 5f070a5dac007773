package replication

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Role is the replication role of a process
type Role int

const (
	RolePrimary Role = iota
	RoleReplica
)

// String returns the role name reported by INFO
func (r Role) String() string {
	if r == RoleReplica {
		return "slave"
	}
	return "master"
}

// Info is the process-wide replication metadata. It is captured once at
// startup and never mutated.
type Info struct {
	Role   Role
	ReplID string
	Offset int64

	// Set on replicas only
	MasterHost string
	MasterPort int
}

// Format renders the INFO replication payload. linkUp is only reported by
// replicas.
func (i Info) Format(linkUp bool) string {
	if i.Role == RolePrimary {
		return fmt.Sprintf("role:%s\nmaster_replid:%s\nmaster_repl_offset:%d", i.Role, i.ReplID, i.Offset)
	}

	lines := []string{"role:" + i.Role.String()}
	if i.MasterHost != "" {
		status := "down"
		if linkUp {
			status = "up"
		}
		lines = append(lines,
			"master_host:"+i.MasterHost,
			"master_port:"+strconv.Itoa(i.MasterPort),
			"master_link_status:"+status,
		)
	}
	return strings.Join(lines, "\n")
}

// replIDLen is the length of a replication id in hex characters
const replIDLen = 40

// NewReplID returns a random 40 character hex replication id
func NewReplID() string {
	buf := make([]byte, replIDLen/2)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("replication: reading random id: %v", err))
	}
	return hex.EncodeToString(buf)
}

// ValidReplID reports whether id is 40 lowercase hex characters
func ValidReplID(id string) bool {
	if len(id) != replIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// FullResyncHeader returns the simple string sent in reply to PSYNC
func FullResyncHeader(info Info) string {
	return fmt.Sprintf("FULLRESYNC %s %d", info.ReplID, info.Offset)
}

// ParseFullResync parses a FULLRESYNC reply into its id and offset
func ParseFullResync(reply string) (string, int64, error) {
	parts := strings.Fields(reply)
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		return "", 0, fmt.Errorf("invalid PSYNC response: %q", reply)
	}
	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid offset: %s", parts[2])
	}
	return parts[1], offset, nil
}

// emptyRDB is an RDB (version 11) with only auxiliary fields and no keys
const emptyRDB = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="

var emptySnapshot = func() []byte {
	b, err := base64.StdEncoding.DecodeString(emptyRDB)
	if err != nil {
		panic(err)
	}
	return b
}()

// EmptySnapshot returns a copy of the snapshot payload sent by a primary
// with no configured snapshot
func EmptySnapshot() []byte {
	return append([]byte(nil), emptySnapshot...)
}

// PeerState is what a primary learns about a replica connection through
// REPLCONF. It lives as long as the connection.
type PeerState struct {
	ListeningPort int
	Capabilities  []string
}

// ApplyReplConf records REPLCONF arguments. Arguments come in
// option/value pairs; unknown options and unparseable values are ignored.
func (p *PeerState) ApplyReplConf(args []string) {
	for i := 0; i+1 < len(args); i += 2 {
		value := args[i+1]
		switch strings.ToLower(args[i]) {
		case "listening-port":
			if port, err := strconv.Atoi(value); err == nil && port > 0 && port <= 65535 {
				p.ListeningPort = port
			}
		case "capa":
			if !p.HasCapability(value) {
				p.Capabilities = append(p.Capabilities, value)
			}
		}
	}
}

// HasCapability reports whether the peer announced capa
func (p *PeerState) HasCapability(capa string) bool {
	for _, c := range p.Capabilities {
		if strings.EqualFold(c, capa) {
			return true
		}
	}
	return false
}
