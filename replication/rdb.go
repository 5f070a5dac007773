package replication

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/raniellyferreira/redis-lite/storage"
)

// RDB format constants
const (
	MaxSupportedRDBVersion = 12

	RDBOpcodeEOF      = 0xFF
	RDBOpcodeDB       = 0xFE
	RDBOpcodeExpiry   = 0xFD
	RDBOpcodeExpiryMs = 0xFC
	RDBOpcodeResizeDB = 0xFB
	RDBOpcodeAux      = 0xFA

	RDBTypeString = 0

	// Special string encodings (top two bits of the length byte set)
	rdbEncInt8  = 0
	rdbEncInt16 = 1
	rdbEncInt32 = 2
	rdbEncLZF   = 3

	maxRDBString = 512 * 1024 * 1024
)

// RDBHandler processes RDB entries during parsing
type RDBHandler interface {
	// OnAux is called for auxiliary fields
	OnAux(key, value []byte) error

	// OnKey is called for each string key
	OnKey(key, value []byte, expiry *time.Time) error

	// OnEnd is called when the EOF opcode is reached
	OnEnd() error
}

// RDBParser parses the subset of the RDB format a redis-lite replica
// understands: auxiliary fields, database selectors and plain string keys
type RDBParser struct {
	br      *bufio.Reader
	handler RDBHandler
	version int
}

// NewRDBParser creates a new RDB parser
func NewRDBParser(r io.Reader, handler RDBHandler) *RDBParser {
	return &RDBParser{
		br:      bufio.NewReader(r),
		handler: handler,
	}
}

// Version returns the RDB version read from the header
func (p *RDBParser) Version() int {
	return p.version
}

// Parse parses the RDB stream. The trailing checksum is not verified.
func (p *RDBParser) Parse() error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(p.br, header); err != nil {
		return fmt.Errorf("failed to read RDB header: %w", err)
	}
	if string(header[:5]) != "REDIS" {
		return fmt.Errorf("invalid RDB magic: %q", header[:5])
	}
	version, err := strconv.Atoi(string(header[5:]))
	if err != nil {
		return fmt.Errorf("invalid RDB version: %q", header[5:])
	}
	if version > MaxSupportedRDBVersion {
		return fmt.Errorf("unsupported RDB version: %d (max supported: %d)", version, MaxSupportedRDBVersion)
	}
	p.version = version

	var expiry *time.Time
	for {
		opcode, err := p.br.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read opcode: %w", noEOF(err))
		}

		switch opcode {
		case RDBOpcodeEOF:
			return p.handler.OnEnd()

		case RDBOpcodeDB:
			if _, err := p.readLength(); err != nil {
				return fmt.Errorf("failed to read database number: %w", err)
			}

		case RDBOpcodeResizeDB:
			for i := 0; i < 2; i++ {
				if _, err := p.readLength(); err != nil {
					return fmt.Errorf("failed to read resize hint: %w", err)
				}
			}

		case RDBOpcodeExpiry:
			var secs uint32
			if err := binary.Read(p.br, binary.LittleEndian, &secs); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", noEOF(err))
			}
			t := time.Unix(int64(secs), 0)
			expiry = &t

		case RDBOpcodeExpiryMs:
			var ms uint64
			if err := binary.Read(p.br, binary.LittleEndian, &ms); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", noEOF(err))
			}
			t := time.UnixMilli(int64(ms))
			expiry = &t

		case RDBOpcodeAux:
			key, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read aux key: %w", err)
			}
			value, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read aux value for key %s: %w", key, err)
			}
			if err := p.handler.OnAux(key, value); err != nil {
				return err
			}

		case RDBTypeString:
			key, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read key: %w", err)
			}
			value, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read value for key %s: %w", key, err)
			}
			if err := p.handler.OnKey(key, value, expiry); err != nil {
				return err
			}
			expiry = nil

		default:
			// Other value types cannot be skipped without decoding them
			return fmt.Errorf("unsupported RDB type or opcode: 0x%02x", opcode)
		}
	}
}

// readLength reads a length-encoded integer. Special encodings are rejected.
func (p *RDBParser) readLength() (uint64, error) {
	length, special, err := p.readLengthOrEncoding()
	if err != nil {
		return 0, err
	}
	if special {
		return 0, fmt.Errorf("unexpected special encoding %d in length", length)
	}
	return length, nil
}

// readLengthOrEncoding reads a length prefix. When special is true the
// returned value is the special encoding type instead of a length.
func (p *RDBParser) readLengthOrEncoding() (uint64, bool, error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return 0, false, noEOF(err)
	}

	switch (b & 0xC0) >> 6 {
	case 0:
		// 6-bit length
		return uint64(b & 0x3F), false, nil
	case 1:
		// 14-bit length
		b2, err := p.br.ReadByte()
		if err != nil {
			return 0, false, noEOF(err)
		}
		return uint64(b&0x3F)<<8 | uint64(b2), false, nil
	case 2:
		switch b {
		case 0x80:
			var length uint32
			if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
				return 0, false, noEOF(err)
			}
			return uint64(length), false, nil
		case 0x81:
			var length uint64
			if err := binary.Read(p.br, binary.BigEndian, &length); err != nil {
				return 0, false, noEOF(err)
			}
			return length, false, nil
		default:
			return 0, false, fmt.Errorf("invalid length encoding: 0x%02x", b)
		}
	default:
		return uint64(b & 0x3F), true, nil
	}
}

// readString reads a string, expanding integer and LZF encodings
func (p *RDBParser) readString() ([]byte, error) {
	length, special, err := p.readLengthOrEncoding()
	if err != nil {
		return nil, err
	}

	if !special {
		return p.readBytes(length)
	}

	switch length {
	case rdbEncInt8:
		b, err := p.br.ReadByte()
		if err != nil {
			return nil, noEOF(err)
		}
		return strconv.AppendInt(nil, int64(int8(b)), 10), nil
	case rdbEncInt16:
		var v int16
		if err := binary.Read(p.br, binary.LittleEndian, &v); err != nil {
			return nil, noEOF(err)
		}
		return strconv.AppendInt(nil, int64(v), 10), nil
	case rdbEncInt32:
		var v int32
		if err := binary.Read(p.br, binary.LittleEndian, &v); err != nil {
			return nil, noEOF(err)
		}
		return strconv.AppendInt(nil, int64(v), 10), nil
	case rdbEncLZF:
		return p.readCompressedString()
	default:
		return nil, fmt.Errorf("invalid special string encoding: %d", length)
	}
}

// readCompressedString reads an LZF compressed string
func (p *RDBParser) readCompressedString() ([]byte, error) {
	compressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed length: %w", err)
	}
	uncompressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read uncompressed length: %w", err)
	}
	if uncompressedLen > maxRDBString {
		return nil, fmt.Errorf("string length too large: %d", uncompressedLen)
	}

	compressed, err := p.readBytes(compressedLen)
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}
	return lzfDecompress(compressed, int(uncompressedLen))
}

func (p *RDBParser) readBytes(length uint64) ([]byte, error) {
	if length > maxRDBString {
		return nil, fmt.Errorf("string length too large: %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(p.br, data); err != nil {
		return nil, fmt.Errorf("failed to read string data: %w", noEOF(err))
	}
	return data, nil
}

// ParseRDB is a convenience function to parse an RDB stream
func ParseRDB(r io.Reader, handler RDBHandler) error {
	return NewRDBParser(r, handler).Parse()
}

// storeLoader implements RDBHandler by writing string keys into a store
type storeLoader struct {
	storage storage.Storage
	logger  Logger
	now     time.Time
	loaded  int
	expired int
}

func (l *storeLoader) OnAux(key, value []byte) error {
	l.logger.Debug("RDB aux field", "key", string(key), "value", string(value))
	return nil
}

func (l *storeLoader) OnKey(key, value []byte, expiry *time.Time) error {
	var ttl time.Duration
	if expiry != nil {
		ttl = expiry.Sub(l.now)
		if ttl <= 0 {
			l.expired++
			return nil
		}
	}
	if err := l.storage.Set(string(key), value, ttl); err != nil {
		return err
	}
	l.loaded++
	return nil
}

func (l *storeLoader) OnEnd() error {
	return nil
}

// LoadSnapshot parses snapshot as an RDB payload and stores its string keys.
// Keys already expired relative to now are skipped. It returns the number of
// keys stored, which is also meaningful when an error is returned partway.
func LoadSnapshot(snapshot []byte, store storage.Storage, logger Logger) (int, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	loader := &storeLoader{storage: store, logger: logger, now: time.Now()}

	err := ParseRDB(bytes.NewReader(snapshot), loader)
	logger.Debug("RDB load finished", "loaded", loader.loaded, "expired", loader.expired)
	return loader.loaded, err
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
