package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

const (
	// CRLF is the Redis protocol line terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings (512MB, same as Redis)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize is the maximum number of items in an array
	maxArraySize = 1024 * 1024

	// maxSnapshotSize bounds the replication snapshot payload
	maxSnapshotSize = 1024 * 1024 * 1024

	// maxNestingDepth bounds nested arrays. Requests are flat; script
	// replies need a few levels.
	maxNestingDepth = 32

	// payloadChunk caps the buffer allocated before payload bytes arrive
	payloadChunk = 64 * 1024
)

var (
	crlfBytes = []byte(CRLF)
)

// Reader is a streaming RESP protocol reader
type Reader struct {
	br *bufio.Reader
}

// NewReader creates a new streaming RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{
		br: bufio.NewReader(r),
	}
}

// Buffered returns the number of bytes already read from the underlying
// reader but not yet consumed
func (r *Reader) Buffered() int {
	return r.br.Buffered()
}

// ReadNext reads the next RESP value from the stream. A clean end of stream
// before the first byte of a frame is reported as io.EOF.
func (r *Reader) ReadNext() (Value, error) {
	return r.readValue(0)
}

// readValue reads one value nested depth arrays deep
func (r *Reader) readValue(depth int) (Value, error) {
	typeByte, err := r.br.ReadByte()
	if err != nil {
		return Value{}, err
	}

	switch ValueType(typeByte) {
	case TypeSimpleString, TypeError:
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: ValueType(typeByte), Data: line}, nil
	case TypeInteger:
		return r.readInteger()
	case TypeBulkString:
		return r.readBulkString()
	case TypeArray:
		return r.readArray(depth + 1)
	default:
		if typeByte == 0 {
			return Value{}, protocolErrorf("unknown RESP type: empty byte (connection may be closed)")
		}
		return Value{}, protocolErrorf("unknown RESP type: %q (0x%02x)", typeByte, typeByte)
	}
}

// readInteger reads an integer value
func (r *Reader) readInteger() (Value, error) {
	line, err := r.readLine()
	if err != nil {
		return Value{}, err
	}

	integer, err := parseInt64(line)
	if err != nil {
		return Value{}, protocolErrorf("invalid integer: %q", line)
	}

	return Value{Type: TypeInteger, Integer: integer}, nil
}

// readBulkString reads a bulk string value
func (r *Reader) readBulkString() (Value, error) {
	length, err := r.readLength("bulk string", maxBulkSize)
	if err != nil {
		return Value{}, err
	}
	if length == -1 {
		return NullBulkString(), nil
	}

	data, err := r.readPayload(length)
	if err != nil {
		return Value{}, fmt.Errorf("failed to read bulk string data: %w", err)
	}

	if err := r.expectCRLF(); err != nil {
		return Value{}, err
	}

	return Value{Type: TypeBulkString, Data: data}, nil
}

// readArray reads an array value at the given nesting depth
func (r *Reader) readArray(depth int) (Value, error) {
	if depth > maxNestingDepth {
		return Value{}, protocolErrorf("array nesting too deep (max %d)", maxNestingDepth)
	}

	length, err := r.readLength("array", maxArraySize)
	if err != nil {
		return Value{}, err
	}
	if length == -1 {
		return Value{Type: TypeArray, IsNull: true}, nil
	}

	array := make([]Value, length)
	for i := int64(0); i < length; i++ {
		value, err := r.readValue(depth)
		if err != nil {
			if err == io.EOF {
				return Value{}, io.ErrUnexpectedEOF
			}
			return Value{}, err
		}
		array[i] = value
	}

	return Value{Type: TypeArray, Array: array}, nil
}

// ReadSnapshot reads the replication snapshot frame: $<len>\r\n followed by
// exactly len raw bytes and no trailing terminator.
func (r *Reader) ReadSnapshot() ([]byte, error) {
	typeByte, err := r.br.ReadByte()
	if err != nil {
		return nil, err
	}

	if ValueType(typeByte) != TypeBulkString {
		return nil, protocolErrorf("expected snapshot bulk header, got %q", typeByte)
	}

	length, err := r.readLength("snapshot", maxSnapshotSize)
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, protocolErrorf("invalid snapshot length: %d", length)
	}

	data, err := r.readPayload(length)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot (%d bytes): %w", length, err)
	}

	// No CRLF after snapshot data
	return data, nil
}

// readPayload reads exactly n bytes. The buffer grows with the bytes
// received, not with the announced length.
func (r *Reader) readPayload(n int64) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	buf.Grow(int(min(n, payloadChunk)))
	if _, err := io.CopyN(&buf, r.br, n); err != nil {
		return nil, noEOF(err)
	}
	return buf.Bytes(), nil
}

// readLength reads the decimal length line of a bulk string or array.
// -1 (null) is returned as is.
func (r *Reader) readLength(kind string, limit int64) (int64, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}

	length, err := parseInt64(line)
	if err != nil {
		return 0, protocolErrorf("invalid %s length: %q", kind, line)
	}

	if length == -1 {
		return -1, nil
	}

	if length < 0 || length > limit {
		return 0, protocolErrorf("invalid %s length: %d", kind, length)
	}

	return length, nil
}

// parseInt64 parses an int64 from a byte slice without allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	var i int

	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}

		// Check for overflow
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}

		n = n*10 + int64(b[i]-'0')
	}

	if neg {
		return -n, nil
	}
	return n, nil
}

// readLine reads a line terminated by CRLF
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadBytes('\n')
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read line: %w", err)
	}

	if !bytes.HasSuffix(line, crlfBytes) {
		return nil, protocolErrorf("missing CRLF terminator after %q", line)
	}

	return line[:len(line)-2], nil
}

// expectCRLF reads and validates CRLF terminator
func (r *Reader) expectCRLF() error {
	var crlf [2]byte
	n, err := io.ReadFull(r.br, crlf[:])
	if err != nil {
		return fmt.Errorf("failed to read CRLF terminator (read %d/2 bytes): %w", n, noEOF(err))
	}

	if !bytes.Equal(crlf[:], crlfBytes) {
		return protocolErrorf("expected CRLF terminator [13, 10], got [%d, %d]", crlf[0], crlf[1])
	}

	return nil
}

// noEOF turns a bare io.EOF in the middle of a frame into io.ErrUnexpectedEOF
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
