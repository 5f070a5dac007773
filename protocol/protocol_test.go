package protocol_test

import (
	"bytes"
	"errors"
	"io"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-lite/protocol"
)

func TestRESPReader(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected protocol.Value
	}{
		{
			name:     "simple string",
			input:    "+OK\r\n",
			expected: protocol.SimpleString("OK"),
		},
		{
			name:     "error",
			input:    "-ERR unknown command\r\n",
			expected: protocol.ErrorValue("ERR unknown command"),
		},
		{
			name:     "integer",
			input:    ":42\r\n",
			expected: protocol.Integer(42),
		},
		{
			name:     "negative integer",
			input:    ":-7\r\n",
			expected: protocol.Integer(-7),
		},
		{
			name:     "bulk string",
			input:    "$5\r\nhello\r\n",
			expected: protocol.BulkStringFromString("hello"),
		},
		{
			name:     "null bulk string",
			input:    "$-1\r\n",
			expected: protocol.NullBulkString(),
		},
		{
			name:     "empty bulk string",
			input:    "$0\r\n\r\n",
			expected: protocol.BulkStringFromString(""),
		},
		{
			name:     "bulk string with CRLF inside",
			input:    "$4\r\na\r\nb\r\n",
			expected: protocol.BulkStringFromString("a\r\nb"),
		},
		{
			name:     "request array",
			input:    "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n",
			expected: protocol.BulkStrings("SET", "key", "value"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := protocol.NewReader(strings.NewReader(tt.input))
			value, err := reader.ReadNext()
			if err != nil {
				t.Fatalf("ReadNext() error = %v", err)
			}

			if !value.Equal(tt.expected) {
				t.Errorf("ReadNext() = %#v, want %#v", value, tt.expected)
			}

			if _, err := reader.ReadNext(); err != io.EOF {
				t.Errorf("second ReadNext() error = %v, want io.EOF", err)
			}
		})
	}
}

func TestRESPReaderFailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown type", "hello\r\n"},
		{"bad bulk length", "$abc\r\nhello\r\n"},
		{"negative bulk length", "$-5\r\n"},
		{"oversized array", "*99999999999\r\n"},
		{"missing CR", "+OK\n"},
		{"bad terminator after bulk data", "$3\r\nfooXY"},
		{"bad integer", ":12a\r\n"},
		{"nesting too deep", strings.Repeat("*1\r\n", 100000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := protocol.NewReader(strings.NewReader(tt.input))
			_, err := reader.ReadNext()

			var perr *protocol.ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("ReadNext() error = %v, want *ProtocolError", err)
			}
		})
	}
}

func TestRESPReaderNestingLimit(t *testing.T) {
	nested := func(depth int) string {
		return strings.Repeat("*1\r\n", depth) + ":1\r\n"
	}

	value, err := protocol.NewReader(strings.NewReader(nested(32))).ReadNext()
	if err != nil {
		t.Fatalf("ReadNext() at depth 32 error = %v", err)
	}
	for i := 0; i < 32; i++ {
		if value.Type != protocol.TypeArray || len(value.Array) != 1 {
			t.Fatalf("level %d = %v, want one-element array", i, value)
		}
		value = value.Array[0]
	}
	if !value.Equal(protocol.Integer(1)) {
		t.Errorf("innermost value = %v, want 1", value)
	}

	_, err = protocol.NewReader(strings.NewReader(nested(33))).ReadNext()
	var perr *protocol.ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("ReadNext() at depth 33 error = %v, want *ProtocolError", err)
	}
}

// Announced lengths must not be allocated before the bytes arrive
func TestRESPReaderLargeLengthWithoutBody(t *testing.T) {
	tests := []struct {
		name  string
		input string
		read  func(r *protocol.Reader) error
	}{
		{"bulk string", "*1\r\n$536870912\r\nabc", func(r *protocol.Reader) error {
			_, err := r.ReadNext()
			return err
		}},
		{"snapshot", "$536870912\r\nabc", func(r *protocol.Reader) error {
			_, err := r.ReadSnapshot()
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := protocol.NewReader(strings.NewReader(tt.input))

			var before, after runtime.MemStats
			runtime.ReadMemStats(&before)
			err := tt.read(reader)
			runtime.ReadMemStats(&after)

			if !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("error = %v, want io.ErrUnexpectedEOF", err)
			}
			if grown := after.TotalAlloc - before.TotalAlloc; grown > 8<<20 {
				t.Errorf("allocated %d bytes for a 3 byte body", grown)
			}
		})
	}
}

func TestRESPReaderLargeBulkString(t *testing.T) {
	payload := strings.Repeat("x", 300*1024)
	input := "$" + strconv.Itoa(len(payload)) + "\r\n" + payload + "\r\n"

	value, err := protocol.NewReader(strings.NewReader(input)).ReadNext()
	if err != nil {
		t.Fatalf("ReadNext() error = %v", err)
	}
	if string(value.Data) != payload {
		t.Errorf("read %d bytes, want %d", len(value.Data), len(payload))
	}
}

func TestRESPReaderIncomplete(t *testing.T) {
	for _, input := range []string{"*2\r\n$3\r\nGET\r\n", "$5\r\nhel", "+OK"} {
		reader := protocol.NewReader(strings.NewReader(input))
		_, err := reader.ReadNext()
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("ReadNext(%q) error = %v, want io.ErrUnexpectedEOF", input, err)
		}
	}
}

func TestRESPWriter(t *testing.T) {
	tests := []struct {
		name     string
		write    func(w *protocol.Writer) error
		expected string
	}{
		{"simple string", func(w *protocol.Writer) error { return w.WriteSimpleString("OK") }, "+OK\r\n"},
		{"bulk string", func(w *protocol.Writer) error { return w.WriteBulkString([]byte("hello")) }, "$5\r\nhello\r\n"},
		{"null bulk string", func(w *protocol.Writer) error { return w.WriteNullBulkString() }, "$-1\r\n"},
		{"integer", func(w *protocol.Writer) error { return w.WriteInteger(42) }, ":42\r\n"},
		{"error", func(w *protocol.Writer) error { return w.WriteError("ERR boom") }, "-ERR boom\r\n"},
		{"simple string with line breaks", func(w *protocol.Writer) error { return w.WriteSimpleString("a\r\nb") }, "+a b\r\n"},
		{"error with line breaks", func(w *protocol.Writer) error { return w.WriteError("ERR a\r\nb\nc") }, "-ERR a b c\r\n"},
		{
			"command",
			func(w *protocol.Writer) error { return w.WriteCommand("SET", "key", "value") },
			"*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n",
		},
		{
			"multi-byte payload uses byte length",
			func(w *protocol.Writer) error { return w.WriteBulkStringFromString("héllo") },
			"$6\r\nhéllo\r\n",
		},
		{
			"snapshot has no trailing CRLF",
			func(w *protocol.Writer) error { return w.WriteSnapshot([]byte{0x52, 0x00, 0xff}) },
			"$3\r\n\x52\x00\xff",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writer := protocol.NewWriter(&buf)

			if err := tt.write(writer); err != nil {
				t.Fatalf("write error = %v", err)
			}
			if buf.Len() != 0 {
				t.Errorf("writer flushed before Flush()")
			}
			if err := writer.Flush(); err != nil {
				t.Fatalf("Flush() error = %v", err)
			}

			if buf.String() != tt.expected {
				t.Errorf("wrote %q, want %q", buf.String(), tt.expected)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []protocol.Value{
		protocol.SimpleString("PONG"),
		protocol.SimpleString("FULLRESYNC 8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb 0"),
		protocol.BulkStringFromString("bar"),
		protocol.BulkStringFromString(""),
		protocol.BulkString([]byte{0x00, 0xff, '\r', '\n', 0xc3, 0xa9}),
		protocol.NullBulkString(),
		protocol.BulkStrings("PING"),
		protocol.BulkStrings("REPLCONF", "listening-port", "6380"),
		protocol.BulkStrings(),
		protocol.Integer(-1),
		protocol.ErrorValue("ERR nope"),
	}

	for _, v := range values {
		encoded, err := protocol.Encode(v)
		if err != nil {
			t.Fatalf("Encode(%v) error = %v", v, err)
		}

		decoded, n, err := protocol.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q) error = %v", encoded, err)
		}
		if n != len(encoded) {
			t.Errorf("Decode(%q) consumed %d bytes, want %d", encoded, n, len(encoded))
		}
		if !decoded.Equal(v) {
			t.Errorf("round trip of %q = %#v, want %#v", encoded, decoded, v)
		}
	}
}

func TestEncodeSingleLineFrames(t *testing.T) {
	for _, v := range []protocol.Value{protocol.SimpleString("a\r\nb"), protocol.ErrorValue("ERR a\nb")} {
		encoded, err := protocol.Encode(v)
		if err != nil {
			t.Fatalf("Encode(%v) error = %v", v, err)
		}
		decoded, n, err := protocol.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q) error = %v", encoded, err)
		}
		if n != len(encoded) {
			t.Errorf("Decode(%q) consumed %d of %d bytes", encoded, n, len(encoded))
		}
		if strings.ContainsAny(string(decoded.Data), "\r\n") {
			t.Errorf("decoded %q still holds a line break", decoded.Data)
		}
	}
}

func TestDecodeConsumesOneFrame(t *testing.T) {
	input := []byte("+PONG\r\n+OK\r\n")

	v, n, err := protocol.Decode(input)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !v.IsSimple("PONG") {
		t.Errorf("Decode() = %v, want PONG", v)
	}
	if n != len("+PONG\r\n") {
		t.Errorf("consumed = %d, want %d", n, len("+PONG\r\n"))
	}

	if _, _, err := protocol.Decode(nil); err != io.EOF {
		t.Errorf("Decode(nil) error = %v, want io.EOF", err)
	}
}

func TestReadSnapshot(t *testing.T) {
	payload := "REDIS0011\xfa\x00\xff"
	input := "+FULLRESYNC abc 0\r\n$" + "12" + "\r\n" + payload + "*1\r\n$4\r\nPING\r\n"

	reader := protocol.NewReader(strings.NewReader(input))

	header, err := reader.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext() error = %v", err)
	}
	if !header.IsSimple("FULLRESYNC abc 0") {
		t.Fatalf("header = %v", header)
	}

	snapshot, err := reader.ReadSnapshot()
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if string(snapshot) != payload {
		t.Errorf("snapshot = %q, want %q", snapshot, payload)
	}

	// The frame right after the snapshot must still parse
	next, err := reader.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext() after snapshot error = %v", err)
	}
	if !next.Equal(protocol.BulkStrings("PING")) {
		t.Errorf("next = %v, want [PING]", next)
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := protocol.ParseCommand(protocol.BulkStrings("set", "key", "value"))
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}

	if cmd.Name != "SET" {
		t.Errorf("Command name = %s, want SET", cmd.Name)
	}
	if cmd.Kind() != protocol.CommandSet {
		t.Errorf("Kind() = %v, want CommandSet", cmd.Kind())
	}
	if len(cmd.Args) != 2 || cmd.Arg(0) != "key" || cmd.Arg(1) != "value" {
		t.Errorf("Args = %q, want [key value]", cmd.Args)
	}
	if cmd.Arg(5) != "" {
		t.Errorf("Arg(5) = %q, want empty", cmd.Arg(5))
	}

	unknown, err := protocol.ParseCommand(protocol.BulkStrings("FLUSHALL"))
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	if unknown.Kind() != protocol.CommandUnknown {
		t.Errorf("Kind() = %v, want CommandUnknown", unknown.Kind())
	}

	invalid := []protocol.Value{
		protocol.SimpleString("PING"),
		protocol.BulkStrings(),
		protocol.ArrayOf(protocol.Integer(1)),
		protocol.ArrayOf(protocol.BulkStringFromString("GET"), protocol.NullBulkString()),
	}
	for _, v := range invalid {
		if _, err := protocol.ParseCommand(v); !errors.Is(err, protocol.ErrInvalidCommand) {
			t.Errorf("ParseCommand(%v) error = %v, want ErrInvalidCommand", v, err)
		}
	}
}

func TestParseSet(t *testing.T) {
	tests := []struct {
		name    string
		words   []string
		wantTTL time.Duration
		wantErr bool
	}{
		{"no expiry", []string{"SET", "k", "v"}, 0, false},
		{"px", []string{"SET", "k", "v", "PX", "50"}, 50 * time.Millisecond, false},
		{"px lower case", []string{"SET", "k", "v", "px", "100"}, 100 * time.Millisecond, false},
		{"ex", []string{"SET", "k", "v", "EX", "2"}, 2 * time.Second, false},
		{"wrong marker", []string{"SET", "k", "v", "XX", "50"}, 0, true},
		{"non numeric", []string{"SET", "k", "v", "PX", "soon"}, 0, true},
		{"zero", []string{"SET", "k", "v", "PX", "0"}, 0, true},
		{"negative", []string{"SET", "k", "v", "PX", "-5"}, 0, true},
		{"bad arity", []string{"SET", "k"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := protocol.ParseCommand(protocol.BulkStrings(tt.words...))
			if err != nil {
				t.Fatalf("ParseCommand() error = %v", err)
			}

			args, err := protocol.ParseSet(cmd)
			if tt.wantErr {
				if !errors.Is(err, protocol.ErrInvalidArguments) {
					t.Errorf("ParseSet() error = %v, want ErrInvalidArguments", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSet() error = %v", err)
			}
			if args.Key != "k" || string(args.Value) != "v" || args.TTL != tt.wantTTL {
				t.Errorf("ParseSet() = %+v, want k/v ttl %v", args, tt.wantTTL)
			}
		})
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		value    protocol.Value
		expected string
	}{
		{protocol.SimpleString("OK"), "OK"},
		{protocol.Integer(42), "42"},
		{protocol.NullBulkString(), "(nil)"},
		{protocol.ErrorValue("ERR unknown command"), "ERR unknown command"},
		{protocol.BulkStrings("a", "b"), "[a, b]"},
	}

	for _, tt := range tests {
		if result := tt.value.String(); result != tt.expected {
			t.Errorf("String() = %q, want %q", result, tt.expected)
		}
	}
}

func BenchmarkRESPReader(b *testing.B) {
	input := "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reader := protocol.NewReader(strings.NewReader(input))
		if _, err := reader.ReadNext(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRESPWriter(b *testing.B) {
	var buf bytes.Buffer
	writer := protocol.NewWriter(&buf)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		writer.Reset(&buf)
		if err := writer.WriteSimpleString("OK"); err != nil {
			b.Fatal(err)
		}
		writer.Flush()
	}
}
