package lua

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/storage"
)

func TestLuaEngine_BasicExecution(t *testing.T) {
	stor := storage.NewMemory()
	defer stor.Close()
	engine := NewEngine(stor)

	tests := []struct {
		name     string
		script   string
		keys     []string
		args     []string
		expected protocol.Value
	}{
		{
			name:     "simple return",
			script:   "return 'hello'",
			expected: protocol.BulkStringFromString("hello"),
		},
		{
			name:     "return number",
			script:   "return 42",
			expected: protocol.Integer(42),
		},
		{
			name:     "float is truncated",
			script:   "return 3.99",
			expected: protocol.Integer(3),
		},
		{
			name:     "true becomes one",
			script:   "return true",
			expected: protocol.Integer(1),
		},
		{
			name:     "false becomes null",
			script:   "return false",
			expected: protocol.NullBulkString(),
		},
		{
			name:     "nil becomes null",
			script:   "return nil",
			expected: protocol.NullBulkString(),
		},
		{
			name:     "access KEYS",
			script:   "return KEYS[1]",
			keys:     []string{"mykey"},
			expected: protocol.BulkStringFromString("mykey"),
		},
		{
			name:     "concatenate KEYS and ARGV",
			script:   "return KEYS[1] .. ':' .. ARGV[1]",
			keys:     []string{"user"},
			args:     []string{"123"},
			expected: protocol.BulkStringFromString("user:123"),
		},
		{
			name:     "array stops at nil",
			script:   "return {1, 'two', nil, 4}",
			expected: protocol.ArrayOf(protocol.Integer(1), protocol.BulkStringFromString("two")),
		},
		{
			name:     "status reply",
			script:   "return redis.status_reply('FINE')",
			expected: protocol.SimpleString("FINE"),
		},
		{
			name:     "error reply",
			script:   "return redis.error_reply('ERR custom')",
			expected: protocol.ErrorValue("ERR custom"),
		},
		{
			name:     "string library",
			script:   "return string.upper(ARGV[1])",
			args:     []string{"abc"},
			expected: protocol.BulkStringFromString("ABC"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Eval(tt.script, tt.keys, tt.args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Equal(tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestLuaEngine_RedisCommands(t *testing.T) {
	stor := storage.NewMemory()
	defer stor.Close()
	engine := NewEngine(stor)

	tests := []struct {
		name     string
		script   string
		keys     []string
		args     []string
		expected protocol.Value
	}{
		{
			name:     "SET and GET",
			script:   "redis.call('SET', KEYS[1], ARGV[1]); return redis.call('GET', KEYS[1])",
			keys:     []string{"testkey"},
			args:     []string{"testvalue"},
			expected: protocol.BulkStringFromString("testvalue"),
		},
		{
			name:     "lowercase command names",
			script:   "redis.call('set', 'k', 'v'); return redis.call('get', 'k')",
			expected: protocol.BulkStringFromString("v"),
		},
		{
			name:     "GET non-existent key is false",
			script:   "return redis.call('GET', 'nonexistent') == false",
			expected: protocol.Integer(1),
		},
		{
			name:     "SET returns status",
			script:   "return redis.call('SET', 'k', 'v')",
			expected: protocol.SimpleString("OK"),
		},
		{
			name:     "numeric arguments",
			script:   "redis.call('SET', 'n', 10); return redis.call('GET', 'n')",
			expected: protocol.BulkStringFromString("10"),
		},
		{
			name:     "DEL command",
			script:   "redis.call('SET', 'delkey', 'value'); return redis.call('DEL', 'delkey', 'missing')",
			expected: protocol.Integer(1),
		},
		{
			name:     "EXISTS command",
			script:   "redis.call('SET', 'existkey', 'value'); return redis.call('EXISTS', 'existkey', 'nope')",
			expected: protocol.Integer(1),
		},
		{
			name:     "PING",
			script:   "return redis.call('PING')",
			expected: protocol.SimpleString("PONG"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Eval(tt.script, tt.keys, tt.args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Equal(tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestLuaEngine_SetWithExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stor := storage.NewMemory(storage.WithClock(func() time.Time { return now }))
	defer stor.Close()
	engine := NewEngine(stor)

	if _, err := engine.Eval("return redis.call('SET', 'k', 'v', 'PX', 100)", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := stor.Get("k"); !ok {
		t.Fatal("expected key before expiry")
	}

	now = now.Add(100 * time.Millisecond)
	if _, ok := stor.Get("k"); ok {
		t.Error("expected key to expire")
	}

	_, err := engine.Eval("return redis.call('SET', 'k', 'v', 'XX', 100)", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "syntax error") {
		t.Errorf("error = %v, want syntax error", err)
	}
}

func TestLuaEngine_RedisPCall(t *testing.T) {
	stor := storage.NewMemory()
	defer stor.Close()
	engine := NewEngine(stor)

	result, err := engine.Eval("local r = redis.pcall('INVALIDCMD'); return type(r) == 'table' and r.err ~= nil", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Equal(protocol.Integer(1)) {
		t.Errorf("expected pcall to return an error table, got %v", result)
	}

	// The error table is passed through as an error reply
	result, err = engine.Eval("return redis.pcall('GET')", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError() || !strings.Contains(result.String(), "wrong number of arguments") {
		t.Errorf("expected error reply, got %v", result)
	}
}

func TestLuaEngine_RedisCallRaises(t *testing.T) {
	engine := NewEngine(storage.NewMemory())

	_, err := engine.Eval("redis.call('FLUSHALL'); return 1", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported command") {
		t.Errorf("error = %v, want unsupported command", err)
	}

	_, err = engine.Eval("return redis.call()", nil, nil)
	if err == nil {
		t.Error("expected error for empty redis.call")
	}

	_, err = engine.Eval("return redis.call('GET', {})", nil, nil)
	if err == nil {
		t.Error("expected error for table argument")
	}
}

func TestLuaEngine_Errors(t *testing.T) {
	engine := NewEngine(storage.NewMemory())

	if _, err := engine.Eval("return (", nil, nil); err == nil || !strings.Contains(err.Error(), "compiling") {
		t.Errorf("error = %v, want compile error", err)
	}
	if _, err := engine.Eval("error('boom')", nil, nil); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want runtime error", err)
	}
	if _, err := engine.Eval("return loadstring('return 1')", nil, nil); err == nil {
		t.Error("expected loadstring to be unavailable")
	}
	if _, err := engine.Eval("return os.time()", nil, nil); err == nil {
		t.Error("expected os library to be unavailable")
	}
}

func TestLuaEngine_ScriptCaching(t *testing.T) {
	engine := NewEngine(storage.NewMemory())

	script := "return 'cached script'"
	sha := engine.LoadScript(script)
	if len(sha) != 40 {
		t.Errorf("expected SHA1 length 40, got %d", len(sha))
	}

	result, err := engine.EvalSHA(sha, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.String() != "cached script" {
		t.Errorf("expected 'cached script', got %v", result)
	}

	// Digests are case-insensitive
	if _, err := engine.EvalSHA(strings.ToUpper(sha), nil, nil); err != nil {
		t.Errorf("EvalSHA with upper-case digest: %v", err)
	}

	if _, err := engine.EvalSHA("nonexistent", nil, nil); !errors.Is(err, ErrNoScript) {
		t.Errorf("error = %v, want ErrNoScript", err)
	}
}

func TestLuaEngine_EvalCachesScript(t *testing.T) {
	engine := NewEngine(storage.NewMemory())

	if _, err := engine.Eval("return 7", nil, nil); err != nil {
		t.Fatal(err)
	}
	// sha1("return 7")
	sha := engine.LoadScript("return 7")
	if engine.ScriptCount() != 1 {
		t.Errorf("ScriptCount() = %d, want 1", engine.ScriptCount())
	}
	if got, err := engine.EvalSHA(sha, nil, nil); err != nil || !got.Equal(protocol.Integer(7)) {
		t.Errorf("EvalSHA() = %v, %v", got, err)
	}
}

func TestLuaEngine_ScriptExistsAndFlush(t *testing.T) {
	engine := NewEngine(storage.NewMemory())

	sha1 := engine.LoadScript("return 1")
	sha2 := engine.LoadScript("return 2")

	results := engine.ScriptExists([]string{sha1, sha2, "nonexistent"})
	expected := []bool{true, true, false}
	for i, result := range results {
		if result != expected[i] {
			t.Errorf("ScriptExists[%d] = %v, want %v", i, result, expected[i])
		}
	}

	engine.ScriptFlush()
	if engine.ScriptCount() != 0 {
		t.Errorf("ScriptCount() after flush = %d", engine.ScriptCount())
	}
	if engine.ScriptExists([]string{sha1})[0] {
		t.Error("expected script to be flushed")
	}
}

func BenchmarkLuaEngine_Eval(b *testing.B) {
	engine := NewEngine(storage.NewMemory())
	script := "redis.call('SET', KEYS[1], ARGV[1]); return redis.call('GET', KEYS[1])"
	keys := []string{"bench"}
	args := []string{"value"}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Eval(script, keys, args); err != nil {
			b.Fatal(err)
		}
	}
}
