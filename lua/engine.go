package lua

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	lua "github.com/yuin/gopher-lua"

	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/storage"
)

// ErrNoScript is returned by EvalSHA for an unknown digest
var ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL")

// Engine provides Redis-compatible Lua script execution
type Engine struct {
	storage storage.Storage
	scripts *xsync.MapOf[string, string] // SHA1 -> script body
}

// NewEngine creates a new Lua execution engine
func NewEngine(stor storage.Storage) *Engine {
	return &Engine{
		storage: stor,
		scripts: xsync.NewMapOf[string, string](),
	}
}

// Eval executes a Lua script with the given keys and arguments. The script is
// cached as if loaded with SCRIPT LOAD.
func (e *Engine) Eval(script string, keys []string, args []string) (protocol.Value, error) {
	e.LoadScript(script)
	return e.run(script, keys, args)
}

// EvalSHA executes a previously loaded script by its SHA1 digest
func (e *Engine) EvalSHA(sha string, keys []string, args []string) (protocol.Value, error) {
	script, ok := e.scripts.Load(strings.ToLower(sha))
	if !ok {
		return protocol.Value{}, ErrNoScript
	}
	return e.run(script, keys, args)
}

// LoadScript caches a script and returns its SHA1 digest
func (e *Engine) LoadScript(script string) string {
	sum := sha1.Sum([]byte(script))
	digest := hex.EncodeToString(sum[:])
	e.scripts.Store(digest, script)
	return digest
}

// ScriptExists reports which digests are cached
func (e *Engine) ScriptExists(digests []string) []bool {
	results := make([]bool, len(digests))
	for i, digest := range digests {
		_, results[i] = e.scripts.Load(strings.ToLower(digest))
	}
	return results
}

// ScriptFlush removes all cached scripts
func (e *Engine) ScriptFlush() {
	e.scripts.Clear()
}

// ScriptCount returns the number of cached scripts
func (e *Engine) ScriptCount() int {
	return e.scripts.Size()
}

func (e *Engine) run(script string, keys []string, args []string) (protocol.Value, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	openLibs(L)
	e.setupRedisAPI(L, keys, args)

	fn, err := L.LoadString(script)
	if err != nil {
		return protocol.Value{}, fmt.Errorf("Error compiling script: %w", err)
	}

	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return protocol.Value{}, fmt.Errorf("Error running script: %w", err)
	}

	return toRESP(L.Get(-1)), nil
}

// openLibs opens the subset of the standard library scripts may use
func openLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	// Not sandboxed by the libraries above
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// setupRedisAPI installs KEYS, ARGV and the redis table
func (e *Engine) setupRedisAPI(L *lua.LState, keys []string, args []string) {
	L.SetGlobal("KEYS", stringsTable(L, keys))
	L.SetGlobal("ARGV", stringsTable(L, args))

	redisTable := L.NewTable()
	L.SetFuncs(redisTable, map[string]lua.LGFunction{
		"call":         e.redisCall,
		"pcall":        e.redisPCall,
		"status_reply": statusReply,
		"error_reply":  errorReply,
	})
	L.SetGlobal("redis", redisTable)
}

func stringsTable(L *lua.LState, items []string) *lua.LTable {
	t := L.CreateTable(len(items), 0)
	for i, item := range items {
		t.RawSetInt(i+1, lua.LString(item))
	}
	return t
}

// redisCall implements redis.call(): command errors raise a Lua error
func (e *Engine) redisCall(L *lua.LState) int {
	result, err := e.execute(L)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(toLua(L, result))
	return 1
}

// redisPCall implements redis.pcall(): command errors are returned as a table
// with an err field
func (e *Engine) redisPCall(L *lua.LState) int {
	result, err := e.execute(L)
	if err != nil {
		result = protocol.ErrorValue(err.Error())
	}
	L.Push(toLua(L, result))
	return 1
}

func statusReply(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("ok", lua.LString(L.CheckString(1)))
	L.Push(t)
	return 1
}

func errorReply(L *lua.LState) int {
	t := L.NewTable()
	t.RawSetString("err", lua.LString(L.CheckString(1)))
	L.Push(t)
	return 1
}

// execute runs the command on the Lua stack against the store
func (e *Engine) execute(L *lua.LState) (protocol.Value, error) {
	argc := L.GetTop()
	if argc == 0 {
		return protocol.Value{}, errors.New("ERR Please specify at least one argument for this redis lib call")
	}

	argv := make([][]byte, argc)
	for i := 1; i <= argc; i++ {
		switch v := L.Get(i).(type) {
		case lua.LString:
			argv[i-1] = []byte(v)
		case lua.LNumber:
			argv[i-1] = []byte(v.String())
		default:
			return protocol.Value{}, errors.New("ERR Lua redis lib command arguments must be strings or integers")
		}
	}

	cmd := &protocol.Command{Name: strings.ToUpper(string(argv[0])), Args: argv[1:]}
	return e.executeCommand(cmd)
}

// executeCommand executes a command against the storage
func (e *Engine) executeCommand(cmd *protocol.Command) (protocol.Value, error) {
	switch cmd.Kind() {
	case protocol.CommandPing:
		if len(cmd.Args) == 1 {
			return protocol.BulkString(cmd.Args[0]), nil
		}
		return protocol.SimpleString("PONG"), nil

	case protocol.CommandEcho:
		if len(cmd.Args) != 1 {
			return protocol.Value{}, wrongArity("echo")
		}
		return protocol.BulkString(cmd.Args[0]), nil

	case protocol.CommandGet:
		if len(cmd.Args) != 1 {
			return protocol.Value{}, wrongArity("get")
		}
		value, exists := e.storage.Get(cmd.Arg(0))
		if !exists {
			return protocol.NullBulkString(), nil
		}
		return protocol.BulkString(value), nil

	case protocol.CommandSet:
		set, err := protocol.ParseSet(cmd)
		if errors.Is(err, protocol.ErrInvalidArguments) && !protocol.SetArity(cmd) {
			return protocol.Value{}, wrongArity("set")
		}
		if err != nil {
			return protocol.Value{}, errors.New("ERR syntax error")
		}
		if err := e.storage.Set(set.Key, set.Value, set.TTL); err != nil {
			return protocol.Value{}, fmt.Errorf("ERR %w", err)
		}
		return protocol.SimpleString("OK"), nil
	}

	switch cmd.Name {
	case "DEL":
		if len(cmd.Args) == 0 {
			return protocol.Value{}, wrongArity("del")
		}
		return protocol.Integer(e.storage.Del(argStrings(cmd)...)), nil

	case "EXISTS":
		if len(cmd.Args) == 0 {
			return protocol.Value{}, wrongArity("exists")
		}
		return protocol.Integer(e.storage.Exists(argStrings(cmd)...)), nil
	}

	return protocol.Value{}, fmt.Errorf("ERR unknown or unsupported command '%s' called from script", strings.ToLower(cmd.Name))
}

func argStrings(cmd *protocol.Command) []string {
	out := make([]string, len(cmd.Args))
	for i := range cmd.Args {
		out[i] = cmd.Arg(i)
	}
	return out
}

func wrongArity(name string) error {
	return fmt.Errorf("ERR wrong number of arguments for '%s' command", name)
}

// toLua converts a RESP reply into the Lua value a script sees
func toLua(L *lua.LState, v protocol.Value) lua.LValue {
	switch v.Type {
	case protocol.TypeSimpleString:
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(v.Data))
		return t
	case protocol.TypeError:
		t := L.NewTable()
		t.RawSetString("err", lua.LString(v.Data))
		return t
	case protocol.TypeInteger:
		return lua.LNumber(v.Integer)
	case protocol.TypeBulkString:
		if v.IsNull {
			return lua.LFalse
		}
		return lua.LString(v.Data)
	case protocol.TypeArray:
		if v.IsNull {
			return lua.LFalse
		}
		t := L.CreateTable(len(v.Array), 0)
		for i, item := range v.Array {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}

// toRESP converts a script result into a RESP reply. Numbers are truncated to
// integers and arrays stop at the first nil, as in Redis.
func toRESP(lv lua.LValue) protocol.Value {
	switch v := lv.(type) {
	case lua.LString:
		return protocol.BulkStringFromString(string(v))
	case lua.LNumber:
		return protocol.Integer(int64(v))
	case lua.LBool:
		if v {
			return protocol.Integer(1)
		}
		return protocol.NullBulkString()
	case *lua.LTable:
		if msg, ok := v.RawGetString("err").(lua.LString); ok {
			return protocol.ErrorValue(string(msg))
		}
		if msg, ok := v.RawGetString("ok").(lua.LString); ok {
			return protocol.SimpleString(string(msg))
		}
		var items []protocol.Value
		for i := 1; ; i++ {
			item := v.RawGetInt(i)
			if item == lua.LNil {
				break
			}
			items = append(items, toRESP(item))
		}
		return protocol.ArrayOf(items...)
	default:
		return protocol.NullBulkString()
	}
}
