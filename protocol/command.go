package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CommandKind identifies a recognized command
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandPing
	CommandEcho
	CommandSet
	CommandGet
	CommandInfo
	CommandReplConf
	CommandPSync
	CommandEval
	CommandEvalSHA
	CommandScript
)

var commandKinds = map[string]CommandKind{
	"PING":     CommandPing,
	"ECHO":     CommandEcho,
	"SET":      CommandSet,
	"GET":      CommandGet,
	"INFO":     CommandInfo,
	"REPLCONF": CommandReplConf,
	"PSYNC":    CommandPSync,
	"EVAL":     CommandEval,
	"EVALSHA":  CommandEvalSHA,
	"SCRIPT":   CommandScript,
}

// Command represents a Redis command parsed from a RESP array
type Command struct {
	Name string
	Args [][]byte
}

// ParseCommand parses a RESP array of bulk strings into a Command. The name is
// upper-cased so lookups are case-insensitive.
func ParseCommand(v Value) (*Command, error) {
	if v.Type != TypeArray || v.IsNull || len(v.Array) == 0 {
		return nil, ErrInvalidCommand
	}

	cmd := &Command{
		Args: make([][]byte, len(v.Array)-1),
	}

	for i, item := range v.Array {
		if item.Type != TypeBulkString || item.IsNull {
			return nil, fmt.Errorf("%w: element %d is not a bulk string", ErrInvalidCommand, i)
		}
		if i == 0 {
			cmd.Name = strings.ToUpper(string(item.Data))
			continue
		}
		cmd.Args[i-1] = item.Data
	}

	return cmd, nil
}

// Kind returns the kind of the command, CommandUnknown when not recognized
func (c *Command) Kind() CommandKind {
	return commandKinds[c.Name]
}

// Arg returns the i-th argument as a string, or "" when out of range
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return string(c.Args[i])
}

// String returns a string representation of the command
func (c *Command) String() string {
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = string(arg)
	}
	return strings.TrimSpace(c.Name + " " + strings.Join(args, " "))
}

// SetArgs holds the arguments of a SET command
type SetArgs struct {
	Key   string
	Value []byte
	TTL   time.Duration // 0 means no expiry
}

// ParseSet validates SET key value [PX ms | EX s]. It reports ErrInvalidArguments
// when the expiry marker or amount is not usable. Callers must check arity with
// SetArity first since a wrong arity is answered differently.
func ParseSet(c *Command) (SetArgs, error) {
	if !SetArity(c) {
		return SetArgs{}, ErrInvalidArguments
	}

	args := SetArgs{
		Key:   string(c.Args[0]),
		Value: c.Args[1],
	}

	if len(c.Args) == 2 {
		return args, nil
	}

	unit := time.Millisecond
	switch strings.ToUpper(string(c.Args[2])) {
	case "PX":
	case "EX":
		unit = time.Second
	default:
		return SetArgs{}, fmt.Errorf("%w: unknown expiry marker %q", ErrInvalidArguments, c.Args[2])
	}

	amount, err := strconv.ParseInt(string(c.Args[3]), 10, 64)
	if err != nil || amount <= 0 {
		return SetArgs{}, fmt.Errorf("%w: invalid expire time %q", ErrInvalidArguments, c.Args[3])
	}
	if amount > int64(1<<63-1)/int64(unit) {
		return SetArgs{}, fmt.Errorf("%w: expire time %d out of range", ErrInvalidArguments, amount)
	}

	args.TTL = time.Duration(amount) * unit
	return args, nil
}

// SetArity reports whether a SET command has 2 or 4 arguments
func SetArity(c *Command) bool {
	return len(c.Args) == 2 || len(c.Args) == 4
}
