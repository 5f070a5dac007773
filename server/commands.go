package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/raniellyferreira/redis-lite/lua"
	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/replication"
)

const errInvalidExpire = "ERR invalid expire time in 'set' command"

// dispatch executes one request frame and buffers the reply. The returned
// error is a write error; command failures are reported to the client.
func (c *Client) dispatch(value protocol.Value) error {
	cmd, err := protocol.ParseCommand(value)
	if err != nil {
		// Well-formed RESP that is not a command
		c.server.cfg.Logger.Debug("Ignoring non-command frame", "id", c.id, "frame", value.String())
		return c.writer.WriteNullBulkString()
	}

	c.server.commandCount.Add(1)
	start := time.Now()

	err = c.executeCommand(cmd)

	if metrics := c.server.cfg.Metrics; metrics != nil {
		metrics.RecordCommand(commandLabel(cmd), time.Since(start))
	}
	return err
}

// executeCommand executes a command
func (c *Client) executeCommand(cmd *protocol.Command) error {
	switch cmd.Kind() {
	case protocol.CommandPing:
		return c.handlePing(cmd)
	case protocol.CommandEcho:
		return c.handleEcho(cmd)
	case protocol.CommandSet:
		return c.handleSet(cmd)
	case protocol.CommandGet:
		return c.handleGet(cmd)
	case protocol.CommandInfo:
		return c.handleInfo(cmd)
	case protocol.CommandReplConf:
		return c.handleReplConf(cmd)
	case protocol.CommandPSync:
		return c.handlePSync(cmd)
	case protocol.CommandEval:
		return c.handleEval(cmd, false)
	case protocol.CommandEvalSHA:
		return c.handleEval(cmd, true)
	case protocol.CommandScript:
		return c.handleScript(cmd)
	default:
		c.server.cfg.Logger.Debug("Unknown command", "id", c.id, "command", cmd.Name)
		return c.writer.WriteNullBulkString()
	}
}

func (c *Client) handlePing(cmd *protocol.Command) error {
	switch len(cmd.Args) {
	case 0:
		return c.writer.WriteSimpleString("PONG")
	case 1:
		return c.writer.WriteBulkString(cmd.Args[0])
	default:
		return c.writer.WriteNullBulkString()
	}
}

func (c *Client) handleEcho(cmd *protocol.Command) error {
	if len(cmd.Args) != 1 {
		return c.writer.WriteNullBulkString()
	}
	return c.writer.WriteBulkString(cmd.Args[0])
}

func (c *Client) handleSet(cmd *protocol.Command) error {
	if !protocol.SetArity(cmd) {
		return c.writer.WriteNullBulkString()
	}

	set, err := protocol.ParseSet(cmd)
	if err != nil {
		c.server.cfg.Logger.Debug("Invalid SET arguments", "id", c.id, "error", err)
		return c.writer.WriteError(errInvalidExpire)
	}

	if err := c.server.storage.Set(set.Key, set.Value, set.TTL); err != nil {
		c.server.recordError("storage")
		return c.writer.WriteError("ERR " + err.Error())
	}
	return c.writer.WriteOK()
}

func (c *Client) handleGet(cmd *protocol.Command) error {
	if len(cmd.Args) != 1 {
		return c.writer.WriteNullBulkString()
	}

	value, exists := c.server.storage.Get(cmd.Arg(0))
	if !exists {
		return c.writer.WriteNullBulkString()
	}
	return c.writer.WriteBulkString(value)
}

// handleInfo answers INFO and INFO <section> with the replication section
func (c *Client) handleInfo(cmd *protocol.Command) error {
	linkUp := false
	if c.server.cfg.LinkUp != nil {
		linkUp = c.server.cfg.LinkUp()
	}
	return c.writer.WriteBulkStringFromString(c.server.cfg.Replication.Format(linkUp))
}

// handleReplConf accepts any REPLCONF unconditionally
func (c *Client) handleReplConf(cmd *protocol.Command) error {
	args := make([]string, len(cmd.Args))
	for i := range cmd.Args {
		args[i] = cmd.Arg(i)
	}
	c.peer.ApplyReplConf(args)

	c.server.cfg.Logger.Debug("REPLCONF", "id", c.id, "args", strings.Join(args, " "),
		"listening_port", c.peer.ListeningPort)
	return c.writer.WriteOK()
}

// handlePSync always performs a full resync
func (c *Client) handlePSync(cmd *protocol.Command) error {
	if len(cmd.Args) != 2 {
		return c.writer.WriteNullBulkString()
	}

	info := c.server.cfg.Replication
	c.server.cfg.Logger.Info("Full resync requested by replica",
		"id", c.id, "remote", c.conn.RemoteAddr().String(),
		"listening_port", c.peer.ListeningPort, "requested_replid", cmd.Arg(0))

	if err := c.writer.WriteSimpleString(replication.FullResyncHeader(info)); err != nil {
		return err
	}
	return c.writer.WriteSnapshot(c.server.cfg.Snapshot)
}

// handleEval serves EVAL script numkeys key... arg... and its EVALSHA variant
func (c *Client) handleEval(cmd *protocol.Command, bySHA bool) error {
	if len(cmd.Args) < 2 {
		return c.writer.WriteError("ERR wrong number of arguments for '" + strings.ToLower(cmd.Name) + "' command")
	}

	numKeys, err := strconv.Atoi(cmd.Arg(1))
	if err != nil {
		return c.writer.WriteError("ERR value is not an integer or out of range")
	}
	if numKeys < 0 || len(cmd.Args) < 2+numKeys {
		return c.writer.WriteError("ERR Number of keys can't be negative or greater than args")
	}

	keys := make([]string, numKeys)
	for i := range keys {
		keys[i] = cmd.Arg(2 + i)
	}
	args := make([]string, len(cmd.Args)-2-numKeys)
	for i := range args {
		args[i] = cmd.Arg(2 + numKeys + i)
	}

	var result protocol.Value
	if bySHA {
		result, err = c.server.lua.EvalSHA(cmd.Arg(0), keys, args)
	} else {
		result, err = c.server.lua.Eval(cmd.Arg(0), keys, args)
	}
	if err != nil {
		c.server.recordError("script")
		if errors.Is(err, lua.ErrNoScript) {
			return c.writer.WriteError(err.Error())
		}
		return c.writer.WriteError("ERR " + err.Error())
	}
	return c.writer.WriteValue(result)
}

func (c *Client) handleScript(cmd *protocol.Command) error {
	if len(cmd.Args) == 0 {
		return c.writer.WriteError("ERR wrong number of arguments for 'script' command")
	}

	switch strings.ToUpper(cmd.Arg(0)) {
	case "LOAD":
		if len(cmd.Args) != 2 {
			return c.writer.WriteError("ERR wrong number of arguments for 'script|load' command")
		}
		return c.writer.WriteBulkStringFromString(c.server.lua.LoadScript(cmd.Arg(1)))

	case "EXISTS":
		if len(cmd.Args) < 2 {
			return c.writer.WriteError("ERR wrong number of arguments for 'script|exists' command")
		}
		digests := make([]string, len(cmd.Args)-1)
		for i := range digests {
			digests[i] = cmd.Arg(i + 1)
		}
		exists := c.server.lua.ScriptExists(digests)
		values := make([]protocol.Value, len(exists))
		for i, ok := range exists {
			if ok {
				values[i] = protocol.Integer(1)
			} else {
				values[i] = protocol.Integer(0)
			}
		}
		return c.writer.WriteArray(values)

	case "FLUSH":
		c.server.lua.ScriptFlush()
		return c.writer.WriteOK()

	default:
		return c.writer.WriteError("ERR unknown subcommand '" + cmd.Arg(0) + "'. Try SCRIPT HELP.")
	}
}

// commandLabel is the metrics label for cmd. Unknown names share one label
// so clients cannot grow the label set.
func commandLabel(cmd *protocol.Command) string {
	if cmd.Kind() == protocol.CommandUnknown {
		return "unknown"
	}
	return strings.ToLower(cmd.Name)
}
