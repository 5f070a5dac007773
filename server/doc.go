// Package server accepts client connections and dispatches their commands.
//
// Every accepted connection gets its own goroutine running a
// read -> parse -> dispatch -> write loop. All connections share the one
// storage instance and the process-wide replication metadata handed to
// NewServer.
//
// Supported commands are PING, ECHO, SET (with PX/EX), GET, INFO, REPLCONF,
// PSYNC and the scripting commands EVAL, EVALSHA and SCRIPT. Unknown commands
// and arity mismatches are answered with a null bulk string and the
// connection stays open. Input that is not valid RESP closes the connection.
//
// PSYNC is answered with +FULLRESYNC <replid> <offset> followed by the
// snapshot as $<len>\r\n<bytes> without a trailing CRLF.
package server
