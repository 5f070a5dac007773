// Package lua provides EVAL/EVALSHA script execution over the key-value store.
//
// Scripts see the KEYS and ARGV tables and can reach the store through
// redis.call and redis.pcall, which accept GET, SET (with PX/EX), DEL, EXISTS,
// PING and ECHO. Results are converted to RESP values the way Redis does it:
// numbers become integers, false and nil become a null bulk string, tables
// with an "err" or "ok" field become error or status replies.
//
// Each script runs in a fresh interpreter with only the base, table, string
// and math libraries opened.
package lua
