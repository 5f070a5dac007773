// Package replication implements both halves of the full-resync handshake.
//
// On the primary side it provides the process-wide replication state
// (role, replication id, offset), the per-connection PeerState recorded from
// REPLCONF, and the FULLRESYNC header and snapshot payload sent in reply to
// PSYNC.
//
// On the replica side, Handshake drives the sequential exchange
//
//	PING -> REPLCONF listening-port <port> -> REPLCONF capa psync2 -> PSYNC ? -1
//
// and reads the FULLRESYNC reply followed by the snapshot payload, which is
// framed as a bulk string without a trailing CRLF. Unexpected replies are
// logged and the handshake continues; only I/O failures end it.
//
// Basic usage:
//
//	hs := replication.NewHandshake("localhost:6379", 6380)
//	mgr := replication.NewSyncManager(hs, store)
//	if err := mgr.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	err := mgr.WaitForSync(ctx)
//
// The snapshot is parsed as an RDB stream. String keys and their expiries are
// loaded into the replica store; a snapshot that cannot be parsed is logged
// and otherwise ignored.
package replication
