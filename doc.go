// Package redislite provides a minimal Redis-compatible key-value server
// that can run as a primary or as a replica of another instance.
//
// A Node owns a single in-memory store, the process-wide replication
// metadata and the RESP server. When configured as a replica it performs the
// replication handshake against its primary in the background and loads the
// received snapshot into its store.
//
// Basic usage:
//
//	node, err := redislite.New(
//		redislite.WithAddr("127.0.0.1:6380"),
//		redislite.WithReplicaOf("127.0.0.1", 6379),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer node.Close()
//
//	if err := node.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	// Wait for the initial snapshot
//	if err := node.WaitForSync(ctx); err != nil {
//		log.Printf("sync failed: %v", err)
//	}
//
// Supported commands are PING, ECHO, SET (with PX/EX), GET, INFO, REPLCONF,
// PSYNC, EVAL, EVALSHA and SCRIPT LOAD/EXISTS/FLUSH.
package redislite
