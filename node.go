package redislite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/raniellyferreira/redis-lite/replication"
	"github.com/raniellyferreira/redis-lite/server"
	"github.com/raniellyferreira/redis-lite/storage"
)

// Node is a single redis-lite instance: one store, one set of replication
// metadata and one RESP server
type Node struct {
	cfg     Config
	info    replication.Info
	storage *storage.MemoryStorage
	server  *server.Server
	syncMgr atomic.Pointer[replication.SyncManager]

	// Lifetime of the background handshake
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a new Node with the given options
//
// The node is created but not started. Use Start() to bind the listener and,
// for replicas, begin the handshake.
//
// Example:
//
//	node, err := redislite.New(
//		redislite.WithAddr(":6380"),
//		redislite.WithReplicaOf("localhost", 6379),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.ReplID == "" {
		cfg.ReplID = replication.NewReplID()
	}

	info := replication.Info{
		Role:   replication.RolePrimary,
		ReplID: cfg.ReplID,
	}
	if cfg.IsReplica() {
		info.Role = replication.RoleReplica
		info.MasterHost = cfg.MasterHost
		info.MasterPort = cfg.MasterPort
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     *cfg,
		info:    info,
		storage: storage.NewMemory(storage.WithShardCount(cfg.ShardCount)),
		ctx:     ctx,
		cancel:  cancel,
	}

	srvCfg := server.Config{
		Addr:        cfg.Addr,
		Replication: info,
		Snapshot:    cfg.Snapshot,
		LinkUp:      n.linkUp,
		IdleTimeout: cfg.IdleTimeout,
		Logger:      &loggerAdapter{logger: cfg.Logger},
	}
	if cfg.Metrics != nil {
		srvCfg.Metrics = &serverMetrics{metrics: cfg.Metrics}
	}
	n.server = server.NewServer(srvCfg, n.storage)

	return n, nil
}

// Start binds the listener and, when the node is a replica, starts the
// replication handshake in the background. The handshake runs until it
// finishes or the node is closed; it is not bound to ctx.
func (n *Node) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.started {
		return fmt.Errorf("node already started")
	}

	if err := n.server.Start(); err != nil {
		return err
	}
	n.started = true

	n.cfg.Logger.Info("Node started",
		Field{Key: "addr", Value: n.server.Addr()},
		Field{Key: "role", Value: n.info.Role},
		Field{Key: "replid", Value: n.info.ReplID},
	)

	if !n.cfg.IsReplica() {
		return nil
	}

	port, err := listeningPort(n.server.Addr())
	if err != nil {
		return err
	}

	adapter := &loggerAdapter{logger: n.cfg.Logger}
	hs := replication.NewHandshake(n.cfg.MasterAddr(), port,
		replication.WithConnectTimeout(n.cfg.ConnectTimeout),
		replication.WithStepTimeout(n.cfg.HandshakeTimeout),
		replication.WithLogger(adapter),
	)

	syncOpts := []replication.SyncOption{replication.WithSyncLogger(adapter)}
	if n.cfg.Metrics != nil {
		syncOpts = append(syncOpts, replication.WithSyncMetrics(&replicationMetrics{metrics: n.cfg.Metrics}))
	}
	sm := replication.NewSyncManager(hs, n.storage, syncOpts...)
	n.syncMgr.Store(sm)

	return sm.Start(n.ctx)
}

// WaitForSync blocks until the replica handshake finishes. It returns
// ErrNotReplica on a primary and a *SyncError if the handshake failed.
func (n *Node) WaitForSync(ctx context.Context) error {
	if !n.cfg.IsReplica() {
		return ErrNotReplica
	}
	sm := n.syncMgr.Load()
	if sm == nil {
		return ErrNotStarted
	}

	err := sm.WaitForSync(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		err = &ConnectionError{Addr: n.cfg.MasterAddr(), Err: err}
	}
	return &SyncError{Phase: "handshake", Err: err}
}

// OnSyncComplete registers fn to run once the replica finished its initial
// sync. It is a no-op on a primary or before Start.
func (n *Node) OnSyncComplete(fn func()) {
	if sm := n.syncMgr.Load(); sm != nil {
		sm.OnSyncComplete(fn)
	}
}

// SyncStatus returns the replica synchronization status. The zero value is
// returned on a primary or before Start.
func (n *Node) SyncStatus() replication.SyncStatus {
	if sm := n.syncMgr.Load(); sm != nil {
		return sm.Status()
	}
	return replication.SyncStatus{MasterAddr: n.cfg.MasterAddr()}
}

// Close stops the handshake and the server and releases the store
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	n.cancel()

	var errs []error
	if n.started {
		if err := n.server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.storage.Close(); err != nil {
		errs = append(errs, err)
	}

	n.cfg.Logger.Info("Node closed")
	return errors.Join(errs...)
}

// Addr returns the bound listen address, or the configured one before Start
func (n *Node) Addr() string {
	return n.server.Addr()
}

// Role returns the replication role
func (n *Node) Role() replication.Role {
	return n.info.Role
}

// Info returns the replication metadata reported by INFO
func (n *Node) Info() replication.Info {
	return n.info
}

// Config returns the resolved configuration
func (n *Node) Config() Config {
	return n.cfg
}

// Storage returns the node's store
func (n *Node) Storage() storage.Storage {
	return n.storage
}

// Stats returns server counters
func (n *Node) Stats() server.Stats {
	return n.server.Stats()
}

func (n *Node) linkUp() bool {
	sm := n.syncMgr.Load()
	return sm != nil && sm.IsSynced()
}

func listeningPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("failed to parse listen address %q: %w", addr, err)
	}
	return strconv.Atoi(portStr)
}
