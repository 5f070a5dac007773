package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/redis-lite/storage"
)

// ErrAlreadyStarted is returned by a second call to SyncManager.Start
var ErrAlreadyStarted = errors.New("replication: sync already started")

// SyncManager runs the handshake once in the background and loads the
// received snapshot into the replica store
type SyncManager struct {
	handshake *Handshake
	storage   storage.Storage
	logger    Logger
	metrics   MetricsCollector

	started atomic.Bool
	done    chan struct{}

	mu            sync.RWMutex
	status        SyncStatus
	err           error
	failed        bool
	syncCallbacks []func()
}

// SyncStatus represents the current synchronization status
type SyncStatus struct {
	InitialSyncCompleted bool
	State                State
	MasterAddr           string
	MasterReplID         string
	ReplicationOffset    int64
	SnapshotBytes        int
	KeysLoaded           int
	LastSyncTime         time.Time
	LastError            error
}

// SyncOption configures a SyncManager
type SyncOption func(*SyncManager)

// WithSyncLogger sets the sync manager logger
func WithSyncLogger(logger Logger) SyncOption {
	return func(sm *SyncManager) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// WithSyncMetrics sets the metrics collector
func WithSyncMetrics(metrics MetricsCollector) SyncOption {
	return func(sm *SyncManager) {
		sm.metrics = metrics
	}
}

// NewSyncManager creates a new synchronization manager
func NewSyncManager(hs *Handshake, stor storage.Storage, opts ...SyncOption) *SyncManager {
	sm := &SyncManager{
		handshake: hs,
		storage:   stor,
		logger:    nopLogger{},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sm)
	}
	sm.status.MasterAddr = hs.MasterAddr()
	return sm
}

// Start begins synchronization in the background. The handshake runs once;
// it is not retried if it fails.
func (sm *SyncManager) Start(ctx context.Context) error {
	if !sm.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go sm.run(ctx)
	return nil
}

func (sm *SyncManager) run(ctx context.Context) {
	defer close(sm.done)

	sm.logger.Info("Starting replication handshake", "master", sm.handshake.MasterAddr())
	startTime := time.Now()

	result, err := sm.handshake.Run(ctx)
	if err != nil {
		sm.logger.Error("Replication handshake failed", "master", sm.handshake.MasterAddr(), "error", err)
		sm.recordError("handshake")
		sm.mu.Lock()
		sm.err = err
		sm.failed = true
		sm.status.LastError = err
		sm.status.State = sm.handshake.State()
		sm.syncCallbacks = nil
		sm.mu.Unlock()
		return
	}

	loaded, err := LoadSnapshot(result.Snapshot, sm.storage, sm.logger)
	if err != nil {
		// Keys loaded before the failure are kept
		sm.logger.Error("Snapshot load failed (non-fatal)", "error", err, "loaded", loaded)
		sm.recordError("snapshot")
	}

	syncDuration := time.Since(startTime)
	if sm.metrics != nil {
		sm.metrics.RecordSyncDuration(syncDuration)
	}

	sm.mu.Lock()
	sm.status.InitialSyncCompleted = true
	sm.status.State = StateSynced
	sm.status.MasterReplID = result.ReplID
	sm.status.ReplicationOffset = result.Offset
	sm.status.SnapshotBytes = len(result.Snapshot)
	sm.status.KeysLoaded = loaded
	sm.status.LastSyncTime = time.Now()
	sm.status.LastError = err
	callbacks := make([]func(), len(sm.syncCallbacks))
	copy(callbacks, sm.syncCallbacks)
	sm.syncCallbacks = nil
	sm.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}

	sm.logger.Info("Initial synchronization completed", "duration", syncDuration, "keys", loaded)
}

// WaitForSync blocks until the handshake finishes. It returns the handshake
// error if synchronization failed.
func (sm *SyncManager) WaitForSync(ctx context.Context) error {
	if !sm.started.Load() {
		return fmt.Errorf("replication: sync not started")
	}

	select {
	case <-sm.done:
		sm.mu.RLock()
		defer sm.mu.RUnlock()
		return sm.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnSyncComplete registers a callback for when initial sync completes.
// Callbacks only run on success; they are dropped if the handshake fails.
func (sm *SyncManager) OnSyncComplete(fn func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.failed {
		return
	}

	if sm.status.InitialSyncCompleted {
		// Already synced, call immediately
		go fn()
		return
	}

	sm.syncCallbacks = append(sm.syncCallbacks, fn)
}

// Status returns the current synchronization status
func (sm *SyncManager) Status() SyncStatus {
	sm.mu.RLock()
	status := sm.status
	sm.mu.RUnlock()

	if !status.InitialSyncCompleted && status.LastError == nil {
		status.State = sm.handshake.State()
	}
	return status
}

// IsSynced reports whether the initial sync completed
func (sm *SyncManager) IsSynced() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.status.InitialSyncCompleted
}

// Storage returns the underlying storage
func (sm *SyncManager) Storage() storage.Storage {
	return sm.storage
}

func (sm *SyncManager) recordError(errorType string) {
	if sm.metrics != nil {
		sm.metrics.RecordError(errorType)
	}
}
