package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/raniellyferreira/redis-lite/protocol"
)

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for replication metrics
type MetricsCollector interface {
	RecordSyncDuration(duration time.Duration)
	RecordError(errorType string)
}

// State is a step of the replica-side handshake
type State int

const (
	StateStart State = iota
	StatePingSent
	StateReplConfPort
	StateReplConfCapa
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StatePingSent:
		return "ping-sent"
	case StateReplConfPort:
		return "replconf-port"
	case StateReplConfCapa:
		return "replconf-capa"
	case StateSynced:
		return "synced"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// UnexpectedReplyError describes a handshake reply that did not match the
// expected acknowledgement. It is logged, not returned: the handshake
// continues past it.
type UnexpectedReplyError struct {
	Step State
	Want string
	Got  string
}

func (e *UnexpectedReplyError) Error() string {
	return fmt.Sprintf("handshake %s: expected %q, got %q", e.Step, e.Want, e.Got)
}

// SyncResult is what a completed handshake received from the primary
type SyncResult struct {
	ReplID   string
	Offset   int64
	Snapshot []byte
}

// Handshake runs the replica side of the full-resync handshake against a
// primary
type Handshake struct {
	masterAddr    string
	listeningPort int

	connectTimeout time.Duration
	stepTimeout    time.Duration
	logger         Logger

	mu    sync.RWMutex
	state State
}

// HandshakeOption configures a Handshake
type HandshakeOption func(*Handshake)

// WithConnectTimeout bounds the dial to the primary
func WithConnectTimeout(timeout time.Duration) HandshakeOption {
	return func(h *Handshake) {
		if timeout > 0 {
			h.connectTimeout = timeout
		}
	}
}

// WithStepTimeout bounds each request/reply exchange, including the snapshot
// transfer
func WithStepTimeout(timeout time.Duration) HandshakeOption {
	return func(h *Handshake) {
		if timeout > 0 {
			h.stepTimeout = timeout
		}
	}
}

// WithLogger sets the handshake logger
func WithLogger(logger Logger) HandshakeOption {
	return func(h *Handshake) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandshake creates a handshake against masterAddr announcing
// listeningPort to the primary
func NewHandshake(masterAddr string, listeningPort int, opts ...HandshakeOption) *Handshake {
	h := &Handshake{
		masterAddr:     masterAddr,
		listeningPort:  listeningPort,
		connectTimeout: 5 * time.Second,
		stepTimeout:    5 * time.Second,
		logger:         nopLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// MasterAddr returns the primary address
func (h *Handshake) MasterAddr() string {
	return h.masterAddr
}

// State returns the current handshake state
func (h *Handshake) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Handshake) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	h.logger.Debug("Handshake state", "state", s)
}

// step is one acknowledged exchange of the handshake
type step struct {
	next State
	args []string
	want string
}

// Run connects to the primary and performs the handshake. It returns once the
// snapshot has been read in full. Errors are only returned for dial and I/O
// failures; unexpected replies are logged and skipped over.
func (h *Handshake) Run(ctx context.Context) (*SyncResult, error) {
	h.setState(StateStart)
	h.logger.Debug("Connecting to master", "addr", h.masterAddr)

	dialer := &net.Dialer{Timeout: h.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", h.masterAddr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	// Unblock pending reads if the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	reader := protocol.NewReader(conn)
	writer := protocol.NewWriter(conn)

	steps := []step{
		{next: StatePingSent, args: []string{"PING"}, want: "PONG"},
		{next: StateReplConfPort, args: []string{"REPLCONF", "listening-port", strconv.Itoa(h.listeningPort)}, want: "OK"},
		{next: StateReplConfCapa, args: []string{"REPLCONF", "capa", "psync2"}, want: "OK"},
	}

	for _, s := range steps {
		reply, err := h.exchange(conn, reader, writer, s.args)
		if err != nil {
			return nil, h.ioError(ctx, s.next, err)
		}
		if !reply.IsSimple(s.want) {
			h.unexpected(&UnexpectedReplyError{Step: s.next, Want: s.want, Got: reply.String()})
		}
		h.setState(s.next)
	}

	reply, err := h.exchange(conn, reader, writer, []string{"PSYNC", "?", "-1"})
	if err != nil {
		return nil, h.ioError(ctx, StateSynced, err)
	}

	result := &SyncResult{}
	if reply.Type != protocol.TypeSimpleString {
		h.unexpected(&UnexpectedReplyError{Step: StateSynced, Want: "FULLRESYNC", Got: reply.String()})
	} else if id, offset, err := ParseFullResync(reply.String()); err != nil {
		h.unexpected(&UnexpectedReplyError{Step: StateSynced, Want: "FULLRESYNC", Got: reply.String()})
	} else {
		result.ReplID = id
		result.Offset = offset
	}

	if err := h.deadline(conn); err != nil {
		return nil, err
	}
	snapshot, err := reader.ReadSnapshot()
	if err != nil {
		return nil, h.ioError(ctx, StateSynced, fmt.Errorf("failed to read snapshot: %w", err))
	}
	result.Snapshot = snapshot

	h.setState(StateSynced)
	h.logger.Info("Received snapshot from master",
		"replid", result.ReplID, "offset", result.Offset, "bytes", len(snapshot))

	return result, nil
}

// exchange sends one command and reads one reply under the step deadline
func (h *Handshake) exchange(conn net.Conn, r *protocol.Reader, w *protocol.Writer, args []string) (protocol.Value, error) {
	if err := h.deadline(conn); err != nil {
		return protocol.Value{}, err
	}
	if err := w.WriteCommand(args[0], args[1:]...); err != nil {
		return protocol.Value{}, err
	}
	if err := w.Flush(); err != nil {
		return protocol.Value{}, err
	}

	reply, err := r.ReadNext()
	if errors.Is(err, io.EOF) {
		return protocol.Value{}, fmt.Errorf("connection closed by master: %w", io.ErrUnexpectedEOF)
	}
	return reply, err
}

func (h *Handshake) deadline(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(h.stepTimeout)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	return nil
}

func (h *Handshake) ioError(ctx context.Context, s State, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("handshake %s: %w", s, err)
}

func (h *Handshake) unexpected(err *UnexpectedReplyError) {
	h.logger.Error("Unexpected handshake reply, continuing", "step", err.Step, "want", err.Want, "got", err.Got)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
