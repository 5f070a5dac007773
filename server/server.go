package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/raniellyferreira/redis-lite/lua"
	"github.com/raniellyferreira/redis-lite/protocol"
	"github.com/raniellyferreira/redis-lite/replication"
	"github.com/raniellyferreira/redis-lite/storage"
)

// Logger interface for server logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for server metrics
type MetricsCollector interface {
	RecordCommand(cmd string, duration time.Duration)
	RecordConnection(open bool)
	RecordError(errorType string)
}

// Config is the immutable server configuration
type Config struct {
	// Addr is the listen address, host:port
	Addr string

	// Replication is the process-wide replication metadata reported by INFO
	// and PSYNC
	Replication replication.Info

	// Snapshot is sent to replicas after FULLRESYNC. Nil sends the empty
	// placeholder snapshot.
	Snapshot []byte

	// LinkUp reports the replica link status for INFO. Optional.
	LinkUp func() bool

	// IdleTimeout closes connections idle for longer. Zero disables it.
	IdleTimeout time.Duration

	Logger  Logger
	Metrics MetricsCollector
}

// Server provides Redis protocol server functionality
type Server struct {
	cfg     Config
	storage storage.Storage
	lua     *lua.Engine

	listener net.Listener
	clients  *xsync.MapOf[uint64, *Client]
	nextID   atomic.Uint64

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	// Counters
	connCount    atomic.Int64
	commandCount atomic.Int64
	errorCount   atomic.Int64
}

// Stats holds server counters
type Stats struct {
	ConnectedClients int
	TotalConnections int64
	TotalCommands    int64
	TotalErrors      int64
}

// NewServer creates a new server sharing stor between all connections
func NewServer(cfg Config, stor storage.Storage) *Server {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.Snapshot == nil {
		cfg.Snapshot = replication.EmptySnapshot()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		storage: stor,
		lua:     lua.NewEngine(stor),
		clients: xsync.NewMapOf[uint64, *Client](),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listener and starts accepting connections
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.cfg.Logger.Info("Server listening", "addr", ln.Addr().String(), "role", s.cfg.Replication.Role)

	s.wg.Add(1)
	go s.acceptConnections(ln)

	return nil
}

// Stop closes the listener and every client connection and waits for their
// goroutines to exit
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}

	s.clients.Range(func(_ uint64, client *Client) bool {
		client.Close()
		return true
	})

	s.wg.Wait()
	s.cfg.Logger.Info("Server stopped")
	return err
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stats returns server statistics
func (s *Server) Stats() Stats {
	return Stats{
		ConnectedClients: s.clients.Size(),
		TotalConnections: s.connCount.Load(),
		TotalCommands:    s.commandCount.Load(),
		TotalErrors:      s.errorCount.Load(),
	}
}

// acceptConnections accepts new client connections until the listener closes
func (s *Server) acceptConnections(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.cfg.Logger.Error("Accept failed", "error", err)
			s.recordError("accept")
			// Back off briefly on transient errors such as EMFILE
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.handleNewClient(conn)
	}
}

// handleNewClient registers a connection and starts its goroutine
func (s *Server) handleNewClient(conn net.Conn) {
	s.connCount.Add(1)

	client := &Client{
		id:     s.nextID.Add(1),
		conn:   conn,
		reader: protocol.NewReader(conn),
		writer: protocol.NewWriter(conn),
		server: s,
	}
	s.clients.Store(client.id, client)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordConnection(true)
	}
	s.cfg.Logger.Debug("Client connected", "id", client.id, "remote", conn.RemoteAddr().String())

	s.wg.Add(1)
	go client.handle()

	// Stop may have swept the registry before this client was stored
	if s.ctx.Err() != nil {
		client.Close()
	}
}

func (s *Server) recordError(errorType string) {
	s.errorCount.Add(1)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordError(errorType)
	}
}

// Client represents one connection. Its state is owned by its goroutine.
type Client struct {
	id     uint64
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	server *Server

	// Filled in by REPLCONF when the peer is a replica
	peer replication.PeerState

	closeOnce sync.Once
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.server.clients.Delete(c.id)
		if c.server.cfg.Metrics != nil {
			c.server.cfg.Metrics.RecordConnection(false)
		}
	})
}

// handle serves requests until the peer disconnects or sends invalid input
func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	log := c.server.cfg.Logger

	for {
		if timeout := c.server.cfg.IdleTimeout; timeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(timeout))
		}

		value, err := c.reader.ReadNext()
		if err != nil {
			var protoErr *protocol.ProtocolError
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("Client disconnected", "id", c.id)
			case c.server.ctx.Err() != nil:
				// Server shutting down
			case errors.As(err, &protoErr):
				log.Info("Closing connection on protocol error", "id", c.id, "error", err)
				c.server.recordError("protocol")
			default:
				log.Debug("Connection error", "id", c.id, "error", err)
				c.server.recordError("connection")
			}
			return
		}

		if err := c.dispatch(value); err != nil {
			log.Debug("Write failed", "id", c.id, "error", err)
			c.server.recordError("connection")
			return
		}

		// Pipelined requests are answered in one flush
		if c.reader.Buffered() == 0 {
			if err := c.writer.Flush(); err != nil {
				log.Debug("Flush failed", "id", c.id, "error", err)
				c.server.recordError("connection")
				return
			}
		}
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
