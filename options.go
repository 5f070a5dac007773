package redislite

import (
	"net"
	"strconv"
	"time"

	"github.com/raniellyferreira/redis-lite/replication"
)

// Config is the resolved node configuration. It is built once by New from
// the supplied options and never changes afterwards.
type Config struct {
	// Addr is the listen address, host:port
	Addr string

	// MasterHost and MasterPort are set when the node is a replica
	MasterHost string
	MasterPort int

	// ReplID is the replication id reported by INFO and PSYNC. Generated
	// when empty.
	ReplID string

	// Snapshot is sent to replicas after FULLRESYNC. Nil sends the empty
	// placeholder snapshot.
	Snapshot []byte

	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	ShardCount       int

	// IdleTimeout closes client connections silent for longer. Zero
	// disables it.
	IdleTimeout time.Duration

	Logger  Logger
	Metrics MetricsCollector
}

// IsReplica reports whether a primary was configured
func (c Config) IsReplica() bool {
	return c.MasterHost != ""
}

// MasterAddr returns the primary address as host:port
func (c Config) MasterAddr() string {
	if !c.IsReplica() {
		return ""
	}
	return net.JoinHostPort(c.MasterHost, strconv.Itoa(c.MasterPort))
}

// defaultConfig returns a configuration with sensible defaults
func defaultConfig() *Config {
	return &Config{
		Addr:             "127.0.0.1:6379",
		HandshakeTimeout: 5 * time.Second,
		ConnectTimeout:   5 * time.Second,
		ShardCount:       16,
		Logger:           NopLogger{},
	}
}

// Option represents a configuration option for a Node
type Option func(*Config) error

// WithAddr sets the listen address
//
// Example:
//
//	WithAddr("127.0.0.1:6380")
//	WithAddr(":0")
func WithAddr(addr string) Option {
	return func(c *Config) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return invalidConfig("listen address %q: %v", addr, err)
		}
		c.Addr = addr
		return nil
	}
}

// WithPort replaces the port of the listen address, keeping its host
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 0 || port > 65535 {
			return invalidConfig("port %d out of range", port)
		}
		host, _, err := net.SplitHostPort(c.Addr)
		if err != nil {
			return invalidConfig("listen address %q: %v", c.Addr, err)
		}
		c.Addr = net.JoinHostPort(host, strconv.Itoa(port))
		return nil
	}
}

// WithReplicaOf makes the node a replica of the primary at host:port
//
// Example:
//
//	WithReplicaOf("localhost", 6379)
func WithReplicaOf(host string, port int) Option {
	return func(c *Config) error {
		if host == "" {
			return invalidConfig("replicaof host is empty")
		}
		if port <= 0 || port > 65535 {
			return invalidConfig("replicaof port %d out of range", port)
		}
		c.MasterHost = host
		c.MasterPort = port
		return nil
	}
}

// WithReplicationID fixes the replication id instead of generating one. The
// id must be 40 lowercase hex characters.
func WithReplicationID(id string) Option {
	return func(c *Config) error {
		if !replication.ValidReplID(id) {
			return invalidConfig("replication id %q must be 40 lowercase hex characters", id)
		}
		c.ReplID = id
		return nil
	}
}

// WithSnapshot sets the snapshot sent to replicas after FULLRESYNC
func WithSnapshot(snapshot []byte) Option {
	return func(c *Config) error {
		c.Snapshot = append([]byte(nil), snapshot...)
		return nil
	}
}

// WithLogger sets a custom logger
//
// Example:
//
//	WithLogger(redislite.NewLogger("redis-lite", redislite.LevelDebug))
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return invalidConfig("logger is nil")
		}
		c.Logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection
//
// Example:
//
//	WithMetrics(redislite.NewVictoriaMetrics())
func WithMetrics(collector MetricsCollector) Option {
	return func(c *Config) error {
		c.Metrics = collector
		return nil
	}
}

// WithHandshakeTimeout bounds the wait for each handshake reply and for the
// snapshot
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return invalidConfig("handshake timeout must be positive")
		}
		c.HandshakeTimeout = timeout
		return nil
	}
}

// WithConnectTimeout sets the dial timeout for the primary connection
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return invalidConfig("connect timeout must be positive")
		}
		c.ConnectTimeout = timeout
		return nil
	}
}

// WithIdleTimeout closes client connections that send nothing for timeout.
// Zero keeps idle connections open.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout < 0 {
			return invalidConfig("idle timeout must not be negative")
		}
		c.IdleTimeout = timeout
		return nil
	}
}

// WithShardCount sets the number of lock stripes in the store
func WithShardCount(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return invalidConfig("shard count must be positive")
		}
		c.ShardCount = n
		return nil
	}
}
