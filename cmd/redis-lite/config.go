package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	redislite "github.com/raniellyferreira/redis-lite"
)

// serveConfig is the startup configuration resolved from flags, environment
// and .env files
type serveConfig struct {
	Host             string
	Port             int
	MasterHost       string
	MasterPort       int
	ReplID           string
	SnapshotPath     string
	LogLevel         redislite.LogLevel
	MetricsAddr      string
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration
	IdleTimeout      time.Duration
}

// load reads the bound flags and environment variables from v
func (c *serveConfig) load(v *viper.Viper) error {
	c.Host = v.GetString("host")
	c.Port = v.GetInt("port")
	c.ReplID = v.GetString("replid")
	c.SnapshotPath = v.GetString("snapshot")
	c.MetricsAddr = v.GetString("metrics-addr")
	c.HandshakeTimeout = v.GetDuration("handshake-timeout")
	c.ConnectTimeout = v.GetDuration("connect-timeout")
	c.IdleTimeout = v.GetDuration("idle-timeout")

	level, err := redislite.ParseLogLevel(v.GetString("log-level"))
	if err != nil {
		return err
	}
	c.LogLevel = level

	host, port, err := parseReplicaOf(v.GetString("replicaof"))
	if err != nil {
		return err
	}
	c.MasterHost, c.MasterPort = host, port
	return nil
}

// options converts the configuration to node options
func (c *serveConfig) options() ([]redislite.Option, error) {
	opts := []redislite.Option{
		redislite.WithAddr(net.JoinHostPort(c.Host, strconv.Itoa(c.Port))),
		redislite.WithHandshakeTimeout(c.HandshakeTimeout),
		redislite.WithConnectTimeout(c.ConnectTimeout),
		redislite.WithIdleTimeout(c.IdleTimeout),
	}
	if c.MasterHost != "" {
		opts = append(opts, redislite.WithReplicaOf(c.MasterHost, c.MasterPort))
	}
	if c.ReplID != "" {
		opts = append(opts, redislite.WithReplicationID(c.ReplID))
	}
	if c.SnapshotPath != "" {
		snapshot, err := os.ReadFile(c.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot: %w", err)
		}
		opts = append(opts, redislite.WithSnapshot(snapshot))
	}
	return opts, nil
}

// String returns a readable summary of the configuration
func (c *serveConfig) String() string {
	role := "primary"
	if c.MasterHost != "" {
		role = "replica of " + net.JoinHostPort(c.MasterHost, strconv.Itoa(c.MasterPort))
	}
	return fmt.Sprintf("listen=%s role=%s log-level=%s",
		net.JoinHostPort(c.Host, strconv.Itoa(c.Port)), role, c.LogLevel)
}

// parseReplicaOf splits a "<host> <port>" value. An empty value means the
// node is a primary and returns an empty host.
func parseReplicaOf(value string) (string, int, error) {
	fields := strings.Fields(value)
	switch len(fields) {
	case 0:
		return "", 0, nil
	case 2:
	default:
		return "", 0, fmt.Errorf("invalid --replicaof %q (expected \"<host> <port>\")", value)
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid --replicaof port %q", fields[1])
	}
	return fields[0], port, nil
}
