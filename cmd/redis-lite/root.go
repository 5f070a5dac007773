package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	redislite "github.com/raniellyferreira/redis-lite"
)

// newRootCmd builds the command tree. Each call has its own viper instance.
func newRootCmd() *cobra.Command {
	v := viper.New()
	cfg := &serveConfig{}

	rootCmd := &cobra.Command{
		Use:   "redis-lite",
		Short: "minimal Redis-compatible key-value server",
		Long: fmt.Sprintf(`redis-lite (v%s)

A minimal Redis-compatible key-value server. It runs as a primary, or as a
replica of another instance when --replicaof is given. Every flag can also be
set through the environment as REDISLITE_<FLAG> (e.g. REDISLITE_PORT=6380).`, redislite.Version),
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			loadEnv(v)
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return cfg.load(v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := rootCmd.Flags()
	flags.String("host", "127.0.0.1", "address to listen on")
	flags.Int("port", 6379, "port to listen on")
	flags.String("replicaof", "", `primary to replicate from, as "<host> <port>"`)
	flags.String("replid", "", "replication id to report (40 hex characters, random when empty)")
	flags.String("snapshot", "", "RDB file sent to replicas after FULLRESYNC (empty snapshot when unset)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "address serving Prometheus metrics on /metrics (disabled when empty)")
	flags.Duration("handshake-timeout", 5*time.Second, "timeout for each replication handshake step")
	flags.Duration("connect-timeout", 5*time.Second, "timeout for dialing the primary")
	flags.Duration("idle-timeout", 0, "close client connections idle for longer (0 disables)")

	rootCmd.AddCommand(newVersionCmd(), newInfoDiffCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of redis-lite",
		Run: func(cmd *cobra.Command, _ []string) {
			info := redislite.VersionInfo()
			line := "redis-lite v" + info["version"]
			if commit := info["commit"]; commit != "" {
				line += " (" + commit + ")"
			}
			cmd.Println(line)
		},
	}
}

// loadEnv reads .env files and enables REDISLITE_ environment variables
func loadEnv(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("redislite")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// serve runs a node until ctx is cancelled
func serve(ctx context.Context, cfg *serveConfig) error {
	logger := redislite.NewLogger("redis-lite", cfg.LogLevel)
	logger.Info("Starting redis-lite", redislite.Field{Key: "config", Value: cfg.String()})

	opts, err := cfg.options()
	if err != nil {
		return err
	}
	opts = append(opts, redislite.WithLogger(logger))

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		collector := redislite.NewVictoriaMetrics()
		opts = append(opts, redislite.WithMetrics(collector))
		metricsServer = newMetricsServer(cfg.MetricsAddr, collector)
		go func() {
			logger.Info("Metrics endpoint listening", redislite.Field{Key: "addr", Value: cfg.MetricsAddr})
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics endpoint failed", redislite.Field{Key: "error", Value: err})
			}
		}()
	}

	node, err := redislite.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		node.Close()
		return err
	}

	if node.Config().IsReplica() {
		go func() {
			if err := node.WaitForSync(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Replica sync failed, serving without primary data", redislite.Field{Key: "error", Value: err})
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return node.Close()
}

func newMetricsServer(addr string, collector *redislite.VictoriaMetrics) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		collector.WritePrometheus(w)
		redislite.WriteProcessMetrics(w)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
