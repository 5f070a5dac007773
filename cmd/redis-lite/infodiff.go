package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// replicationInfo holds the key:value lines of an INFO replication reply
type replicationInfo map[string]string

func newInfoDiffCmd() *cobra.Command {
	var primaryAddr, replicaAddr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "info-diff",
		Short: "Check that a replica reports the given primary",
		Long: `Fetch INFO replication from a primary and a replica and check that the
replica points at the primary with its link up.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			primary, err := fetchReplicationInfo(ctx, primaryAddr)
			if err != nil {
				return fmt.Errorf("primary %s: %w", primaryAddr, err)
			}
			replica, err := fetchReplicationInfo(ctx, replicaAddr)
			if err != nil {
				return fmt.Errorf("replica %s: %w", replicaAddr, err)
			}

			problems := compareReplicationInfo(primaryAddr, primary, replica)
			printReport(cmd.OutOrStdout(), primary, replica, problems)
			if len(problems) > 0 {
				return fmt.Errorf("%d problems found", len(problems))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&primaryAddr, "primary", "127.0.0.1:6379", "primary endpoint (host:port)")
	cmd.Flags().StringVar(&replicaAddr, "replica", "127.0.0.1:6380", "replica endpoint (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "overall timeout")
	return cmd
}

func fetchReplicationInfo(ctx context.Context, addr string) (replicationInfo, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Protocol:        2,
		DisableIdentity: true,
		MaxRetries:      -1,
	})
	defer client.Close()

	raw, err := client.Info(ctx, "replication").Result()
	if err != nil {
		return nil, err
	}
	return parseReplicationInfo(raw), nil
}

// parseReplicationInfo reads key:value lines, skipping blanks and # headers
func parseReplicationInfo(raw string) replicationInfo {
	info := make(replicationInfo)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		info[key] = value
	}
	return info
}

func compareReplicationInfo(primaryAddr string, primary, replica replicationInfo) []string {
	var problems []string

	if role := primary["role"]; role != "master" {
		problems = append(problems, fmt.Sprintf("primary role is %q, want master", role))
	}
	if role := replica["role"]; role != "slave" {
		problems = append(problems, fmt.Sprintf("replica role is %q, want slave", role))
	}
	if status := replica["master_link_status"]; status != "up" {
		problems = append(problems, fmt.Sprintf("replica link status is %q, want up", status))
	}

	if _, port, err := net.SplitHostPort(primaryAddr); err == nil && replica["master_port"] != port {
		problems = append(problems, fmt.Sprintf("replica master_port is %q, want %s", replica["master_port"], port))
	}
	return problems
}

func printReport(w io.Writer, primary, replica replicationInfo, problems []string) {
	fmt.Fprintf(w, "primary: role=%s replid=%s offset=%s\n",
		primary["role"], primary["master_replid"], primary["master_repl_offset"])
	fmt.Fprintf(w, "replica: role=%s master=%s:%s link=%s\n",
		replica["role"], replica["master_host"], replica["master_port"], replica["master_link_status"])

	if len(problems) == 0 {
		fmt.Fprintln(w, "OK: replica matches primary")
		return
	}
	for _, p := range problems {
		fmt.Fprintln(w, "FAIL: "+p)
	}
}
