package ctl

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-shard runtime statistics",
	RunE:  runStats,
}

type shardStats struct {
	ShardID            int     `json:"shard_id"`
	ActiveProfiles     int     `json:"active_profiles"`
	InboundQueueDepth  int     `json:"inbound_queue_depth"`
	FeedbackQueueDepth int     `json:"feedback_queue_depth"`
	Healthy            bool    `json:"healthy"`
	DecisionSequence   uint64  `json:"decision_sequence"`
	LatencyP50Seconds  float64 `json:"latency_p50_seconds"`
	LatencyP95Seconds  float64 `json:"latency_p95_seconds"`
	LatencyP99Seconds  float64 `json:"latency_p99_seconds"`
}

type stats struct {
	SignalSchemaVersion int          `json:"signal_schema_version"`
	PolicyVersion       string       `json:"policy_version"`
	PolicyChecksum      string       `json:"policy_checksum"`
	UptimeSeconds       float64      `json:"uptime_seconds"`
	Shards              []shardStats `json:"shards"`
}

func runStats(cmd *cobra.Command, args []string) error {
	resp, err := doGet("/stats")
	if err != nil {
		return err
	}
	var s stats
	if err := sonic.Unmarshal(resp, &s); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	fmt.Printf("policy:  %s (%s)\n", s.PolicyVersion, s.PolicyChecksum)
	fmt.Printf("uptime:  %.0fs\n\n", s.UptimeSeconds)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SHARD\tPROFILES\tQUEUE\tFEEDBACK\tHEALTHY\tP50\tP95\tP99")
	for _, sh := range s.Shards {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%t\t%.6f\t%.6f\t%.6f\n",
			sh.ShardID, sh.ActiveProfiles, sh.InboundQueueDepth, sh.FeedbackQueueDepth,
			sh.Healthy, sh.LatencyP50Seconds, sh.LatencyP95Seconds, sh.LatencyP99Seconds)
	}
	return w.Flush()
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check engine health",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := doGet("/health")
	if err != nil {
		return err
	}
	fmt.Println(string(resp))
	return nil
}
