package gatekeeper

import (
	"time"

	"github.com/nodewatch/gatekeeper/internal/ingest"
)

// ShardStats reports one shard's runtime state for GET /stats.
type ShardStats struct {
	ShardID            int     `json:"shard_id"`
	ActiveProfiles     int     `json:"active_profiles"`
	InboundQueueDepth  int     `json:"inbound_queue_depth"`
	FeedbackQueueDepth int     `json:"feedback_queue_depth"`
	Healthy            bool    `json:"healthy"`
	DecisionSequence   uint64  `json:"decision_sequence"`
	DecisionChainHead  string  `json:"decision_chain_head"`
	LatencyP50Seconds  float64 `json:"latency_p50_seconds"`
	LatencyP95Seconds  float64 `json:"latency_p95_seconds"`
	LatencyP99Seconds  float64 `json:"latency_p99_seconds"`
}

// Stats is the full GET /stats payload: schema version, policy state,
// per-shard detail, and process uptime.
type Stats struct {
	SignalSchemaVersion int          `json:"signal_schema_version"`
	PolicyVersion       string       `json:"policy_version"`
	PolicyChecksum      string       `json:"policy_checksum"`
	UptimeSeconds       float64      `json:"uptime_seconds"`
	Shards              []ShardStats `json:"shards"`
}

func (e *Engine) stats() Stats {
	s := Stats{
		SignalSchemaVersion: ingest.SchemaVersion,
		UptimeSeconds:       time.Since(e.startedAt).Seconds(),
	}
	if snap := e.policy.Current(); snap != nil {
		s.PolicyVersion = snap.Version
		s.PolicyChecksum = snap.Checksum()
	}

	s.Shards = make([]ShardStats, len(e.shards))
	for i, w := range e.shards {
		p50, p95, p99 := w.LatencyQuantiles()
		s.Shards[i] = ShardStats{
			ShardID:            i,
			ActiveProfiles:     w.Registry().Len(),
			InboundQueueDepth:  e.router.QueueDepth(i),
			FeedbackQueueDepth: e.router.FeedbackQueueDepth(i),
			Healthy:            w.Healthy(),
			DecisionSequence:   w.DecisionChain().Sequence(),
			DecisionChainHead:  w.DecisionChain().Head(),
			LatencyP50Seconds:  p50,
			LatencyP95Seconds:  p95,
			LatencyP99Seconds:  p99,
		}
	}
	return s
}
