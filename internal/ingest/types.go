// Package ingest defines the wire-level data types that cross the
// Gatekeeper front-end boundary (Event, FeedbackEvent, AnomalySignal),
// and the parsing/hashing/routing helpers that turn raw HTTP bodies
// into shard-routed work with zero per-event allocation in the steady
// state.
package ingest

import (
	"github.com/cespare/xxhash/v2"

	"github.com/nodewatch/gatekeeper/internal/detectors"
)

// Event is one raw ingest record: an entity identifier, a numeric
// observation, and a nanosecond timestamp. S is an optional
// producer-supplied severity hint consulted for ingest-time rate
// limiting only — detection itself never reads it.
type Event struct {
	U string   `json:"u"`
	V float64  `json:"v"`
	T uint64   `json:"t"`
	S Severity `json:"s,omitempty"`
}

// Severity returns e.S, or SeverityNone if the producer omitted the
// hint. An unrecognized value passes through unchanged: ratelimit.Limiter
// always allows a severity class it doesn't have a bucket for.
func (e Event) Severity() Severity {
	if e.S == "" {
		return SeverityNone
	}
	return e.S
}

// LabelClass classifies a FeedbackEvent's ground truth.
type LabelClass string

const (
	LabelBenignKnown LabelClass = "benign_known"
	LabelAttackKnown LabelClass = "attack_known"
	LabelNovel       LabelClass = "novel"
	LabelUncertain   LabelClass = "uncertain"
)

// ReviewSource identifies who produced a FeedbackEvent's label.
type ReviewSource string

const (
	ReviewHuman ReviewSource = "human"
	ReviewLLM   ReviewSource = "llm"
	ReviewAuto  ReviewSource = "auto"
)

// FeedbackEvent carries a labeled outcome back to the owning shard so
// ensemble weights and the behavioral fingerprint can be adjusted.
type FeedbackEvent struct {
	EntityHash         uint64           `json:"entity_hash"`
	WasTruePositive    bool             `json:"was_true_positive"`
	Confidence         float64          `json:"confidence"`
	LabelClass         LabelClass       `json:"label_class"`
	DetectorScoresAtEvent detectors.Scores `json:"detector_scores_at_event"`
	PatternID          string           `json:"pattern_id,omitempty"`
	ReviewSource       ReviewSource     `json:"review_source"`
	FeedbackLatencyMS  float64          `json:"feedback_latency_ms"`
}

// Severity mirrors ensemble.Severity as its wire-format string form.
type Severity string

const (
	SeverityNone     Severity = "None"
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Attribution names the detector(s) responsible for a signal firing.
type Attribution struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
	Reason    string `json:"reason"`
}

// AnomalySignal is the output contract emitted to Tier-2, schema_version=2.
type AnomalySignal struct {
	SchemaVersion         int              `json:"schema_version"`
	EntityHash            uint64           `json:"entity_hash"`
	Timestamp             uint64           `json:"timestamp"`
	EnsembleScore         float64          `json:"ensemble_score"`
	Severity              Severity         `json:"severity"`
	PrimaryDetectorID     uint8            `json:"primary_detector_id"`
	DetectorsFiredBitmask uint16           `json:"detectors_fired_bitmask"`
	Confidence            float64          `json:"confidence"`
	DetectorScores        detectors.Scores `json:"detector_scores"`
	PolicyVersion         string           `json:"policy_version"`
	Attribution           Attribution      `json:"attribution"`
}

// SchemaVersion is the fixed AnomalySignal schema version this build emits.
const SchemaVersion = 2

// HashEntity computes the deterministic 64-bit entity hash used for
// shard routing, registry keys, and canary/feedback routing. Every
// caller that needs an entity_hash from a raw identifier string must
// go through this function so hashes are consistent across the ingest,
// feedback, and policy-matching paths.
func HashEntity(u string) uint64 {
	return xxhash.Sum64String(u)
}

// ShardFor returns the shard index for entityHash given shardCount
// shards (must be a power of two): hash & (N-1).
func ShardFor(entityHash uint64, shardCount int) int {
	return int(entityHash & uint64(shardCount-1))
}
