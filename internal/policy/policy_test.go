package policy

import (
	"encoding/json"
	"testing"

	"github.com/nodewatch/gatekeeper/internal/detectors"
)

func encodeSnapshot(t *testing.T, s Snapshot) []byte {
	t.Helper()
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return b
}

func TestDecodeRejectsMissingVersion(t *testing.T) {
	_, err := Decode([]byte(`{"rules": []}`))
	if err == nil {
		t.Error("expected error decoding a snapshot with no version")
	}
}

func TestDecodeRejectsBadCanaryPercent(t *testing.T) {
	s := Snapshot{Version: "v1", CanaryPercent: 1.5}
	_, err := Decode(encodeSnapshot(t, s))
	if err == nil {
		t.Error("expected error decoding canary_percent outside [0,1]")
	}
}

func TestStorePublishAndCurrent(t *testing.T) {
	st := NewStore()
	if st.Current() != nil {
		t.Fatal("expected nil current before any publish")
	}
	s, err := Decode(encodeSnapshot(t, Snapshot{Version: "v1"}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	st.Publish(s)
	if st.Current().Version != "v1" {
		t.Errorf("current version = %q, want v1", st.Current().Version)
	}
}

func TestStoreRollback(t *testing.T) {
	st := NewStore()
	v1, _ := Decode(encodeSnapshot(t, Snapshot{Version: "v1"}))
	v2, _ := Decode(encodeSnapshot(t, Snapshot{Version: "v2"}))
	st.Publish(v1)
	st.Publish(v2)

	if err := st.Rollback("v1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if st.Current().Version != "v1" {
		t.Errorf("current after rollback = %q, want v1", st.Current().Version)
	}

	if err := st.Rollback("v999"); err == nil {
		t.Error("expected error rolling back to an unpublished version")
	}
}

func TestApplyNilSnapshotIsNoOp(t *testing.T) {
	out := Apply(nil, 42, detectors.IDBurst, 0.9, 1000)
	if out.Suppress {
		t.Error("expected no suppression with nil snapshot")
	}
	if out.ScoreScale != 1.0 || out.ConfidenceScale != 1.0 {
		t.Errorf("expected identity scales with nil snapshot, got %v/%v", out.ScoreScale, out.ConfidenceScale)
	}
}

func TestApplySuppressMatchesByEntityHash(t *testing.T) {
	s, err := Decode(encodeSnapshot(t, Snapshot{
		Version:   "v1",
		CreatedAt: 1000,
		Rules: []Rule{
			{PatternID: "p1", Action: ActionSuppress, EntityHashes: []uint64{42}, MinConfidence: 0, TTLSec: 3600},
		},
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := Apply(s, 42, detectors.IDBurst, 0.9, 1_000_000_000)
	if !out.Suppress {
		t.Error("expected suppress=true for matching entity hash rule")
	}
	if out.PatternID != "p1" {
		t.Errorf("pattern id = %q, want p1", out.PatternID)
	}

	outOther := Apply(s, 99, detectors.IDBurst, 0.9, 1_000_000_000)
	if outOther.Suppress {
		t.Error("expected suppress=false for a non-matching entity hash")
	}
}

func TestApplyBoostScalesScoreAndConfidence(t *testing.T) {
	s, err := Decode(encodeSnapshot(t, Snapshot{
		Version:   "v1",
		CreatedAt: 0,
		Rules: []Rule{
			{PatternID: "boost1", Action: ActionBoost, Wildcard: true, MinConfidence: 0,
				ScoreScale: 0.5, ConfidenceScale: 0.8, TTLSec: 0},
		},
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := Apply(s, 7, detectors.IDSpectral, 0.9, 500)
	if out.Suppress {
		t.Error("boost rule should not suppress")
	}
	if out.ScoreScale != 0.5 || out.ConfidenceScale != 0.8 {
		t.Errorf("boost scales = %v/%v, want 0.5/0.8", out.ScoreScale, out.ConfidenceScale)
	}
}

func TestApplyBoostWithOmittedScalesDefaultsToOne(t *testing.T) {
	s, err := Decode(encodeSnapshot(t, Snapshot{
		Version:   "v1",
		CreatedAt: 0,
		Rules: []Rule{
			{PatternID: "boost1", Action: ActionBoost, Wildcard: true, MinConfidence: 0},
		},
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := Apply(s, 7, detectors.IDSpectral, 0.9, 500)
	if out.Suppress {
		t.Error("boost rule should not suppress")
	}
	if out.ScoreScale != 1.0 || out.ConfidenceScale != 1.0 {
		t.Errorf("boost scales = %v/%v, want 1.0/1.0 (omitted score_scale/confidence_scale must not zero the score)",
			out.ScoreScale, out.ConfidenceScale)
	}
}

func TestApplySuppressTakesPriorityOverBoost(t *testing.T) {
	s, err := Decode(encodeSnapshot(t, Snapshot{
		Version:   "v1",
		CreatedAt: 0,
		Rules: []Rule{
			{PatternID: "boost1", Action: ActionBoost, Wildcard: true, MinConfidence: 0, ScoreScale: 0.5, ConfidenceScale: 0.5},
			{PatternID: "suppress1", Action: ActionSuppress, Wildcard: true, MinConfidence: 0},
		},
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := Apply(s, 7, detectors.IDSpectral, 0.9, 500)
	if !out.Suppress {
		t.Error("expected suppress to win over boost per priority order")
	}
}

func TestApplyExpiredRuleIsIgnored(t *testing.T) {
	s, err := Decode(encodeSnapshot(t, Snapshot{
		Version:   "v1",
		CreatedAt: 0,
		Rules: []Rule{
			{PatternID: "p1", Action: ActionSuppress, Wildcard: true, MinConfidence: 0, TTLSec: 1},
		},
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 2 seconds after CreatedAt, past the 1-second TTL.
	out := Apply(s, 7, detectors.IDSpectral, 0.9, 2_000_000_000)
	if out.Suppress {
		t.Error("expected expired suppress rule to be skipped")
	}
}

func TestApplyFiltersByMinConfidence(t *testing.T) {
	s, err := Decode(encodeSnapshot(t, Snapshot{
		Version:   "v1",
		CreatedAt: 0,
		Rules: []Rule{
			{PatternID: "p1", Action: ActionSuppress, Wildcard: true, MinConfidence: 0.95},
		},
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := Apply(s, 7, detectors.IDSpectral, 0.5, 0)
	if out.Suppress {
		t.Error("expected rule with unmet min_confidence to be filtered out")
	}
}

func TestAdjustPriorCollectsDeltas(t *testing.T) {
	s, err := Decode(encodeSnapshot(t, Snapshot{
		Version:   "v1",
		CreatedAt: 0,
		Rules: []Rule{
			{PatternID: "p1", Action: ActionAdjustPrior, Wildcard: true, MinConfidence: 0,
				DetectorPriors: []DetectorPrior{{DetectorID: detectors.IDBurst, AlphaDelta: 0.5, BetaDelta: 0}}},
		},
	}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := Apply(s, 7, detectors.IDSpectral, 0.9, 0)
	if len(out.Priors) != 1 || out.Priors[0].DetectorID != detectors.IDBurst {
		t.Errorf("expected one alpha-delta prior for burst detector, got %+v", out.Priors)
	}
}

func TestInCanaryRespectsPercent(t *testing.T) {
	s, _ := Decode(encodeSnapshot(t, Snapshot{Version: "v1", CanaryPercent: 0.1}))
	inCount := 0
	for h := uint64(0); h < 1000; h++ {
		if s.InCanary(h) {
			inCount++
		}
	}
	// hash mod 100 < 10 holds for exactly 10% of consecutive integers.
	if inCount != 100 {
		t.Errorf("expected exactly 100/1000 entities in canary at 10%%, got %d", inCount)
	}
}

func TestInCanaryFullRolloutAlwaysTrue(t *testing.T) {
	s, _ := Decode(encodeSnapshot(t, Snapshot{Version: "v1", CanaryPercent: 1.0}))
	if !s.InCanary(12345) {
		t.Error("expected canary_percent=1.0 to always route to this snapshot")
	}
}

func TestChecksumStableAcrossCalls(t *testing.T) {
	s, _ := Decode(encodeSnapshot(t, Snapshot{Version: "v1", Rules: []Rule{
		{PatternID: "p1", Action: ActionBoost, Wildcard: true},
	}}))
	if s.Checksum() != s.Checksum() {
		t.Error("expected checksum to be stable across repeated calls")
	}
}
