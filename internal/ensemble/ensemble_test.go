package ensemble

import (
	"testing"

	"github.com/nodewatch/gatekeeper/internal/detectors"
)

func TestCombineScoreAndConfidenceInUnitInterval(t *testing.T) {
	st := NewState(0.95)
	var scores detectors.Scores
	for i := range scores {
		scores[i] = float64(i) / float64(detectors.Count)
	}
	res := Combine(scores, st, 0.30, 0.15)
	if res.EnsembleScore < 0 || res.EnsembleScore > 1 {
		t.Errorf("ensemble score out of [0,1]: %v", res.EnsembleScore)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		t.Errorf("confidence out of [0,1]: %v", res.Confidence)
	}
}

func TestCombineAllZeroScoresGivesZeroEnsemble(t *testing.T) {
	st := NewState(0.95)
	var scores detectors.Scores
	res := Combine(scores, st, 0.30, 0.15)
	if res.EnsembleScore != 0 {
		t.Errorf("expected 0 ensemble score for all-zero detector scores, got %v", res.EnsembleScore)
	}
}

func TestDecideRequiresWarmupFalse(t *testing.T) {
	st := NewState(0.95)
	scores := detectors.Scores{0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9}
	res := Combine(scores, st, 0.30, 0.15)
	in := DecisionInputs{
		MinDetectorScore: 0.30, MinEnsembleScore: 0.15,
		ConfidenceThreshold: 0.0, UseAdaptiveThreshold: false, Warmup: true,
	}
	if Decide(scores, res, in) {
		t.Error("expected Decide to return false during warmup regardless of scores")
	}
}

func TestDecideFiresWhenAllConditionsMet(t *testing.T) {
	st := NewState(0.95)
	scores := detectors.Scores{0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9}
	res := Combine(scores, st, 0.30, 0.15)
	in := DecisionInputs{
		MinDetectorScore: 0.30, MinEnsembleScore: 0.15,
		ConfidenceThreshold: 0.0, UseAdaptiveThreshold: false, Warmup: false,
	}
	if !Decide(scores, res, in) {
		t.Error("expected Decide to fire when all detectors agree strongly and warmup is false")
	}
}

func TestWeightFloorNeverViolatedAfterManyFeedbackUpdates(t *testing.T) {
	st := NewState(0.95)
	scores := detectors.Scores{0.9, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	for i := 0; i < 10000; i++ {
		ApplyFeedback(st, false, 1.0, scores, 0.30)
	}
	for i, w := range st.Weights {
		if w < WeightFloor {
			t.Errorf("detector %d weight %v fell below floor %v", i, w, WeightFloor)
		}
	}
}

func TestFeedbackIncreasesWeightOnTruePositive(t *testing.T) {
	st := NewState(0.95)
	scores := detectors.Scores{0.9, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	before := st.Weights[0]
	for i := 0; i < 50; i++ {
		ApplyFeedback(st, true, 1.0, scores, 0.30)
	}
	if st.Weights[0] <= before {
		t.Errorf("expected weight to increase on repeated true-positive feedback: before=%v after=%v", before, st.Weights[0])
	}
}

func TestFeedbackDecreasesWeightOnFalsePositive(t *testing.T) {
	st := NewState(0.95)
	scores := detectors.Scores{0, 0.9, 0, 0, 0, 0, 0, 0, 0, 0}
	before := st.Weights[1]
	for i := 0; i < 50; i++ {
		ApplyFeedback(st, false, 1.0, scores, 0.30)
	}
	if st.Weights[1] >= before {
		t.Errorf("expected weight to decrease on repeated false-positive feedback: before=%v after=%v", before, st.Weights[1])
	}
}

func TestClassifySeverityLadder(t *testing.T) {
	cases := []struct {
		score float64
		want  Severity
	}{
		{0.0, SeverityNone},
		{0.14, SeverityNone},
		{0.15, SeverityLow},
		{0.34, SeverityLow},
		{0.35, SeverityMedium},
		{0.59, SeverityMedium},
		{0.6, SeverityHigh},
		{0.84, SeverityHigh},
		{0.85, SeverityCritical},
		{1.0, SeverityCritical},
	}
	for _, c := range cases {
		if got := ClassifySeverity(c.score); got != c.want {
			t.Errorf("ClassifySeverity(%v) = %v, want %v", c.score, got, c.want)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	st := NewState(0.95)
	scores := detectors.Scores{0.9, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	for i := 0; i < 20; i++ {
		ApplyFeedback(st, true, 0.8, scores, 0.30)
	}
	Combine(scores, st, 0.30, 0.15)

	snap := st.Snapshot()
	restored := NewState(0.95)
	restored.Restore(snap)

	if restored.Weights != st.Weights {
		t.Errorf("weights did not round-trip: got %v want %v", restored.Weights, st.Weights)
	}
	if restored.SampleCount != st.SampleCount {
		t.Errorf("sample count did not round-trip: got %v want %v", restored.SampleCount, st.SampleCount)
	}
}
