package shard

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nodewatch/gatekeeper/internal/config"
	"github.com/nodewatch/gatekeeper/internal/detectors"
	"github.com/nodewatch/gatekeeper/internal/ingest"
	"github.com/nodewatch/gatekeeper/internal/policy"
)

func testWorker(signals chan ingest.AnomalySignal) *Worker {
	cfg := config.Defaults()
	cfg.Ingest.IdleEvictionTick = 10 * time.Millisecond
	router := ingest.NewRouter(cfg.Ingest.ShardCount, cfg.Ingest.ShardQueueSize, cfg.Ingest.FeedbackQueueSize, uint64(cfg.Ingest.SkewWindow))
	if signals == nil {
		signals = make(chan ingest.AnomalySignal, 16)
	}
	return New(0, &cfg, router, policy.NewStore(), signals, nil, nil, zap.NewNop())
}

func TestWorkerStartsHealthy(t *testing.T) {
	w := testWorker(nil)
	if !w.Healthy() {
		t.Error("expected a freshly constructed worker to report healthy")
	}
}

func TestRecordPanicsFlipsHealthAfterStreak(t *testing.T) {
	w := testWorker(nil)
	for i := 0; i < healthFlagStreak; i++ {
		w.recordPanics(1)
	}
	if w.Healthy() {
		t.Error("expected the health flag to clear after a streak of panicked ticks")
	}
	w.recordPanics(0)
	if !w.Healthy() {
		t.Error("expected a clean tick to immediately restore the health flag")
	}
}

func TestProcessEventCreatesRegistryEntry(t *testing.T) {
	w := testWorker(nil)
	w.processEvent(ingest.ShardEvent{EntityHash: 1, Value: 5, TimestampNS: 1000})
	if w.registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want 1 after processing one event", w.registry.Len())
	}
}

func TestProcessEventSuppressesSignalsDuringWarmup(t *testing.T) {
	signals := make(chan ingest.AnomalySignal, 4)
	w := testWorker(signals)
	for i := uint64(0); i < 3; i++ {
		w.processEvent(ingest.ShardEvent{EntityHash: 1, Value: 5, TimestampNS: 1000 + i})
	}
	select {
	case sig := <-signals:
		t.Errorf("expected no signal during warmup, got %+v", sig)
	default:
	}
}

func TestProcessFeedbackAdjustsEnsembleWeight(t *testing.T) {
	w := testWorker(nil)
	p := w.registry.GetOrCreate(42)
	before := p.Ensemble.Weights[detectors.IDHoltWinters]

	var scores detectors.Scores
	scores[detectors.IDHoltWinters] = 0.9

	w.processFeedback(ingest.FeedbackEvent{
		EntityHash:            42,
		WasTruePositive:       true,
		Confidence:            1.0,
		DetectorScoresAtEvent: scores,
		LabelClass:            ingest.LabelAttackKnown,
	})

	after := p.Ensemble.Weights[detectors.IDHoltWinters]
	if after <= before {
		t.Errorf("expected feedback to raise holt_winters weight, before=%v after=%v", before, after)
	}
}

func TestApplyPriorDeltaClampsAtZero(t *testing.T) {
	w := testWorker(nil)
	p := w.registry.GetOrCreate(7)
	p.Ensemble.Alpha[detectors.IDBurst] = 0
	p.Ensemble.Beta[detectors.IDBurst] = 0

	applyPriorDelta(p.Ensemble, policy.DetectorPrior{
		DetectorID: detectors.IDBurst,
		AlphaDelta: -5,
		BetaDelta:  -5,
	})

	if p.Ensemble.Alpha[detectors.IDBurst] < 0 || p.Ensemble.Beta[detectors.IDBurst] < 0 {
		t.Error("expected applyPriorDelta to clamp alpha/beta at zero")
	}
}

func TestSeverityWireMapsZeroValueToNone(t *testing.T) {
	if severityWire(0) != ingest.SeverityNone {
		t.Error("expected the zero Severity value to map to SeverityNone")
	}
}

func TestProcessEventExtendsDecisionChain(t *testing.T) {
	w := testWorker(nil)
	if w.DecisionChain().Sequence() != 0 {
		t.Fatalf("expected an empty chain before any event")
	}
	w.processEvent(ingest.ShardEvent{EntityHash: 1, Value: 5, TimestampNS: 1000})
	w.processEvent(ingest.ShardEvent{EntityHash: 1, Value: 6, TimestampNS: 2000})
	if got := w.DecisionChain().Sequence(); got != 2 {
		t.Errorf("DecisionChain().Sequence() = %d, want 2 after two processed events", got)
	}
}

func TestLatencyQuantilesTrackProcessedEvents(t *testing.T) {
	w := testWorker(nil)
	for i := uint64(0); i < 5; i++ {
		w.processEvent(ingest.ShardEvent{EntityHash: 1, Value: 5, TimestampNS: 1000 + i})
	}
	p50, p95, p99 := w.LatencyQuantiles()
	if p50 < 0 || p95 < 0 || p99 < 0 {
		t.Errorf("expected non-negative latency quantiles, got p50=%v p95=%v p99=%v", p50, p95, p99)
	}
}

func TestShardLabelFormatsNonNegativeIDs(t *testing.T) {
	if shardLabel(0) != "0" || shardLabel(7) != "7" || shardLabel(42) != "42" {
		t.Error("unexpected shardLabel formatting")
	}
}
