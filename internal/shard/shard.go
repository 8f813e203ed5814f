// Package shard implements the single-threaded, single-owner event
// loop described in spec.md §4.6: one worker per shard, each owning
// exactly one registry, consuming its inbound and feedback channels,
// running profile update -> ensemble combine -> policy apply -> decision
// -> signal emit, with no locks and no shared mutable state other than
// the process-wide policy pointer and monotonic counters.
package shard

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/nodewatch/gatekeeper/internal/audit"
	"github.com/nodewatch/gatekeeper/internal/config"
	"github.com/nodewatch/gatekeeper/internal/detectors"
	"github.com/nodewatch/gatekeeper/internal/ensemble"
	"github.com/nodewatch/gatekeeper/internal/ingest"
	"github.com/nodewatch/gatekeeper/internal/observability"
	"github.com/nodewatch/gatekeeper/internal/policy"
	"github.com/nodewatch/gatekeeper/internal/registry"
)

// healthFlagStreak is the number of consecutive processed events that
// each hit at least one recovered detector panic before a shard's health
// flag flips to unhealthy, surfaced in /stats.
const healthFlagStreak = 10

// Worker owns one shard's registry and processes exactly its own
// inbound/feedback channels. Never touched from more than one
// goroutine after Run starts.
type Worker struct {
	id int

	inbound  <-chan ingest.ShardEvent
	feedback <-chan ingest.FeedbackEvent
	signals  chan<- ingest.AnomalySignal

	registry    *registry.Registry
	policyStore *policy.Store

	drainBatchSize    int
	feedbackBatchSize int
	idleTick          time.Duration
	idleTimeoutNS     uint64
	fireThreshold     float64
	ensembleCfg       *config.EnsembleConfig

	metrics *observability.Metrics
	log     *zap.Logger

	panicStreak int
	healthy     *atomic.Bool

	checkpointRequests chan<- int

	decisionChain *audit.Chain

	latencyP50 *detectors.P2Estimator
	latencyP95 *detectors.P2Estimator
	latencyP99 *detectors.P2Estimator
}

// New constructs a shard Worker. router supplies this shard's inbound
// and feedback channels; signals is the shared, bounded outbound
// channel read by the forwarder; checkpointRequests (optional, may be
// nil) receives this shard's id on each periodic checkpoint tick.
func New(
	id int,
	cfg *config.Config,
	router *ingest.Router,
	policyStore *policy.Store,
	signals chan<- ingest.AnomalySignal,
	checkpointRequests chan<- int,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Worker {
	return &Worker{
		id:                id,
		inbound:           router.ShardQueue(id),
		feedback:          router.FeedbackQueue(id),
		signals:           signals,
		registry:          registry.New(cfg.Registry.CapacityPerShard, &cfg.Detectors, &cfg.Ensemble),
		policyStore:       policyStore,
		drainBatchSize:    cfg.Ingest.DrainBatchSize,
		feedbackBatchSize: cfg.Ingest.FeedbackBatchSize,
		idleTick:          cfg.Ingest.IdleEvictionTick,
		idleTimeoutNS:     uint64(cfg.Registry.IdleTimeout.Nanoseconds()),
		fireThreshold:     cfg.Detectors.FireThreshold,
		ensembleCfg:       &cfg.Ensemble,
		metrics:           metrics,
		log:               log.With(zap.Int("shard", id)),
		healthy:           atomic.NewBool(true),
		checkpointRequests: checkpointRequests,
		decisionChain:     audit.NewChain(0),
		latencyP50:        detectors.NewP2Estimator(0.50),
		latencyP95:        detectors.NewP2Estimator(0.95),
		latencyP99:        detectors.NewP2Estimator(0.99),
	}
}

// DecisionChain exposes this shard's hash-linked decision audit chain,
// for /stats reporting and checkpoint export.
func (w *Worker) DecisionChain() *audit.Chain { return w.decisionChain }

// LatencyQuantiles returns this shard's approximate P50/P95/P99
// end-to-end event processing latency in seconds, for /stats.
func (w *Worker) LatencyQuantiles() (p50, p95, p99 float64) {
	return w.latencyP50.Quantile(), w.latencyP95.Quantile(), w.latencyP99.Quantile()
}

// Healthy reports false once healthFlagStreak consecutive processed
// events have each hit a recovered detector panic, and true again after
// the next panic-free event.
func (w *Worker) Healthy() bool { return w.healthy.Load() }

// Registry exposes the shard's profile registry, for checkpoint export
// and /stats active-profile counts.
func (w *Worker) Registry() *registry.Registry { return w.registry }

// Run drives the worker's event loop until ctx is cancelled. Each
// iteration drains up to drainBatchSize inbound events and
// feedbackBatchSize feedback events, then periodically (idleTick)
// expires idle profiles and emits a checkpoint request.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.idleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.inbound:
			if !ok {
				return
			}
			w.processEvent(ev)
			w.drainRemainingInbound()

		case fb, ok := <-w.feedback:
			if !ok {
				return
			}
			w.processFeedback(fb)
			w.drainRemainingFeedback()

		case now := <-ticker.C:
			nowNS := uint64(now.UnixNano())
			evicted := w.registry.ExpireIdle(nowNS, w.idleTimeoutNS)
			if w.metrics != nil {
				if evicted > 0 {
					w.metrics.RegistryEvictionsTotal.WithLabelValues(shardLabel(w.id)).Add(float64(evicted))
				}
				w.metrics.ActiveProfiles.WithLabelValues(shardLabel(w.id)).Set(float64(w.registry.Len()))
			}
			if w.checkpointRequests != nil {
				select {
				case w.checkpointRequests <- w.id:
				default:
				}
			}
		}
	}
}

func (w *Worker) drainRemainingInbound() {
	for i := 1; i < w.drainBatchSize; i++ {
		select {
		case ev, ok := <-w.inbound:
			if !ok {
				return
			}
			w.processEvent(ev)
		default:
			return
		}
	}
}

func (w *Worker) drainRemainingFeedback() {
	for i := 1; i < w.feedbackBatchSize; i++ {
		select {
		case fb, ok := <-w.feedback:
			if !ok {
				return
			}
			w.processFeedback(fb)
		default:
			return
		}
	}
}

// processEvent runs one event through profile update, ensemble combine,
// policy apply, and the decision gate, pushing a signal to the shared
// forwarder channel when anomalous.
func (w *Worker) processEvent(ev ingest.ShardEvent) {
	start := time.Now()
	p := w.registry.GetOrCreate(ev.EntityHash)
	scores, panicked := p.Update(ev.Value, ev.TimestampNS)
	w.recordPanics(panicked)

	snap := w.policyStore.Current()
	var policyVersion string
	activeSnap := snap
	if snap != nil {
		if !snap.InCanary(ev.EntityHash) {
			// Canary excludes this entity: no policy bias this event,
			// rather than guessing at a fallback snapshot we may not
			// have retained.
			activeSnap = nil
		} else {
			policyVersion = snap.Version
		}
	}

	res := ensemble.Combine(scores, p.Ensemble, w.fireThreshold, w.ensembleCfg.AdaptiveFloor)

	outcome := policy.Apply(activeSnap, ev.EntityHash, res.PrimaryDetector, res.Confidence, ev.TimestampNS)
	for _, prior := range outcome.Priors {
		applyPriorDelta(p.Ensemble, prior)
	}

	scaledScore := clamp01(res.EnsembleScore * outcome.ScoreScale)
	scaledConfidence := clamp01(res.Confidence * outcome.ConfidenceScale)
	severity := ensemble.ClassifySeverity(scaledScore)

	in := ensemble.DecisionInputs{
		MinDetectorScore:     w.fireThreshold,
		MinEnsembleScore:     w.ensembleCfg.MinEnsembleScore,
		ConfidenceThreshold:  w.ensembleCfg.ConfidenceThreshold,
		UseAdaptiveThreshold: w.ensembleCfg.UseAdaptiveThreshold,
		Warmup:               p.Warmup(),
	}

	elapsed := time.Since(start).Seconds()
	w.latencyP50.Observe(elapsed)
	w.latencyP95.Observe(elapsed)
	w.latencyP99.Observe(elapsed)
	if w.metrics != nil {
		w.metrics.EnsembleScoreHistogram.Observe(scaledScore)
		w.metrics.ProcessingLatency.Observe(elapsed)
	}

	w.decisionChain.Record(policyVersion, ev.EntityHash, scores, scaledScore, scaledConfidence)

	if outcome.Suppress || !ensemble.Decide(scores, res, in) {
		return
	}

	sig := ingest.AnomalySignal{
		SchemaVersion:         ingest.SchemaVersion,
		EntityHash:            ev.EntityHash,
		Timestamp:             ev.TimestampNS,
		EnsembleScore:          scaledScore,
		Severity:               severityWire(severity),
		PrimaryDetectorID:      uint8(res.PrimaryDetector),
		DetectorsFiredBitmask:  res.DetectorsFired,
		Confidence:             scaledConfidence,
		DetectorScores:         scores,
		PolicyVersion:          policyVersion,
		Attribution:            attributionFor(res, outcome.PatternID),
	}

	if w.metrics != nil {
		w.metrics.SignalsEmittedTotal.WithLabelValues(string(sig.Severity)).Inc()
	}

	select {
	case w.signals <- sig:
	default:
		if w.metrics != nil {
			w.metrics.EventsDroppedTotal.WithLabelValues(string(ingest.DropForwarder)).Inc()
		}
	}
}

func (w *Worker) processFeedback(fb ingest.FeedbackEvent) {
	p := w.registry.GetOrCreate(fb.EntityHash)
	p.ApplyFeedback(fb.WasTruePositive, fb.Confidence, fb.DetectorScoresAtEvent, w.fireThreshold, string(fb.LabelClass))
}

func (w *Worker) recordPanics(mask uint16) {
	if mask == 0 {
		w.panicStreak = 0
		w.healthy.Store(true)
		return
	}
	w.panicStreak++
	if w.metrics != nil {
		for i := 0; i < detectors.Count; i++ {
			if mask&(1<<uint(i)) != 0 {
				w.metrics.DetectorPanicsTotal.WithLabelValues(detectors.ID(i).Name()).Inc()
			}
		}
	}
	if w.panicStreak >= healthFlagStreak {
		w.healthy.Store(false)
		w.log.Warn("shard health flag set: repeated detector panics", zap.Int("streak", w.panicStreak))
	}
}

func applyPriorDelta(st *ensemble.State, prior policy.DetectorPrior) {
	st.Alpha[prior.DetectorID] += prior.AlphaDelta
	st.Beta[prior.DetectorID] += prior.BetaDelta
	if st.Alpha[prior.DetectorID] < 0 {
		st.Alpha[prior.DetectorID] = 0
	}
	if st.Beta[prior.DetectorID] < 0 {
		st.Beta[prior.DetectorID] = 0
	}
}

func attributionFor(res ensemble.Result, patternID string) ingest.Attribution {
	a := ingest.Attribution{
		Primary: res.PrimaryDetector.Name(),
		Reason:  "primary detector contribution dominates ensemble score",
	}
	if res.HasSecondary {
		a.Secondary = res.SecondaryDetector.Name()
	}
	if patternID != "" {
		a.Reason = "policy rule " + patternID + " matched"
	}
	return a
}

func severityWire(s ensemble.Severity) ingest.Severity {
	switch s {
	case ensemble.SeverityLow:
		return ingest.SeverityLow
	case ensemble.SeverityMedium:
		return ingest.SeverityMedium
	case ensemble.SeverityHigh:
		return ingest.SeverityHigh
	case ensemble.SeverityCritical:
		return ingest.SeverityCritical
	default:
		return ingest.SeverityNone
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func shardLabel(id int) string {
	return itoa(id)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
