// Package observability — metrics.go
//
// Prometheus metrics for the Gatekeeper Tier-1 detection engine.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: gatekeeper_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - entity_hash is NEVER used as a label (unbounded cardinality).
//   - detector_id uses the fixed ten-value name set.
//   - drop reason uses the fixed classified-counter set (parse, skew,
//     ingest, shard, persistence, feedback, forwarder).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for Gatekeeper.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Ingest ───────────────────────────────────────────────────────────────

	// EventsIngestedTotal counts events accepted at the front-end.
	EventsIngestedTotal prometheus.Counter

	// EventsDroppedTotal counts events dropped, by classified reason:
	// parse, skew, ingest, shard, persistence, feedback, forwarder.
	EventsDroppedTotal *prometheus.CounterVec

	// ShardQueueDepth is the current inbound channel depth, by shard id.
	ShardQueueDepth *prometheus.GaugeVec

	// FeedbackQueueDepth is the current feedback channel depth, by shard id.
	FeedbackQueueDepth *prometheus.GaugeVec

	// ─── Detection ────────────────────────────────────────────────────────────

	// DetectorScoreHistogram records the distribution of per-detector
	// scores, labeled by detector name.
	DetectorScoreHistogram *prometheus.HistogramVec

	// DetectorPanicsTotal counts recovered per-detector panics, by
	// detector name.
	DetectorPanicsTotal *prometheus.CounterVec

	// EnsembleScoreHistogram records the distribution of ensemble scores.
	EnsembleScoreHistogram prometheus.Histogram

	// SignalsEmittedTotal counts anomaly signals emitted, by severity.
	SignalsEmittedTotal *prometheus.CounterVec

	// ActiveProfiles is the current number of profiles held, by shard id.
	ActiveProfiles *prometheus.GaugeVec

	// RegistryEvictionsTotal counts profiles removed by the idle-expiry
	// sweep, by shard id.
	RegistryEvictionsTotal *prometheus.CounterVec

	// ProcessingLatency records per-event end-to-end shard processing
	// latency, used to derive P50/P95/P99 for /stats.
	ProcessingLatency prometheus.Histogram

	// ─── Policy ───────────────────────────────────────────────────────────────

	// PolicyPublishesTotal counts successful snapshot publishes.
	PolicyPublishesTotal prometheus.Counter

	// PolicyVersion is exported as a label-only gauge (always 1) tagged
	// with the current active version string.
	PolicyVersion *prometheus.GaugeVec

	// ─── Forwarder ────────────────────────────────────────────────────────────

	// ForwarderBatchesSentTotal counts signal batches shipped to Tier-2.
	ForwarderBatchesSentTotal prometheus.Counter

	// ForwarderRetriesTotal counts forwarder retry attempts.
	ForwarderRetriesTotal prometheus.Counter

	// ForwarderFallbackWritesTotal counts signals written to the
	// rotating fallback file after exhausting retries.
	ForwarderFallbackWritesTotal prometheus.Counter

	// ─── Checkpoint ───────────────────────────────────────────────────────────

	// CheckpointWriteLatency records checkpoint persistence latency.
	CheckpointWriteLatency prometheus.Histogram

	// CheckpointFailuresTotal counts checkpoint I/O failures.
	CheckpointFailuresTotal prometheus.Counter

	// ─── Agent ────────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since process start.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all Gatekeeper Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper", Subsystem: "ingest", Name: "events_total",
			Help: "Total events accepted at the ingest front-end.",
		}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper", Subsystem: "ingest", Name: "dropped_total",
			Help: "Total events/feedback/signals dropped, by classified reason.",
		}, []string{"reason"}),

		ShardQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatekeeper", Subsystem: "shard", Name: "queue_depth",
			Help: "Current inbound event channel depth, by shard id.",
		}, []string{"shard"}),

		FeedbackQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatekeeper", Subsystem: "shard", Name: "feedback_queue_depth",
			Help: "Current feedback channel depth, by shard id.",
		}, []string{"shard"}),

		DetectorScoreHistogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatekeeper", Subsystem: "detector", Name: "score",
			Help:    "Distribution of per-detector scores.",
			Buckets: []float64{0.05, 0.15, 0.3, 0.5, 0.6, 0.75, 0.85, 0.95, 1.0},
		}, []string{"detector"}),

		DetectorPanicsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper", Subsystem: "detector", Name: "panics_total",
			Help: "Total recovered detector panics, by detector name.",
		}, []string{"detector"}),

		EnsembleScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gatekeeper", Subsystem: "ensemble", Name: "score",
			Help:    "Distribution of combined ensemble scores.",
			Buckets: []float64{0.05, 0.15, 0.3, 0.5, 0.6, 0.75, 0.85, 0.95, 1.0},
		}),

		SignalsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper", Subsystem: "ensemble", Name: "signals_emitted_total",
			Help: "Total anomaly signals emitted, by severity.",
		}, []string{"severity"}),

		ActiveProfiles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatekeeper", Subsystem: "registry", Name: "active_profiles",
			Help: "Current number of profiles held, by shard id.",
		}, []string{"shard"}),

		RegistryEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper", Subsystem: "registry", Name: "evictions_total",
			Help: "Total profiles removed by idle expiry, by shard id.",
		}, []string{"shard"}),

		ProcessingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gatekeeper", Subsystem: "shard", Name: "processing_latency_seconds",
			Help:    "Per-event shard processing latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 2, 20),
		}),

		PolicyPublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper", Subsystem: "policy", Name: "publishes_total",
			Help: "Total successful policy snapshot publishes.",
		}),

		PolicyVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatekeeper", Subsystem: "policy", Name: "active_version",
			Help: "Always 1; labeled with the currently active policy version.",
		}, []string{"version"}),

		ForwarderBatchesSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper", Subsystem: "forwarder", Name: "batches_sent_total",
			Help: "Total signal batches shipped to Tier-2.",
		}),

		ForwarderRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper", Subsystem: "forwarder", Name: "retries_total",
			Help: "Total forwarder retry attempts.",
		}),

		ForwarderFallbackWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper", Subsystem: "forwarder", Name: "fallback_writes_total",
			Help: "Total signals written to the rotating fallback file.",
		}),

		CheckpointWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gatekeeper", Subsystem: "checkpoint", Name: "write_latency_seconds",
			Help:    "Checkpoint persistence latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CheckpointFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gatekeeper", Subsystem: "checkpoint", Name: "failures_total",
			Help: "Total checkpoint I/O failures.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekeeper", Subsystem: "agent", Name: "uptime_seconds",
			Help: "Number of seconds since process start.",
		}),
	}

	reg.MustRegister(
		m.EventsIngestedTotal,
		m.EventsDroppedTotal,
		m.ShardQueueDepth,
		m.FeedbackQueueDepth,
		m.DetectorScoreHistogram,
		m.DetectorPanicsTotal,
		m.EnsembleScoreHistogram,
		m.SignalsEmittedTotal,
		m.ActiveProfiles,
		m.RegistryEvictionsTotal,
		m.ProcessingLatency,
		m.PolicyPublishesTotal,
		m.PolicyVersion,
		m.ForwarderBatchesSentTotal,
		m.ForwarderRetriesTotal,
		m.ForwarderFallbackWritesTotal,
		m.CheckpointWriteLatency,
		m.CheckpointFailuresTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
