// Package forwarder ships anomaly signals to the Tier-2 correlation
// pipeline: an async, bounded-channel batch drain over HTTP with
// jittered exponential retry and a rotating on-disk fallback for
// batches that exhaust every retry.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nodewatch/gatekeeper/internal/config"
	"github.com/nodewatch/gatekeeper/internal/ingest"
	"github.com/nodewatch/gatekeeper/internal/observability"
)

// maxFallbackFileBytes is the size at which the fallback file is
// rotated to a .1 suffix before continuing to append.
const maxFallbackFileBytes = 64 * 1024 * 1024

// Forwarder drains a shared AnomalySignal channel into fixed-size
// batches, POSTs each batch to Tier-2, and retries with jittered
// exponential backoff before falling back to an on-disk queue.
type Forwarder struct {
	client *http.Client
	url    string

	in chan ingest.AnomalySignal

	batchSize     int
	flushInterval time.Duration

	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	retryMaxAttempts int

	fallbackPath string

	metrics *observability.Metrics
	log     *zap.Logger
}

// New constructs a Forwarder from its configuration section. cfg.Tier2URL
// empty disables network sends entirely — every batch goes straight to
// the fallback file, which is the documented degraded mode when Tier-2
// is not configured.
func New(cfg *config.ForwarderConfig, metrics *observability.Metrics, log *zap.Logger) *Forwarder {
	return &Forwarder{
		client: &http.Client{Timeout: cfg.RequestTimeout},
		url:    cfg.Tier2URL,

		in: make(chan ingest.AnomalySignal, cfg.QueueSize),

		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,

		retryBaseDelay:   cfg.RetryBaseDelay,
		retryMaxDelay:    cfg.RetryMaxDelay,
		retryMaxAttempts: cfg.RetryMaxAttempts,

		fallbackPath: cfg.FallbackFilePath,

		metrics: metrics,
		log:     log,
	}
}

// Queue returns the channel shard workers push emitted signals into.
// Sends should always be non-blocking try_sends at the call site; a
// full queue here means Tier-2 (or the fallback file) cannot keep up.
func (f *Forwarder) Queue() chan<- ingest.AnomalySignal { return f.in }

// Run drains the queue into batches until ctx is cancelled, flushing
// whenever a batch reaches BatchSize or FlushInterval elapses,
// whichever comes first.
func (f *Forwarder) Run(ctx context.Context) {
	batch := make([]ingest.AnomalySignal, 0, f.batchSize)
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		f.send(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case sig := <-f.in:
			batch = append(batch, sig)
			if len(batch) >= f.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// send ships one batch to Tier-2, retrying with jittered exponential
// backoff, and writes the batch to the fallback file if every attempt
// fails (or if no Tier-2 URL is configured).
func (f *Forwarder) send(ctx context.Context, batch []ingest.AnomalySignal) {
	if f.url == "" {
		f.writeFallback(batch)
		return
	}

	body, err := sonic.Marshal(batch)
	if err != nil {
		f.log.Error("forwarder: failed to marshal batch", zap.Error(err))
		f.writeFallback(batch)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.retryBaseDelay
	bo.MaxInterval = f.retryMaxDelay
	retrier := backoff.WithMaxRetries(bo, uint64(f.retryMaxAttempts-1))
	retrier = backoff.WithContext(retrier, ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if attempt > 1 && f.metrics != nil {
			f.metrics.ForwarderRetriesTotal.Inc()
		}
		return f.post(ctx, body)
	}, retrier)

	if err != nil {
		f.log.Warn("forwarder: batch exhausted retries, falling back to disk",
			zap.Int("batch_size", len(batch)), zap.Error(err))
		f.writeFallback(batch)
		return
	}

	if f.metrics != nil {
		f.metrics.ForwarderBatchesSentTotal.Inc()
	}
}

func (f *Forwarder) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url+"/tier2/anomalies", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("forwarder: building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forwarder: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("forwarder: tier2 returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("forwarder: tier2 rejected batch with %d", resp.StatusCode))
	}
	return nil
}

// writeFallback appends one JSON line per signal to the fallback file,
// rotating it to a .1 suffix first if it has grown past
// maxFallbackFileBytes.
func (f *Forwarder) writeFallback(batch []ingest.AnomalySignal) {
	if f.fallbackPath == "" {
		f.log.Error("forwarder: no fallback_file_path configured, dropping batch", zap.Int("batch_size", len(batch)))
		if f.metrics != nil {
			f.metrics.EventsDroppedTotal.WithLabelValues(string(ingest.DropForwarder)).Add(float64(len(batch)))
		}
		return
	}

	f.rotateIfNeeded()

	file, err := os.OpenFile(f.fallbackPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		f.log.Error("forwarder: failed to open fallback file", zap.String("path", f.fallbackPath), zap.Error(err))
		return
	}
	defer file.Close()

	for _, sig := range batch {
		line, err := sonic.Marshal(sig)
		if err != nil {
			continue
		}
		file.Write(line)
		file.Write([]byte("\n"))
	}

	if f.metrics != nil {
		f.metrics.ForwarderFallbackWritesTotal.Add(float64(len(batch)))
	}
}

func (f *Forwarder) rotateIfNeeded() {
	info, err := os.Stat(f.fallbackPath)
	if err != nil || info.Size() < maxFallbackFileBytes {
		return
	}
	_ = os.Rename(f.fallbackPath, f.fallbackPath+".1")
}
