package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
)

func entityHash(u string) uint64 { return xxhash.Sum64String(u) }

// runCleanBurst replays S1: one entity, 50 events 20ms apart, constant
// value. No signal expected for the first 10 events (warmup); by event
// 30 a detection is expected, though this binary only emits traffic —
// asserting on emitted signals is the job of the HTTP-level tests in
// internal/gatekeeper.
func (c *simClient) runCleanBurst(seed int64) error {
	const entity = "u1"
	now := uint64(time.Now().UnixNano())
	for i := 0; i < 50; i++ {
		t := now + uint64(i)*20*uint64(time.Millisecond)
		status, err := c.ingest(entity, 1.0, t)
		if err != nil {
			return fmt.Errorf("ingest event %d: %w", i, err)
		}
		if status != http.StatusAccepted {
			return fmt.Errorf("ingest event %d: unexpected status %d", i, status)
		}
	}
	logf("s1: replayed 50 events for entity %q (hash=%d)", entity, entityHash(entity))
	return nil
}

// runPolicySuppression replays S2: after S1's initial burst, publish a
// suppress rule for the same entity and confirm further events are
// still accepted (profile state keeps updating) even though the
// engine stops emitting signals for it.
func (c *simClient) runPolicySuppression(seed int64) error {
	if err := c.runCleanBurst(seed); err != nil {
		return err
	}

	h := entityHash("u1")
	snapshot := fmt.Sprintf(`{
		"version": "suppress-u1",
		"created_at": %d,
		"rules": [{"pattern_id": "suppress-u1", "action": "suppress", "entity_hashes": [%d], "min_confidence": 0.0, "ttl_sec": 3600}],
		"defaults": {"score_scale": 1.0, "confidence_scale": 1.0},
		"canary_percent": 1.0
	}`, time.Now().Unix(), h)

	if err := c.publishSnapshot([]byte(snapshot)); err != nil {
		return fmt.Errorf("publish suppress snapshot: %w", err)
	}
	logf("s2: published suppress rule for entity hash %d", h)

	now := uint64(time.Now().UnixNano())
	for i := 0; i < 20; i++ {
		t := now + uint64(i)*20*uint64(time.Millisecond)
		if _, err := c.ingest("u1", 1.0, t); err != nil {
			return fmt.Errorf("post-suppression ingest %d: %w", i, err)
		}
	}
	logf("s2: replayed 20 more events under suppression; check /stats for continued profile updates")
	return nil
}

// runFeedbackLearning replays S3's feedback phase: submit 100
// true-positive feedback events for one entity. No event stream is
// ingested first and the feedback carries no per-detector scores, so
// no detector's ensemble weight (Burst's included) changes.
func (c *simClient) runFeedbackLearning(seed int64) error {
	h := entityHash("u3")
	for i := 0; i < 100; i++ {
		if err := c.feedback(h, true, 1.0, "attack_known"); err != nil {
			return fmt.Errorf("feedback %d: %w", i, err)
		}
	}
	logf("s3: submitted 100 true-positive feedback events for entity hash %d", h)
	return nil
}

// runDeterminism replays S4: ingest 10,000 events, export a checkpoint,
// then ingest a further 10,000. Replaying the second half against a
// freshly imported checkpoint and comparing decision-chain heads is
// done by the caller (or by internal/gatekeeper's own tests); this
// binary only drives the two halves and logs the exported blob's size;
// the blob itself is not saved.
func (c *simClient) runDeterminism(seed int64) error {
	r := rng(seed)
	now := uint64(time.Now().UnixNano())

	for i := 0; i < 10000; i++ {
		entity := fmt.Sprintf("u%d", r.Intn(50))
		t := now + uint64(i)*uint64(time.Millisecond)
		if _, err := c.ingest(entity, r.Float64()*10, t); err != nil {
			return fmt.Errorf("ingest phase 1 event %d: %w", i, err)
		}
	}

	blob, err := c.exportCheckpoint()
	if err != nil {
		return fmt.Errorf("export checkpoint at event 10000: %w", err)
	}
	logf("s4: exported checkpoint bundle of %d bytes at event 10000", len(blob))

	for i := 10000; i < 20000; i++ {
		entity := fmt.Sprintf("u%d", r.Intn(50))
		t := now + uint64(i)*uint64(time.Millisecond)
		if _, err := c.ingest(entity, r.Float64()*10, t); err != nil {
			return fmt.Errorf("ingest phase 2 event %d: %w", i, err)
		}
	}
	logf("s4: replayed events 10001..20000")
	return nil
}

// runBackpressure replays S5: fire 10x a shard's queue capacity as
// fast as possible and tally the HTTP status codes observed.
func (c *simClient) runBackpressure(seed int64) error {
	const total = 160000 // 10x a default 16000-deep shard queue
	now := uint64(time.Now().UnixNano())

	var accepted, limited, other int
	for i := 0; i < total; i++ {
		status, err := c.ingest("u-flood", 1.0, now+uint64(i))
		if err != nil {
			return fmt.Errorf("flood event %d: %w", i, err)
		}
		switch status {
		case http.StatusAccepted:
			accepted++
		case http.StatusTooManyRequests:
			limited++
		default:
			other++
		}
	}
	logf("s5: accepted=%d limited(429)=%d other=%d out of %d", accepted, limited, other, total)
	return nil
}

// runCanaryRollout replays S6: publish a snapshot with
// canary_percent=0.1 and drive identical event streams across 1000
// distinct entities, leaving per-entity routing verification to the
// emitted signal's policy_version tag.
func (c *simClient) runCanaryRollout(seed int64) error {
	snapshot := fmt.Sprintf(`{
		"version": "canary-10pct",
		"created_at": %d,
		"rules": [],
		"defaults": {"score_scale": 1.0, "confidence_scale": 1.0},
		"canary_percent": 0.1,
		"fallback_version": "stable"
	}`, time.Now().Unix())

	if err := c.publishSnapshot([]byte(snapshot)); err != nil {
		return fmt.Errorf("publish canary snapshot: %w", err)
	}
	logf("s6: published canary_percent=0.1 snapshot")

	now := uint64(time.Now().UnixNano())
	for i := 0; i < 1000; i++ {
		entity := fmt.Sprintf("entity-%d", i)
		t := now + uint64(i)*uint64(time.Millisecond)
		if _, err := c.ingest(entity, 1.0, t); err != nil {
			return fmt.Errorf("canary ingest %d: %w", i, err)
		}
	}
	logf("s6: replayed identical stream across 1000 distinct entities")
	return nil
}
