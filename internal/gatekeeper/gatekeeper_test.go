package gatekeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nodewatch/gatekeeper/internal/config"
	"github.com/nodewatch/gatekeeper/internal/observability"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Defaults()
	cfg.Ingest.ShardCount = 1
	cfg.Checkpoint.DBPath = filepath.Join(t.TempDir(), "gatekeeper.db")
	cfg.Checkpoint.Interval = time.Millisecond
	cfg.Forwarder.Tier2URL = ""
	cfg.Forwarder.FallbackFilePath = filepath.Join(t.TempDir(), "fallback.jsonl")

	e, err := New(&cfg, observability.NewMetrics(), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func runEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHandleIngestAcceptsValidEvent(t *testing.T) {
	e := testEngine(t)
	runEngine(t, e)

	body := fmt.Sprintf(`{"u":"host-1","v":5.0,"t":%d}`, time.Now().UnixNano())
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	rec := httptest.NewRecorder()

	e.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
}

func TestHandleIngestRejectsMalformedBody(t *testing.T) {
	e := testEngine(t)
	runEngine(t, e)

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleIngestBatchReportsAcceptedCount(t *testing.T) {
	e := testEngine(t)
	runEngine(t, e)

	now := time.Now().UnixNano()
	body := fmt.Sprintf(`[{"u":"a","v":1,"t":%d},{"u":"b","v":2,"t":%d}]`, now, now)
	req := httptest.NewRequest(http.MethodPost, "/ingest/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["accepted"] != 2 {
		t.Errorf("accepted = %d, want 2", resp["accepted"])
	}
}

func TestHandleIngestRateLimitsBySeverity(t *testing.T) {
	cfg := config.Defaults()
	cfg.Ingest.ShardCount = 1
	cfg.Checkpoint.DBPath = filepath.Join(t.TempDir(), "gatekeeper.db")
	cfg.Checkpoint.Interval = time.Millisecond
	cfg.Forwarder.Tier2URL = ""
	cfg.Forwarder.FallbackFilePath = filepath.Join(t.TempDir(), "fallback.jsonl")
	cfg.RateLimit.Capacity = 1

	e, err := New(&cfg, observability.NewMetrics(), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runEngine(t, e)

	post := func(sev string) int {
		now := time.Now().UnixNano()
		body := fmt.Sprintf(`{"u":"host-1","v":5.0,"t":%d,"s":%q}`, now, sev)
		req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
		rec := httptest.NewRecorder()
		e.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post("Low"); code != http.StatusAccepted {
		t.Fatalf("first Low event status = %d, want %d", code, http.StatusAccepted)
	}
	if code := post("Low"); code != http.StatusTooManyRequests {
		t.Errorf("second Low event status = %d, want %d once that class's bucket is drained", code, http.StatusTooManyRequests)
	}
	if code := post("Critical"); code != http.StatusTooManyRequests {
		t.Errorf("Critical event status = %d, want %d; cost 8 exceeds capacity 1", code, http.StatusTooManyRequests)
	}
}

func TestEventSeverityDefaultsToNoneWhenOmitted(t *testing.T) {
	e := testEngine(t)
	runEngine(t, e)

	body := fmt.Sprintf(`{"u":"host-1","v":5.0,"t":%d}`, time.Now().UnixNano())
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; an omitted severity hint must not be rejected", rec.Code, http.StatusAccepted)
	}
}

func TestPolicySnapshotPublishAndVersion(t *testing.T) {
	e := testEngine(t)
	runEngine(t, e)

	snapshot := `{"version":"v1","created_at":1,"rules":[],"defaults":{"score_scale":1,"confidence_scale":1},"canary_percent":1}`
	req := httptest.NewRequest(http.MethodPost, "/policy/snapshot", strings.NewReader(snapshot))
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("publish status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/policy/version", nil)
	rec2 := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec2, req2)

	var resp map[string]string
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["version"] != "v1" {
		t.Errorf("version = %q, want v1", resp["version"])
	}
}

func TestPolicyRollbackRejectsUnknownVersion(t *testing.T) {
	e := testEngine(t)
	runEngine(t, e)

	req := httptest.NewRequest(http.MethodPost, "/policy/rollback", strings.NewReader(`{"version":"does-not-exist"}`))
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleFeedbackAccepted(t *testing.T) {
	e := testEngine(t)
	runEngine(t, e)

	req := httptest.NewRequest(http.MethodPost, "/feedback", strings.NewReader(
		`{"entity_hash":42,"was_true_positive":true,"confidence":0.9,"label_class":"attack_known"}`))
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d; body=%s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
}

func TestHandleStatsReportsShards(t *testing.T) {
	e := testEngine(t)
	runEngine(t, e)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)

	var s Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if len(s.Shards) != 1 {
		t.Fatalf("len(Shards) = %d, want 1", len(s.Shards))
	}
}

func TestHandleHealthReportsOKByDefault(t *testing.T) {
	e := testEngine(t)
	runEngine(t, e)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestCheckpointImportRejectedAfterWarmup(t *testing.T) {
	e := testEngine(t)
	runEngine(t, e)

	body := fmt.Sprintf(`{"u":"host-1","v":5.0,"t":%d}`, time.Now().UnixNano())
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	e.Handler().ServeHTTP(httptest.NewRecorder(), req)

	importReq := httptest.NewRequest(http.MethodPost, "/checkpoint/import", strings.NewReader("anything"))
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, importReq)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestExportImportBundleRoundTrip(t *testing.T) {
	e := testEngine(t)
	e.shards[0].Registry() // ensure registry exists

	p := e.shards[0].Registry().GetOrCreate(7)
	p.Update(3.0, 1000)

	blob, err := e.exportBundle()
	if err != nil {
		t.Fatalf("exportBundle: %v", err)
	}

	e2 := testEngine(t)
	if err := e2.importBundle(blob); err != nil {
		t.Fatalf("importBundle: %v", err)
	}
	if e2.shards[0].Registry().Len() != 1 {
		t.Errorf("expected the restored shard to hold 1 profile, got %d", e2.shards[0].Registry().Len())
	}
}
