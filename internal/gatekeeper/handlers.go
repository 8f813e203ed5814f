package gatekeeper

import (
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/nodewatch/gatekeeper/internal/ingest"
	"github.com/nodewatch/gatekeeper/internal/policy"
)

const maxIngestBodyBytes = 4 << 20 // 4 MiB, generous for a 10k-event batch

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := sonic.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxIngestBodyBytes))
}

// handleIngest accepts POST /ingest body {u,v,t,s?}.
func (e *Engine) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	ev, err := ingest.DecodeEvent(body)
	if err != nil {
		e.countDrop(ingest.DropParse)
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}

	e.markWarm()
	e.admitOne(w, ev)
}

// handleIngestBatch accepts POST /ingest/batch body [{u,v,t,s?}, ...],
// length <= ingest.batch_max_events.
func (e *Engine) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	events, err := ingest.DecodeBatch(body)
	if err != nil {
		e.countDrop(ingest.DropParse)
		writeError(w, http.StatusBadRequest, "malformed batch")
		return
	}
	if len(events) > e.cfg.Ingest.BatchMaxEvents {
		writeError(w, http.StatusBadRequest, "batch exceeds ingest.batch_max_events")
		return
	}

	e.markWarm()
	nowNS := uint64(time.Now().UnixNano())
	accepted := 0
	for _, ev := range events {
		if !e.limiter.Allow(ev.Severity()) {
			e.countDrop(ingest.DropIngest)
			continue
		}
		if reason := e.router.Route(ev, nowNS); reason == "" {
			accepted++
			if e.metrics != nil {
				e.metrics.EventsIngestedTotal.Inc()
			}
		} else if e.metrics != nil {
			e.metrics.EventsDroppedTotal.WithLabelValues(string(reason)).Inc()
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func (e *Engine) admitOne(w http.ResponseWriter, ev ingest.Event) {
	if !e.limiter.Allow(ev.Severity()) {
		e.countDrop(ingest.DropIngest)
		writeError(w, http.StatusTooManyRequests, string(ingest.DropIngest))
		return
	}
	nowNS := uint64(time.Now().UnixNano())
	reason := e.router.Route(ev, nowNS)
	if reason != "" {
		e.countDrop(reason)
		writeError(w, http.StatusTooManyRequests, string(reason))
		return
	}
	if e.metrics != nil {
		e.metrics.EventsIngestedTotal.Inc()
	}
	w.WriteHeader(http.StatusAccepted)
}

func (e *Engine) countDrop(reason ingest.DropReason) {
	if e.metrics != nil {
		e.metrics.EventsDroppedTotal.WithLabelValues(string(reason)).Inc()
	}
}

// handleFeedback accepts POST /feedback body = FeedbackEvent JSON.
func (e *Engine) handleFeedback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	fb, err := ingest.DecodeFeedback(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed feedback event")
		return
	}
	if reason := e.router.RouteFeedback(fb); reason != "" {
		e.countDrop(reason)
		writeError(w, http.StatusTooManyRequests, string(reason))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handlePolicySnapshot accepts POST /policy/snapshot body = opaque
// PolicySnapshot wire blob (JSON).
func (e *Engine) handlePolicySnapshot(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	snap, err := policy.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy snapshot: "+err.Error())
		return
	}
	e.policy.Publish(snap)
	if err := e.db.PutActivePolicy(body); err != nil {
		e.log.Warn("failed to persist active policy snapshot", zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.PolicyPublishesTotal.Inc()
		e.metrics.PolicyVersion.Reset()
		e.metrics.PolicyVersion.WithLabelValues(snap.Version).Set(1)
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": snap.Version})
}

// handlePolicyVersion serves GET /policy/version.
func (e *Engine) handlePolicyVersion(w http.ResponseWriter, r *http.Request) {
	snap := e.policy.Current()
	if snap == nil {
		writeJSON(w, http.StatusOK, map[string]string{"version": "", "checksum": ""})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": snap.Version, "checksum": snap.Checksum()})
}

// handlePolicyRollback accepts POST /policy/rollback body {version}.
func (e *Engine) handlePolicyRollback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var req struct {
		Version string `json:"version"`
	}
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed rollback request")
		return
	}
	if err := e.policy.Rollback(req.Version); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleCheckpointExport serves GET /checkpoint/export: a streaming
// binary blob covering every shard's current state.
func (e *Engine) handleCheckpointExport(w http.ResponseWriter, r *http.Request) {
	blob, err := e.exportBundle()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

// handleCheckpointImport accepts POST /checkpoint/import body = binary
// blob. Only valid at startup, before the engine has observed traffic;
// rejected with 409 afterward.
func (e *Engine) handleCheckpointImport(w http.ResponseWriter, r *http.Request) {
	if e.isWarm() {
		writeError(w, http.StatusConflict, "checkpoint import is only valid before the engine begins consuming events")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 256<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if err := e.importBundle(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleStats serves GET /stats.
func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.stats())
}

// handleHealth serves GET /health: 200 if every shard is healthy, 503
// if any shard's detector bank has panicked repeatedly.
func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, sh := range e.shards {
		if !sh.Healthy() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
