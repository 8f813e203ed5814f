package ingest

import "testing"

func TestDecodeEventRejectsMissingUser(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"v": 1.0, "t": 1000}`))
	if err == nil {
		t.Error("expected error decoding event with no u field")
	}
}

func TestDecodeEventParsesValidBody(t *testing.T) {
	e, err := DecodeEvent([]byte(`{"u": "user-1", "v": 3.5, "t": 1000}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if e.U != "user-1" || e.V != 3.5 || e.T != 1000 {
		t.Errorf("decoded event = %+v, want u=user-1 v=3.5 t=1000", e)
	}
}

func TestDecodeBatchRejectsOversizedBatch(t *testing.T) {
	body := []byte(`[]`)
	var big []byte
	big = append(big, '['...)
	for i := 0; i < maxBatchEvents+1; i++ {
		if i > 0 {
			big = append(big, ','...)
		}
		big = append(big, []byte(`{"u":"a","v":1,"t":1}`)...)
	}
	big = append(big, ']')
	_, err := DecodeBatch(big)
	if err == nil {
		t.Error("expected error decoding a batch over the max event count")
	}
	_, err2 := DecodeBatch(body)
	if err2 != nil {
		t.Errorf("expected empty batch to decode cleanly, got %v", err2)
	}
}

func TestEventSeverityDefaultsToNoneWhenOmitted(t *testing.T) {
	e, err := DecodeEvent([]byte(`{"u": "user-1", "v": 3.5, "t": 1000}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if e.Severity() != SeverityNone {
		t.Errorf("Severity() = %q, want %q for an event with no s field", e.Severity(), SeverityNone)
	}
}

func TestEventSeverityPassesThroughWhenPresent(t *testing.T) {
	e, err := DecodeEvent([]byte(`{"u": "user-1", "v": 3.5, "t": 1000, "s": "Critical"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if e.Severity() != SeverityCritical {
		t.Errorf("Severity() = %q, want %q", e.Severity(), SeverityCritical)
	}
}

func TestHashEntityIsDeterministic(t *testing.T) {
	h1 := HashEntity("user-1")
	h2 := HashEntity("user-1")
	if h1 != h2 {
		t.Error("expected HashEntity to be deterministic for the same input")
	}
	if HashEntity("user-1") == HashEntity("user-2") {
		t.Error("expected different entity ids to hash differently (collision improbable in this test)")
	}
}

func TestShardForIsWithinBounds(t *testing.T) {
	for _, h := range []uint64{0, 1, 255, 1 << 40} {
		s := ShardFor(h, 8)
		if s < 0 || s >= 8 {
			t.Errorf("ShardFor(%d, 8) = %d, out of [0,8)", h, s)
		}
	}
}

func TestRouterRouteDropsOnSkew(t *testing.T) {
	r := NewRouter(2, 4, 4, 1000) // 1000ns skew window
	reason := r.Route(Event{U: "u1", V: 1, T: 0}, 1_000_000_000)
	if reason != DropSkew {
		t.Errorf("expected DropSkew for an event far outside the skew window, got %q", reason)
	}
}

func TestRouterRouteAcceptsWithinSkew(t *testing.T) {
	r := NewRouter(2, 4, 4, 1_000_000_000) // 1s skew window
	reason := r.Route(Event{U: "u1", V: 1, T: 1000}, 1000)
	if reason != "" {
		t.Errorf("expected no drop for on-time event, got %q", reason)
	}
	h := HashEntity("u1")
	shard := ShardFor(h, 2)
	if r.QueueDepth(shard) != 1 {
		t.Errorf("expected routed event to land in shard %d's queue", shard)
	}
}

func TestRouterRouteDropsShardWhenChannelFull(t *testing.T) {
	r := NewRouter(1, 1, 1, 1_000_000_000)
	r.Route(Event{U: "u1", V: 1, T: 1000}, 1000)
	reason := r.Route(Event{U: "u1", V: 1, T: 1000}, 1000)
	if reason != DropShard {
		t.Errorf("expected DropShard when the single-slot channel is already full, got %q", reason)
	}
}

func TestRouteFeedbackGoesToEntityHashModN(t *testing.T) {
	r := NewRouter(4, 4, 4, 1_000_000_000)
	f := FeedbackEvent{EntityHash: 7}
	reason := r.RouteFeedback(f)
	if reason != "" {
		t.Fatalf("unexpected drop reason: %q", reason)
	}
	if r.FeedbackQueueDepth(7%4) != 1 {
		t.Error("expected feedback routed to shard entity_hash mod N")
	}
}
