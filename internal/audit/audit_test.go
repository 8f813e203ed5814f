package audit

import (
	"testing"

	"github.com/nodewatch/gatekeeper/internal/detectors"
)

func TestRecordLinksParentHash(t *testing.T) {
	c := NewChain(10)

	first, err := c.Record("v1", 42, detectors.Scores{}, 0.5, 0.9)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if first.ParentHash != "" {
		t.Errorf("genesis entry ParentHash = %q, want empty", first.ParentHash)
	}

	second, err := c.Record("v1", 43, detectors.Scores{}, 0.6, 0.8)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if second.ParentHash != first.Hash {
		t.Errorf("second.ParentHash = %q, want %q", second.ParentHash, first.Hash)
	}
	if second.Sequence != 2 {
		t.Errorf("second.Sequence = %d, want 2", second.Sequence)
	}
}

func TestRecordIsDeterministic(t *testing.T) {
	scores := detectors.Scores{0.1, 0.2, 0.3}

	a := NewChain(0)
	b := NewChain(0)

	ea, err := a.Record("v1", 7, scores, 0.42, 0.9)
	if err != nil {
		t.Fatalf("Record a: %v", err)
	}
	eb, err := b.Record("v1", 7, scores, 0.42, 0.9)
	if err != nil {
		t.Fatalf("Record b: %v", err)
	}

	if ea.Hash != eb.Hash {
		t.Errorf("identical inputs produced different hashes: %q vs %q", ea.Hash, eb.Hash)
	}
}

func TestRecordDiffersOnAnyInputChange(t *testing.T) {
	c1 := NewChain(0)
	c2 := NewChain(0)

	e1, _ := c1.Record("v1", 7, detectors.Scores{0.1}, 0.5, 0.9)
	e2, _ := c2.Record("v1", 7, detectors.Scores{0.2}, 0.5, 0.9)

	if e1.Hash == e2.Hash {
		t.Error("expected different detector scores to produce different hashes")
	}
}

func TestReplayReproducesIdenticalChain(t *testing.T) {
	scores1 := detectors.Scores{0.1, 0.4}
	scores2 := detectors.Scores{0.9, 0.05}

	run := func() []Entry {
		c := NewChain(10)
		c.Record("v1", 1, scores1, 0.3, 0.7)
		c.Record("v1", 2, scores2, 0.8, 0.6)
		return c.Entries()
	}

	a := run()
	b := run()

	if len(a) != len(b) {
		t.Fatalf("chain lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Hash != b[i].Hash || a[i].ParentHash != b[i].ParentHash {
			t.Errorf("entry %d diverged: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestEntriesRespectsMaxRetain(t *testing.T) {
	c := NewChain(2)
	c.Record("v1", 1, detectors.Scores{}, 0.1, 0.1)
	c.Record("v1", 2, detectors.Scores{}, 0.2, 0.2)
	c.Record("v1", 3, detectors.Scores{}, 0.3, 0.3)

	entries := c.Entries()
	if len(entries) != 2 {
		t.Fatalf("len(Entries()) = %d, want 2", len(entries))
	}
	if entries[0].EntityHash != 2 || entries[1].EntityHash != 3 {
		t.Errorf("expected the oldest entry to be evicted, got %+v", entries)
	}
}

func TestResetContinuesFromGivenHead(t *testing.T) {
	c := NewChain(10)
	c.Reset("restored-hash", 9000)

	if c.Head() != "restored-hash" {
		t.Errorf("Head() = %q, want %q", c.Head(), "restored-hash")
	}
	if c.Sequence() != 9000 {
		t.Errorf("Sequence() = %d, want 9000", c.Sequence())
	}

	next, err := c.Record("v1", 1, detectors.Scores{}, 0.1, 0.1)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if next.ParentHash != "restored-hash" {
		t.Errorf("ParentHash = %q, want %q", next.ParentHash, "restored-hash")
	}
	if next.Sequence != 9001 {
		t.Errorf("Sequence = %d, want 9001", next.Sequence)
	}
}
