package registry

import (
	"testing"

	"github.com/nodewatch/gatekeeper/internal/config"
	"github.com/nodewatch/gatekeeper/internal/profile"
)

func testCfgs() (*config.DetectorsConfig, *config.EnsembleConfig) {
	cfg := config.Defaults()
	return &cfg.Detectors, &cfg.Ensemble
}

func TestGetOrCreateReturnsSameProfileOnRepeatedAccess(t *testing.T) {
	det, ens := testCfgs()
	r := New(4, det, ens)
	p1 := r.GetOrCreate(1)
	p2 := r.GetOrCreate(1)
	if p1 != p2 {
		t.Error("expected GetOrCreate to return the same profile instance for the same entity hash")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestGetOrCreateGrowsUpToCapacity(t *testing.T) {
	det, ens := testCfgs()
	r := New(4, det, ens)
	for i := uint64(0); i < 4; i++ {
		r.GetOrCreate(i)
	}
	if r.Len() != 4 {
		t.Errorf("len = %d, want 4", r.Len())
	}
	if r.Evictions() != 0 {
		t.Errorf("expected no evictions while under capacity, got %d", r.Evictions())
	}
}

func TestGetOrCreateEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	det, ens := testCfgs()
	r := New(3, det, ens)
	r.GetOrCreate(1)
	r.GetOrCreate(2)
	r.GetOrCreate(3)
	// Touch 1 so 2 becomes the least-recently-used.
	r.Touch(1)
	r.GetOrCreate(4)

	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	if r.Evictions() != 1 {
		t.Fatalf("evictions = %d, want 1", r.Evictions())
	}

	// Entity 2 should have been evicted; a fresh GetOrCreate(2) must
	// create a brand new profile (event_count resets to 0).
	p2 := r.GetOrCreate(2)
	if p2.EventCount != 0 {
		t.Error("expected entity 2 to have been evicted and recreated fresh")
	}
}

func TestExpireIdleRemovesStaleEntriesOnly(t *testing.T) {
	det, ens := testCfgs()
	r := New(10, det, ens)
	p1 := r.GetOrCreate(1)
	p1.LastSeenNS = 1000
	p2 := r.GetOrCreate(2)
	p2.LastSeenNS = 1_000_000_000

	evicted := r.ExpireIdle(1_000_000_000, 500_000_000)
	if evicted != 1 {
		t.Fatalf("expected 1 entity expired, got %d", evicted)
	}
	if r.Len() != 1 {
		t.Fatalf("len after expiry = %d, want 1", r.Len())
	}
}

func TestForEachVisitsEveryProfile(t *testing.T) {
	det, ens := testCfgs()
	r := New(10, det, ens)
	for i := uint64(0); i < 5; i++ {
		r.GetOrCreate(i)
	}
	seen := make(map[uint64]bool)
	r.ForEach(func(p *profile.Profile) {
		seen[p.EntityHash] = true
	})
	if len(seen) != 5 {
		t.Errorf("ForEach visited %d profiles, want 5", len(seen))
	}
}
