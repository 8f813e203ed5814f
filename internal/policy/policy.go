// Package policy implements the atomically-swapped, process-wide rule
// snapshot that lets an external correlation pipeline bias Tier-1
// scoring — suppress, boost, or adjust detector priors — without ever
// skipping a profile's state update.
//
// A snapshot is immutable once published. Readers load a pointer via
// an atomic.Value and see a fully-formed snapshot for the entire
// duration of one event's processing; the publisher never mutates a
// snapshot in place, only swaps the pointer.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"

	"github.com/nodewatch/gatekeeper/internal/detectors"
)

// rollbackRetention bounds how many previously published versions
// remain reachable by Rollback. The only hard requirement is that the
// active and immediately-prior versions stay reachable; retaining a
// small bounded history beyond that is a convenience, not a guarantee.
const rollbackRetention = 16

// Action identifies what a matched rule does to a decision.
type Action string

const (
	ActionSuppress    Action = "suppress"
	ActionBoost       Action = "boost"
	ActionAdjustPrior Action = "adjust_prior"
)

// DetectorPrior is a per-detector Beta posterior nudge applied once by
// adjust_prior, before the event's own feedback-driven update.
type DetectorPrior struct {
	DetectorID detectors.ID `json:"detector_id"`
	AlphaDelta float64      `json:"alpha_delta"`
	BetaDelta  float64      `json:"beta_delta"`
}

// Rule is one entry in a PolicySnapshot. EntityHashes and DetectorIDs
// are optional filters; an empty set plus Wildcard=true matches every
// event that reaches the wildcard list.
type Rule struct {
	PatternID     string          `json:"pattern_id"`
	Action        Action          `json:"action"`
	EntityHashes  []uint64        `json:"entity_hashes,omitempty"`
	DetectorIDs   []uint8         `json:"detector_ids,omitempty"`
	Wildcard      bool            `json:"wildcard,omitempty"`
	MinConfidence float64         `json:"min_confidence"`
	ScoreScale    float64         `json:"score_scale,omitempty"`
	ConfidenceScale float64       `json:"confidence_scale,omitempty"`
	DetectorPriors  []DetectorPrior `json:"detector_priors,omitempty"`
	TTLSec          int64         `json:"ttl_sec"`
}

// Defaults holds the snapshot-wide fallback scale factors applied when
// no rule overrides them.
type Defaults struct {
	ScoreScale      float64 `json:"score_scale"`
	ConfidenceScale float64 `json:"confidence_scale"`
}

// Snapshot is the full published rule set, immutable once built via
// Decode/Build. CanaryPercent in [0,1] controls what fraction of
// entities (by entity_hash mod 100) observe this snapshot versus
// FallbackVersion.
type Snapshot struct {
	Version        string   `json:"version"`
	CreatedAt       uint64  `json:"created_at"`
	Rules           []Rule  `json:"rules"`
	Defaults        Defaults `json:"defaults"`
	CanaryPercent   float64 `json:"canary_percent"`
	FallbackVersion string  `json:"fallback_version"`

	// byEntity, byDetector, and wildcards are built once at publish
	// time (see index()) so per-event lookup is O(1) amortized.
	byEntity   map[uint64][]int `json:"-"`
	byDetector map[uint8][]int  `json:"-"`
	wildcards  []int            `json:"-"`
}

// Checksum returns the SHA-256 hex digest of the snapshot's canonical
// JSON encoding, used for GET /policy/version and publish verification.
func (s *Snapshot) Checksum() string {
	canon, _ := json.Marshal(struct {
		Version         string   `json:"version"`
		CreatedAt       uint64   `json:"created_at"`
		Rules           []Rule   `json:"rules"`
		Defaults        Defaults `json:"defaults"`
		CanaryPercent   float64  `json:"canary_percent"`
		FallbackVersion string   `json:"fallback_version"`
	}{s.Version, s.CreatedAt, s.Rules, s.Defaults, s.CanaryPercent, s.FallbackVersion})
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// index builds the entity_hash, detector_id, and wildcard lookup
// tables over s.Rules. Called once, right after Decode, before the
// snapshot is published.
func (s *Snapshot) index() {
	s.byEntity = make(map[uint64][]int)
	s.byDetector = make(map[uint8][]int)
	s.wildcards = nil

	for i, r := range s.Rules {
		if r.Wildcard {
			s.wildcards = append(s.wildcards, i)
		}
		for _, h := range r.EntityHashes {
			s.byEntity[h] = append(s.byEntity[h], i)
		}
		for _, d := range r.DetectorIDs {
			s.byDetector[d] = append(s.byDetector[d], i)
		}
	}
}

// Decode parses a published snapshot blob (JSON, per SPEC_FULL.md §4.4)
// and builds its lookup indexes. The returned snapshot is ready to
// publish via Store.
func Decode(blob []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("policy.Decode: %w", err)
	}
	if s.Version == "" {
		return nil, fmt.Errorf("policy.Decode: missing version")
	}
	if s.CanaryPercent < 0 || s.CanaryPercent > 1 {
		return nil, fmt.Errorf("policy.Decode: canary_percent must be in [0,1], got %v", s.CanaryPercent)
	}
	s.index()
	return &s, nil
}

// InCanary reports whether entityHash is routed to this snapshot
// rather than FallbackVersion, per entity_hash mod 100 < canary_percent*100.
func (s *Snapshot) InCanary(entityHash uint64) bool {
	if s.CanaryPercent >= 1.0 {
		return true
	}
	if s.CanaryPercent <= 0 {
		return false
	}
	threshold := uint64(s.CanaryPercent * 100)
	return entityHash%100 < threshold
}

// Store is the process-wide atomically-swapped policy pointer. The
// zero value is usable and starts with no snapshot active (nil reads
// mean "no policy bias, use defaults").
type Store struct {
	current  atomic.Value // holds *Snapshot
	rollback *lru.Cache[string, *Snapshot]
}

// NewStore constructs an empty policy store.
func NewStore() *Store {
	c, _ := lru.New[string, *Snapshot](rollbackRetention) // error only on size <= 0
	return &Store{rollback: c}
}

// Publish atomically swaps the active snapshot to s and remembers it
// for later Rollback by version. lru.Cache is safe for concurrent use,
// since concurrent POST /policy/snapshot requests can call Publish from
// more than one HTTP handler goroutine at once.
func (st *Store) Publish(s *Snapshot) {
	st.current.Store(s)
	st.rollback.Add(s.Version, s)
}

// Current returns the currently active snapshot, or nil if none has
// ever been published.
func (st *Store) Current() *Snapshot {
	v := st.current.Load()
	if v == nil {
		return nil
	}
	return v.(*Snapshot)
}

// Rollback re-activates a previously published version. Returns an
// error if that version was never published (or was never retained —
// a shrinking history is acceptable since the only hard requirement is
// that active and immediately-prior versions remain reachable).
func (st *Store) Rollback(version string) error {
	s, ok := st.rollback.Get(version)
	if !ok {
		return fmt.Errorf("policy.Rollback: unknown version %q", version)
	}
	st.current.Store(s)
	return nil
}

// Match gathers every rule in s that applies to (entityHash, detectorID,
// confidence), already filtered by min_confidence, in the order they
// would be evaluated: entity-specific first, then detector-specific,
// then wildcard, de-duplicated by rule index. TTL filtering against the
// snapshot's own CreatedAt is the caller's responsibility (Apply does
// it) since "now" is not a Snapshot-owned concept.
func (s *Snapshot) match(entityHash uint64, detectorID detectors.ID, confidence float64) []Rule {
	if s == nil {
		return nil
	}
	seen := make(map[int]bool)
	var idxs []int
	for _, i := range s.byEntity[entityHash] {
		if !seen[i] {
			seen[i] = true
			idxs = append(idxs, i)
		}
	}
	for _, i := range s.byDetector[uint8(detectorID)] {
		if !seen[i] {
			seen[i] = true
			idxs = append(idxs, i)
		}
	}
	for _, i := range s.wildcards {
		if !seen[i] {
			seen[i] = true
			idxs = append(idxs, i)
		}
	}
	sort.Ints(idxs)

	var out []Rule
	for _, i := range idxs {
		r := s.Rules[i]
		if confidence < r.MinConfidence {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Outcome is the result of applying policy to one decision: whether the
// signal should be suppressed, and the (possibly rescaled) score and
// confidence plus any detector prior deltas to fold into the profile's
// ensemble state before the next event.
type Outcome struct {
	Suppress        bool
	ScoreScale      float64
	ConfidenceScale float64
	PatternID       string
	Priors          []DetectorPrior
}

// Apply evaluates policy for one event against the snapshot's matched
// rules, applying actions in the fixed priority order
// suppress > boost > adjust_prior > defaults, per SPEC_FULL.md §4.4.
// nowNS is used for TTL filtering (rule.TTLSec seconds past the
// snapshot's CreatedAt).
func Apply(s *Snapshot, entityHash uint64, primaryDetector detectors.ID, confidence float64, nowNS uint64) Outcome {
	out := Outcome{ScoreScale: 1.0, ConfidenceScale: 1.0}
	if s == nil {
		return out
	}
	out.ScoreScale = orDefault(s.Defaults.ScoreScale, 1.0)
	out.ConfidenceScale = orDefault(s.Defaults.ConfidenceScale, 1.0)

	rules := s.match(entityHash, primaryDetector, confidence)

	var suppressRule, boostRule *Rule
	for i := range rules {
		r := &rules[i]
		if ttlExpired(s.CreatedAt, nowNS, r.TTLSec) {
			continue
		}
		switch r.Action {
		case ActionSuppress:
			if suppressRule == nil {
				suppressRule = r
			}
		case ActionBoost:
			if boostRule == nil {
				boostRule = r
			}
		case ActionAdjustPrior:
			out.Priors = append(out.Priors, r.DetectorPriors...)
		default:
			// Unknown action: skip that rule, log at debug (caller's
			// responsibility — this package has no logger dependency).
		}
	}

	if suppressRule != nil {
		out.Suppress = true
		out.PatternID = suppressRule.PatternID
		return out
	}
	if boostRule != nil {
		out.ScoreScale = clamp01(orDefault(boostRule.ScoreScale, 1.0))
		out.ConfidenceScale = clamp01(orDefault(boostRule.ConfidenceScale, 1.0))
		out.PatternID = boostRule.PatternID
	}
	return out
}

func ttlExpired(createdAt, nowNS uint64, ttlSec int64) bool {
	if ttlSec <= 0 {
		return false
	}
	expiresNS := createdAt + uint64(ttlSec)*1_000_000_000
	return nowNS > expiresNS
}

func orDefault(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
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
