// Package audit provides a canonical, chained SHA-256 hash over each
// decision a shard makes (every processed event, whether or not it
// emits an anomaly signal), letting a replay mechanically verify that
// restoring a checkpoint and replaying the same events downstream
// reproduces the exact same decision sequence.
//
// Each hash covers (policy_version, entity_hash, detector_scores,
// ensemble_score, confidence) — the inputs and outputs of one decision
// — plus the hash of the previous entry, forming a chain per shard. Two
// independent runs that produce the same chain made the same decisions
// in the same order from the same inputs.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nodewatch/gatekeeper/internal/detectors"
)

// Entry is one link in a shard's decision hash chain.
type Entry struct {
	Sequence      uint64  `json:"sequence"`
	Hash          string  `json:"hash"`
	ParentHash    string  `json:"parent_hash"`
	EntityHash    uint64  `json:"entity_hash"`
	EnsembleScore float64 `json:"ensemble_score"`
	Confidence    float64 `json:"confidence"`
}

// canonicalDecision is the deterministic JSON shape hashed for each
// decision. Field order in the struct tags is irrelevant to
// encoding/json (it marshals struct fields in declaration order, not
// map order), which is what makes this reproducible across runs.
type canonicalDecision struct {
	PolicyVersion  string           `json:"policy_version"`
	EntityHash     uint64           `json:"entity_hash"`
	DetectorScores detectors.Scores `json:"detector_scores"`
	EnsembleScore  string           `json:"ensemble_score"`
	Confidence     string           `json:"confidence"`
}

// Chain accumulates a sequence of hash-linked decision entries for one
// shard. The zero value is not usable; construct with NewChain.
type Chain struct {
	mu         sync.Mutex
	sequence   uint64
	lastHash   string
	entries    []Entry
	maxRetain  int
}

// NewChain constructs an empty chain. maxRetain bounds how many entries
// are kept in memory for inspection (via Entries); 0 retains no entries,
// so Entries returns an empty slice.
// The hash chain itself has no memory limit — only the retained log of
// entries does.
func NewChain(maxRetain int) *Chain {
	return &Chain{maxRetain: maxRetain}
}

// Record hashes one decision's inputs, links it to the chain's current
// head, and returns the resulting Entry. Safe for concurrent use,
// though in Gatekeeper's shard-per-goroutine design a single chain is
// only ever touched by its owning shard.
func (c *Chain) Record(policyVersion string, entityHash uint64, scores detectors.Scores, ensembleScore, confidence float64) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	canon := canonicalDecision{
		PolicyVersion:  policyVersion,
		EntityHash:     entityHash,
		DetectorScores: scores,
		EnsembleScore:  fmt.Sprintf("%.8f", ensembleScore),
		Confidence:     fmt.Sprintf("%.8f", confidence),
	}
	blob, err := json.Marshal(&canon)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal canonical decision: %w", err)
	}

	sum := sha256.Sum256(append(blob, []byte(c.lastHash)...))
	hash := hex.EncodeToString(sum[:])

	c.sequence++
	entry := Entry{
		Sequence:      c.sequence,
		Hash:          hash,
		ParentHash:    c.lastHash,
		EntityHash:    entityHash,
		EnsembleScore: ensembleScore,
		Confidence:    confidence,
	}
	c.lastHash = hash

	if c.maxRetain != 0 {
		c.entries = append(c.entries, entry)
		if len(c.entries) > c.maxRetain {
			c.entries = c.entries[len(c.entries)-c.maxRetain:]
		}
	}

	return entry, nil
}

// Head returns the hash of the most recently recorded entry, or "" if
// the chain is empty.
func (c *Chain) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash
}

// Sequence returns the number of entries recorded so far.
func (c *Chain) Sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// Entries returns a copy of the retained entry log, oldest first.
func (c *Chain) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Reset sets the chain's head and sequence to the given values and
// drops the retained entries, as happens when a shard
// restores from a checkpoint and needs to continue the chain from a
// known point rather than from genesis. Pass the checkpoint's last
// recorded hash and sequence number so the chain continues rather than
// restarts.
func (c *Chain) Reset(lastHash string, sequence uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHash = lastHash
	c.sequence = sequence
	c.entries = nil
}
