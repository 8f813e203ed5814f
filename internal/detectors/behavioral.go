package detectors

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

const hourBins = 24

// countMinSketch is a fixed-size [depth][width]uint16 approximate
// frequency table hashed with cespare/xxhash/v2 using a distinct seed
// per row. No ecosystem count-min package appears anywhere in the
// example corpus; xxhash itself is corpus-grounded (ariadne, tutu,
// prysm all depend on it).
type countMinSketch struct {
	depth, width int
	rows         [][]uint16
	seeds        []uint64
}

func newCountMinSketch(depth, width int) *countMinSketch {
	if depth < 1 {
		depth = 1
	}
	if width < 1 {
		width = 1
	}
	cms := &countMinSketch{depth: depth, width: width}
	cms.rows = make([][]uint16, depth)
	cms.seeds = make([]uint64, depth)
	for i := range cms.rows {
		cms.rows[i] = make([]uint16, width)
		cms.seeds[i] = uint64(i)*0x9E3779B97F4A7C15 + 1
	}
	return cms
}

func (c *countMinSketch) hash(seed uint64, key []byte) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	d := xxhash.New()
	d.Write(buf[:])
	d.Write(key)
	return d.Sum64()
}

func (c *countMinSketch) add(key []byte) {
	for i := 0; i < c.depth; i++ {
		idx := c.hash(c.seeds[i], key) % uint64(c.width)
		if c.rows[i][idx] < math.MaxUint16 {
			c.rows[i][idx]++
		}
	}
}

func (c *countMinSketch) estimate(key []byte) uint16 {
	min := uint16(math.MaxUint16)
	for i := 0; i < c.depth; i++ {
		idx := c.hash(c.seeds[i], key) % uint64(c.width)
		if c.rows[i][idx] < min {
			min = c.rows[i][idx]
		}
	}
	return min
}

func (c *countMinSketch) total() float64 {
	total := 0.0
	for _, v := range c.rows[0] {
		total += float64(v)
	}
	return total
}

// Behavioral implements the Behavioral Fingerprint detector: a per-entity
// profile of the normal hour-of-day distribution (24 fixed bins) plus a
// count-min sketch of service-of-origin frequency. The score is
// 1-exp(-KL) of the current hour bucket observation against the learned
// hour-of-day profile, in [0,1); the sketch is updated on every event
// but does not enter the score.
type Behavioral struct {
	hourCounts [hourBins]float64
	hourTotal  float64

	sketch *countMinSketch
}

// NewBehavioral creates a Behavioral Fingerprint detector with the
// given count-min sketch dimensions.
func NewBehavioral(cmDepth, cmWidth int) *Behavioral {
	return &Behavioral{sketch: newCountMinSketch(cmDepth, cmWidth)}
}

// Update folds an observation into the profile. value's integer part
// modulo 24 is treated as the hour-of-day bucket (callers upstream are
// expected to pre-derive this from the event timestamp and pass it as
// value, consistent with the detector framework's single-scalar Update
// signature); timestampNS additionally derives a service-of-origin
// fingerprint key via its low byte, giving a second observed dimension
// without requiring a richer Update signature.
func (b *Behavioral) Update(value float64, timestampNS uint64) float64 {
	hour := int(math.Mod(math.Abs(value), hourBins))

	var keyBuf [8]byte
	binary.LittleEndian.PutUint64(keyBuf[:], timestampNS&0xFF)
	b.sketch.add(keyBuf[:])

	if b.hourTotal < 1 {
		b.hourCounts[hour]++
		b.hourTotal++
		return 0
	}

	// Build the reference distribution P (learned profile, smoothed)
	// and the observed distribution Q (this event's one-hot bucket
	// smoothed by eps), then score KL(Q || P).
	const eps = 1e-6
	p := make([]float64, hourBins)
	for i, c := range b.hourCounts {
		p[i] = (c + eps) / (b.hourTotal + eps*hourBins)
	}

	q := make([]float64, hourBins)
	for i := range q {
		q[i] = eps / (1 + eps*hourBins)
	}
	q[hour] += 1.0 / (1 + eps*hourBins)

	kl := 0.0
	for i := range p {
		if q[i] > 0 && p[i] > 0 {
			kl += q[i] * math.Log(q[i]/p[i])
		}
	}

	b.hourCounts[hour]++
	b.hourTotal++

	score := 1 - math.Exp(-kl)
	return sanitize(score)
}

// Reset clears the learned behavioral profile, used when feedback
// labels an entity as a confirmed attack so its fingerprint starts
// fresh rather than continuing to treat attacker behavior as normal.
func (b *Behavioral) Reset() {
	for i := range b.hourCounts {
		b.hourCounts[i] = 0
	}
	b.hourTotal = 0
	b.sketch = newCountMinSketch(b.sketch.depth, b.sketch.width)
}

// BehavioralSnapshot is the checkpoint-exported state of a Behavioral detector.
type BehavioralSnapshot struct {
	HourCounts [hourBins]float64
	HourTotal  float64
	Depth      int
	Width      int
	Rows       [][]uint16
	Seeds      []uint64
}

// Snapshot exports the detector's state for checkpointing.
func (b *Behavioral) Snapshot() BehavioralSnapshot {
	rows := make([][]uint16, len(b.sketch.rows))
	for i, r := range b.sketch.rows {
		rows[i] = make([]uint16, len(r))
		copy(rows[i], r)
	}
	seeds := make([]uint64, len(b.sketch.seeds))
	copy(seeds, b.sketch.seeds)
	return BehavioralSnapshot{
		HourCounts: b.hourCounts, HourTotal: b.hourTotal,
		Depth: b.sketch.depth, Width: b.sketch.width, Rows: rows, Seeds: seeds,
	}
}

// Restore replaces the detector's state with a previously exported snapshot.
func (b *Behavioral) Restore(s BehavioralSnapshot) {
	b.hourCounts = s.HourCounts
	b.hourTotal = s.HourTotal
	b.sketch = &countMinSketch{depth: s.Depth, width: s.Width, rows: s.Rows, seeds: s.Seeds}
}
