package detectors

import "math"

// adwinBucket is one exponential-histogram bucket in the simplified
// ADWIN implementation below: a run of observations compressed to a
// sum/count pair when compress merges it with its neighbour.
type adwinBucket struct {
	Sum   float64
	Count int
}

// Drift implements the Drift detector: a simplified ADWIN (adaptive
// windowing via an exponential histogram of bucketed sums) run in
// parallel with a Page-Hinkley test over the same error series, firing
// on sustained mean shift. The reported score is the larger of the two
// detectors' internal alarm statistics, clipped to [0,1].
//
// This is a bounded-memory approximation of full ADWIN (which is
// itself bounded but with a larger constant): the bucket list is capped
// at 4*maxBuckets entries and the two oldest buckets are merged whenever
// that cap is exceeded, so memory stays constant however many
// observations are seen.
type Drift struct {
	delta float64

	buckets    []adwinBucket
	maxBuckets int
	total      float64
	count      int

	// Page-Hinkley state.
	phLambda float64
	phDelta  float64
	phMean   float64
	phSum    float64
	phMin    float64
	phN      int
}

// NewDrift creates a Drift detector with the given ADWIN confidence
// delta and Page-Hinkley delta/lambda.
func NewDrift(adwinDelta, pageHinkleyDelta, pageHinkleyLambda float64) *Drift {
	return &Drift{
		delta:      adwinDelta,
		maxBuckets: 5,
		phLambda:   pageHinkleyLambda,
		phDelta:    pageHinkleyDelta,
	}
}

// Update folds value into both sub-detectors and returns the Drift score.
func (d *Drift) Update(value float64, _ uint64) float64 {
	adwinScore := d.updateADWIN(value)
	phScore := d.updatePageHinkley(value)
	return sanitize(math.Max(adwinScore, phScore))
}

func (d *Drift) updateADWIN(value float64) float64 {
	d.buckets = append(d.buckets, adwinBucket{Sum: value, Count: 1})
	d.total += value
	d.count++
	d.compress()

	if len(d.buckets) < 2 {
		return 0
	}

	// Try every cut point; if any split shows a mean difference exceeding
	// the ADWIN bound, report the largest normalized difference found and
	// drop the older (pre-cut) buckets, as ADWIN would shrink the window.
	bestScore := 0.0
	cutAt := -1
	prefixSum, prefixCount := 0.0, 0
	for i := 0; i < len(d.buckets)-1; i++ {
		prefixSum += d.buckets[i].Sum
		prefixCount += d.buckets[i].Count
		n0 := prefixCount
		n1 := d.count - n0
		if n0 == 0 || n1 == 0 {
			continue
		}
		mean0 := prefixSum / float64(n0)
		mean1 := (d.total - prefixSum) / float64(n1)
		diff := math.Abs(mean0 - mean1)

		m := 1.0 / (1.0/float64(n0) + 1.0/float64(n1))
		bound := math.Sqrt(2.0 / m * math.Log(2.0/d.delta))

		score := safeDiv(diff, bound+1e-9)
		if score > bestScore {
			bestScore = score
			if diff > bound {
				cutAt = i
			}
		}
	}

	if cutAt >= 0 {
		dropped := d.buckets[:cutAt+1]
		for _, b := range dropped {
			d.total -= b.Sum
			d.count -= b.Count
		}
		d.buckets = append(d.buckets[:0], d.buckets[cutAt+1:]...)
	}

	return math.Min(1.0, bestScore)
}

// compress merges the two oldest buckets, in place, until at most
// 4*maxBuckets buckets remain, bounding the histogram's memory.
func (d *Drift) compress() {
	for len(d.buckets) > d.maxBuckets*4 {
		// Merge the two oldest buckets into one.
		merged := adwinBucket{
			Sum:   d.buckets[0].Sum + d.buckets[1].Sum,
			Count: d.buckets[0].Count + d.buckets[1].Count,
		}
		d.buckets[1] = merged
		d.buckets = append(d.buckets[:0], d.buckets[1:]...)
	}
}

func (d *Drift) updatePageHinkley(value float64) float64 {
	d.phN++
	if d.phN == 1 {
		d.phMean = value
		d.phSum = 0
		d.phMin = 0
		return 0
	}
	d.phMean += (value - d.phMean) / float64(d.phN)
	d.phSum += value - d.phMean - d.phDelta
	if d.phSum < d.phMin {
		d.phMin = d.phSum
	}
	alarm := d.phSum - d.phMin
	return math.Min(1.0, safeDiv(alarm, d.phLambda))
}

// DriftSnapshot is the checkpoint-exported state of a Drift detector.
type DriftSnapshot struct {
	Buckets []adwinBucket
	Total   float64
	Count   int
	PHMean  float64
	PHSum   float64
	PHMin   float64
	PHN     int
}

// Snapshot exports the detector's state for checkpointing.
func (d *Drift) Snapshot() DriftSnapshot {
	buckets := make([]adwinBucket, len(d.buckets))
	copy(buckets, d.buckets)
	return DriftSnapshot{
		Buckets: buckets, Total: d.total, Count: d.count,
		PHMean: d.phMean, PHSum: d.phSum, PHMin: d.phMin, PHN: d.phN,
	}
}

// Restore replaces the detector's state with a previously exported snapshot.
func (d *Drift) Restore(s DriftSnapshot) {
	d.buckets = append([]adwinBucket{}, s.Buckets...)
	d.total = s.Total
	d.count = s.Count
	d.phMean = s.PHMean
	d.phSum = s.PHSum
	d.phMin = s.PHMin
	d.phN = s.PHN
}
