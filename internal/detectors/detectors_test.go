package detectors

import (
	"math"
	"testing"
)

func TestSanitizeClampsNaNAndInf(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{math.NaN(), 0},
		{math.Inf(1), 0},
		{math.Inf(-1), 0},
		{-0.5, 0},
		{1.5, 1},
		{0.42, 0.42},
	}
	for _, c := range cases {
		if got := sanitize(c.in); got != c.want {
			t.Errorf("sanitize(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestP2EstimatorConvergesOnConstant(t *testing.T) {
	e := NewP2Estimator(0.95)
	for i := 0; i < 1000; i++ {
		e.Observe(5.0)
	}
	if q := e.Quantile(); math.Abs(q-5.0) > 1e-6 {
		t.Errorf("expected quantile to converge to 5.0, got %v", q)
	}
}

func TestP2EstimatorApproximatesPercentile(t *testing.T) {
	e := NewP2Estimator(0.5)
	for i := 1; i <= 1001; i++ {
		e.Observe(float64(i))
	}
	median := e.Quantile()
	if median < 400 || median > 600 {
		t.Errorf("expected median near 500 for 1..1001, got %v", median)
	}
}

func allDetectorsScoreInRange(t *testing.T, name string, update func(v float64, ts uint64) float64) {
	t.Helper()
	ts := uint64(0)
	for i := 0; i < 200; i++ {
		v := math.Sin(float64(i)) * 10
		ts += uint64(20_000_000) // 20ms apart
		score := update(v, ts)
		if score < 0 || score > 1 {
			t.Fatalf("%s: score %v out of [0,1] at step %d", name, score, i)
		}
		if math.IsNaN(score) || math.IsInf(score, 0) {
			t.Fatalf("%s: score is NaN/Inf at step %d", name, i)
		}
	}
}

func TestDetectorsScoreWithinUnitInterval(t *testing.T) {
	hw := NewHoltWinters(0.3, 0.1, 0.1, 24)
	allDetectorsScoreInRange(t, "holt_winters", hw.Update)

	hist := NewFadingHistogram(32, 0, 1000, 5e9)
	allDetectorsScoreInRange(t, "histogram", hist.Update)

	card := NewCardinality(12, 0.2)
	allDetectorsScoreInRange(t, "cardinality", card.Update)

	burst := NewBurst(0.2, 3.0, 0.5, 5.0)
	allDetectorsScoreInRange(t, "burst", burst.Update)

	spec := NewSpectral(64, 5)
	allDetectorsScoreInRange(t, "spectral", spec.Update)

	cp := NewChangePoint(0.5, 5.0, true, 2.5)
	allDetectorsScoreInRange(t, "change_point", cp.Update)

	drift := NewDrift(0.002, 0.005, 50)
	allDetectorsScoreInRange(t, "drift", drift.Update)

	ms := NewMultiScale(0.5, 0.05, 0.001, 2.0)
	allDetectorsScoreInRange(t, "multi_scale", ms.Update)

	beh := NewBehavioral(4, 256)
	allDetectorsScoreInRange(t, "behavioral", beh.Update)

	rrcf := NewRRCF(16, 128, 0xdeadbeef)
	allDetectorsScoreInRange(t, "rrcf", rrcf.Update)
}

func TestRRCFDeterministicGivenSameSeed(t *testing.T) {
	a := NewRRCF(8, 32, 0x1234)
	b := NewRRCF(8, 32, 0x1234)

	for i := 0; i < 100; i++ {
		v := float64(i%10) * 1.5
		sa := a.Update(v, uint64(i))
		sb := b.Update(v, uint64(i))
		if sa != sb {
			t.Fatalf("RRCF with identical seed diverged at step %d: %v != %v", i, sa, sb)
		}
	}
}

func TestRRCFDiffersAcrossSeeds(t *testing.T) {
	a := NewRRCF(8, 32, 0x1111)
	b := NewRRCF(8, 32, 0x2222)

	diverged := false
	for i := 0; i < 200; i++ {
		v := float64(i%7) * 2.5
		sa := a.Update(v, uint64(i))
		sb := b.Update(v, uint64(i))
		if sa != sb {
			diverged = true
			break
		}
	}
	if !diverged {
		t.Error("expected RRCF trees seeded from different entity hashes to diverge eventually")
	}
}

func TestBurstScoreRisesUnderSustainedRateIncrease(t *testing.T) {
	b := NewBurst(0.2, 3.0, 0.5, 5.0)
	ts := uint64(0)
	// Baseline at 1 event/sec.
	for i := 0; i < 30; i++ {
		ts += 1_000_000_000
		b.Update(0, ts)
	}
	early := b.Update(0, ts+1_000_000_000)
	ts += 1_000_000_000

	// Burst: events arrive every 1ms.
	var late float64
	for i := 0; i < 50; i++ {
		ts += 1_000_000
		late = b.Update(0, ts)
	}
	if late <= early {
		t.Errorf("expected burst score to rise once IAT collapses, early=%v late=%v", early, late)
	}
}

func TestCardinalityObserveIncreasesEstimate(t *testing.T) {
	c := NewCardinality(12, 0.2)
	for i := 0; i < 1000; i++ {
		var buf [8]byte
		for j := range buf {
			buf[j] = byte(i >> (8 * (j % 8)))
		}
		c.Observe(buf[:])
	}
	est := c.estimate()
	if est < 500 || est > 2000 {
		t.Errorf("expected HLL estimate roughly near 1000 distinct ids, got %v", est)
	}
}
