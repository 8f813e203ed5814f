package detectors

import "math"

// Spectral implements the Spectral Residual detector: a sliding window
// of recent values, periodically transformed via a hand-rolled
// iterative radix-2 Cooley-Tukey FFT into the log-amplitude spectrum,
// whose residual (log amplitude minus its local average) measures
// saliency. Between full transforms (every refreshEvery events) the
// previous score is reused, amortizing the O(n log n) FFT cost
// to O(log n) per event.
type Spectral struct {
	window       []float64
	head         int
	filled       bool
	size         int
	refreshEvery int
	sinceRefresh int

	residualMean float64
	lastScore    float64

	twiddleRe []float64
	twiddleIm []float64

	// re, im, and logAmp are scratch buffers reused across refreshes so
	// the periodic full-FFT recompute never allocates.
	re     []float64
	im     []float64
	logAmp []float64
}

// NewSpectral creates a Spectral detector with the given window size
// (must be a power of two, clamped to [16,256]) and refresh cadence.
func NewSpectral(windowSize, refreshEvery int) *Spectral {
	n := nextPow2(windowSize)
	if n < 16 {
		n = 16
	}
	if n > 256 {
		n = 256
	}
	if refreshEvery < 1 {
		refreshEvery = 1
	}
	s := &Spectral{
		window:       make([]float64, n),
		size:         n,
		refreshEvery: refreshEvery,
		re:           make([]float64, n),
		im:           make([]float64, n),
		logAmp:       make([]float64, n),
	}
	s.precomputeTwiddles()
	return s
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *Spectral) precomputeTwiddles() {
	n := s.size
	s.twiddleRe = make([]float64, n/2)
	s.twiddleIm = make([]float64, n/2)
	for k := 0; k < n/2; k++ {
		theta := -2 * math.Pi * float64(k) / float64(n)
		s.twiddleRe[k] = math.Cos(theta)
		s.twiddleIm[k] = math.Sin(theta)
	}
}

// Update folds value into the sliding window and returns the Spectral
// Residual score, recomputing the full FFT only every refreshEvery calls.
func (s *Spectral) Update(value float64, _ uint64) float64 {
	s.window[s.head] = value
	s.head = (s.head + 1) % s.size
	if s.head == 0 {
		s.filled = true
	}
	if !s.filled {
		return 0
	}

	s.sinceRefresh++
	if s.sinceRefresh < s.refreshEvery {
		return sanitize(s.lastScore)
	}
	s.sinceRefresh = 0

	re, im, logAmp := s.re, s.im, s.logAmp
	for i := 0; i < s.size; i++ {
		re[i] = s.window[(s.head+i)%s.size]
		im[i] = 0
	}
	s.fft(re, im)

	sum := 0.0
	for i, r := range re {
		amp := math.Hypot(r, im[i])
		if amp <= 0 {
			amp = 1e-12
		}
		logAmp[i] = math.Log(amp)
		sum += logAmp[i]
	}
	avgLogAmp := sum / float64(s.size)

	residualSum := 0.0
	maxResidual := 0.0
	for _, la := range logAmp {
		r := math.Abs(la - avgLogAmp)
		residualSum += r
		if r > maxResidual {
			maxResidual = r
		}
	}
	meanResidual := residualSum / float64(s.size)
	s.residualMean = meanResidual

	score := sanitize(safeDiv(maxResidual, 3*meanResidual+1e-9))
	s.lastScore = score
	return score
}

// fft computes an in-place radix-2 Cooley-Tukey FFT of re+i*im using the
// precomputed twiddle table. len(re) == len(im) == s.size, a power of two.
func (s *Spectral) fft(re, im []float64) {
	n := len(re)

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		step := n / size
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				tRe := s.twiddleRe[k*step]
				tIm := s.twiddleIm[k*step]
				aIdx := start + k
				bIdx := start + k + half

				bRe := re[bIdx]*tRe - im[bIdx]*tIm
				bIm := re[bIdx]*tIm + im[bIdx]*tRe

				re[bIdx] = re[aIdx] - bRe
				im[bIdx] = im[aIdx] - bIm
				re[aIdx] = re[aIdx] + bRe
				im[aIdx] = im[aIdx] + bIm
			}
		}
	}
}

// SpectralSnapshot is the checkpoint-exported state of a Spectral detector.
// The twiddle-factor table is not included: it is a pure function of
// window size and is recomputed on restore.
type SpectralSnapshot struct {
	Window       []float64
	Head         int
	Filled       bool
	SinceRefresh int
	ResidualMean float64
	LastScore    float64
}

// Snapshot exports the detector's state for checkpointing.
func (s *Spectral) Snapshot() SpectralSnapshot {
	w := make([]float64, len(s.window))
	copy(w, s.window)
	return SpectralSnapshot{
		Window: w, Head: s.head, Filled: s.filled, SinceRefresh: s.sinceRefresh,
		ResidualMean: s.residualMean, LastScore: s.lastScore,
	}
}

// Restore replaces the detector's state with a previously exported snapshot.
func (s *Spectral) Restore(snap SpectralSnapshot) {
	copy(s.window, snap.Window)
	s.head = snap.Head
	s.filled = snap.Filled
	s.sinceRefresh = snap.SinceRefresh
	s.residualMean = snap.ResidualMean
	s.lastScore = snap.LastScore
}
