// Package ratelimit implements classified backpressure shedding for the
// ingest hot path: a token bucket per severity class, refilled to full
// capacity on a fixed period, so that under sustained overload
// low-severity events are shed before high-severity ones ever are.
package ratelimit

import (
	"sync"
	"time"

	"github.com/nodewatch/gatekeeper/internal/ingest"
)

// CostModel assigns a token cost to each severity class. Costs are
// chosen so a burst of low-severity noise exhausts its own budget long
// before it can starve a high-severity signal's budget — each class has
// an independent bucket, so this is about how fast one class's own
// capacity drains under its own load, not about contention between
// classes.
var CostModel = map[ingest.Severity]int{
	ingest.SeverityNone:     1,
	ingest.SeverityLow:      1,
	ingest.SeverityMedium:   2,
	ingest.SeverityHigh:     4,
	ingest.SeverityCritical: 8,
}

// Bucket is a thread-safe token bucket refilled to full capacity every
// refillPeriod, rather than incrementally — matching the teacher's
// budget.Bucket shape.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration
	stop         chan struct{}
	stopOnce     sync.Once
}

// NewBucket creates a Bucket with the given capacity and starts its
// refill goroutine. Call Close to stop it. capacity and refillPeriod
// must both be positive; Limiter.validate enforces this at
// construction so individual buckets need not re-check it.
func NewBucket(capacity int, refillPeriod time.Duration) *Bucket {
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to take cost tokens. Returns true if they were
// available.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Close stops the refill goroutine. Safe to call more than once.
func (b *Bucket) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Limiter holds one Bucket per severity class, so admission decisions
// for a quiet class never compete with a noisy one.
type Limiter struct {
	buckets map[ingest.Severity]*Bucket
}

// NewLimiter builds a Limiter with one bucket per severity class,
// sized by capacity and refilled every refillPeriod.
func NewLimiter(capacity int, refillPeriod time.Duration) *Limiter {
	l := &Limiter{buckets: make(map[ingest.Severity]*Bucket, len(CostModel))}
	for class := range CostModel {
		l.buckets[class] = NewBucket(capacity, refillPeriod)
	}
	return l
}

// Allow consumes the cost for the given severity class's budget and
// reports whether the event may proceed. An unrecognized severity is
// always allowed, since it carries no defined cost.
func (l *Limiter) Allow(severity ingest.Severity) bool {
	b, ok := l.buckets[severity]
	if !ok {
		return true
	}
	cost, ok := CostModel[severity]
	if !ok {
		return true
	}
	return b.Consume(cost)
}

// Remaining returns the current token count for a severity class's
// bucket, or 0 if the class is unrecognized.
func (l *Limiter) Remaining(severity ingest.Severity) int {
	b, ok := l.buckets[severity]
	if !ok {
		return 0
	}
	return b.Remaining()
}

// Close stops every class's refill goroutine.
func (l *Limiter) Close() {
	for _, b := range l.buckets {
		b.Close()
	}
}
