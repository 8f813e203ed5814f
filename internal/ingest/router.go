package ingest

// ShardEvent is the fixed-layout record handed to a shard's inbound
// channel: the pre-hashed entity id plus the observation.
type ShardEvent struct {
	EntityHash  uint64
	Value       float64
	TimestampNS uint64
}

// DropReason is one of the classified backpressure/validation drop
// counters named in spec.md §7.
type DropReason string

const (
	DropParse       DropReason = "parse"
	DropSkew        DropReason = "skew"
	DropIngest      DropReason = "ingest"
	DropShard       DropReason = "shard"
	DropPersistence DropReason = "persistence"
	DropFeedback    DropReason = "feedback"
	DropForwarder   DropReason = "forwarder"
)

// Router owns the shard inbound channels and the feedback channels,
// and performs skew checking + hash-based shard routing. It holds no
// detection state of its own; every shard channel send is a
// non-blocking try_send per spec.md §4.7.
type Router struct {
	shardQueues    []chan ShardEvent
	feedbackQueues []chan FeedbackEvent
	skewWindowNS   uint64
}

// NewRouter constructs a Router with shardCount shard channels of the
// given capacities.
func NewRouter(shardCount, shardQueueSize, feedbackQueueSize int, skewWindowNS uint64) *Router {
	r := &Router{
		shardQueues:    make([]chan ShardEvent, shardCount),
		feedbackQueues: make([]chan FeedbackEvent, shardCount),
		skewWindowNS:   skewWindowNS,
	}
	for i := range r.shardQueues {
		r.shardQueues[i] = make(chan ShardEvent, shardQueueSize)
		r.feedbackQueues[i] = make(chan FeedbackEvent, feedbackQueueSize)
	}
	return r
}

// ShardCount returns the number of shards this router routes across.
func (r *Router) ShardCount() int { return len(r.shardQueues) }

// ShardQueue returns the inbound channel for shard i, for the shard
// worker to range over.
func (r *Router) ShardQueue(i int) <-chan ShardEvent { return r.shardQueues[i] }

// FeedbackQueue returns the feedback channel for shard i.
func (r *Router) FeedbackQueue(i int) <-chan FeedbackEvent { return r.feedbackQueues[i] }

// QueueDepth reports the current number of buffered entries in shard
// i's inbound channel, for /stats.
func (r *Router) QueueDepth(i int) int { return len(r.shardQueues[i]) }

// FeedbackQueueDepth reports the current depth of shard i's feedback channel.
func (r *Router) FeedbackQueueDepth(i int) int { return len(r.feedbackQueues[i]) }

// Route validates and routes one parsed event. nowNS is the wall-clock
// time used for skew checking. Returns "" on success, or the classified
// drop reason.
func (r *Router) Route(e Event, nowNS uint64) DropReason {
	if e.T > nowNS && e.T-nowNS > r.skewWindowNS {
		return DropSkew
	}
	if nowNS > e.T && nowNS-e.T > r.skewWindowNS {
		return DropSkew
	}

	h := HashEntity(e.U)
	shard := ShardFor(h, len(r.shardQueues))

	select {
	case r.shardQueues[shard] <- ShardEvent{EntityHash: h, Value: e.V, TimestampNS: e.T}:
		return ""
	default:
		return DropShard
	}
}

// RouteFeedback routes a feedback event to shard = entity_hash mod N,
// per spec.md §3. Returns "" on success or DropFeedback if that
// shard's feedback channel is full.
func (r *Router) RouteFeedback(f FeedbackEvent) DropReason {
	shard := int(f.EntityHash % uint64(len(r.feedbackQueues)))
	select {
	case r.feedbackQueues[shard] <- f:
		return ""
	default:
		return DropFeedback
	}
}
