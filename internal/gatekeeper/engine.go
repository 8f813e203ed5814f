// Package gatekeeper wires the sharded detection pipeline, the policy
// runtime, the signal forwarder, and checkpoint persistence into one
// running engine, and exposes it over HTTP per spec.md §6.
package gatekeeper

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nodewatch/gatekeeper/internal/checkpoint"
	"github.com/nodewatch/gatekeeper/internal/config"
	"github.com/nodewatch/gatekeeper/internal/forwarder"
	"github.com/nodewatch/gatekeeper/internal/ingest"
	"github.com/nodewatch/gatekeeper/internal/observability"
	"github.com/nodewatch/gatekeeper/internal/policy"
	"github.com/nodewatch/gatekeeper/internal/profile"
	"github.com/nodewatch/gatekeeper/internal/ratelimit"
	"github.com/nodewatch/gatekeeper/internal/shard"
	"github.com/nodewatch/gatekeeper/internal/storage"
)

// Engine owns every running piece of Gatekeeper: the ingest router and
// shard workers, the policy store, the forwarder, the rate limiter, and
// the checkpoint store. One Engine per process.
type Engine struct {
	cfg *config.Config

	router  *ingest.Router
	shards  []*shard.Worker
	policy  *policy.Store
	fwd     *forwarder.Forwarder
	limiter *ratelimit.Limiter
	db      *storage.DB

	metrics *observability.Metrics
	log     *zap.Logger

	checkpointRequests chan int
	lastCheckpoint      []time.Time
	checkpointSequence  []uint64
	checkpointMu        sync.Mutex

	startedAt time.Time

	warmupMu sync.Mutex
	warm     bool // true once any event has been ingested; gates checkpoint import
}

// New builds an Engine from cfg, opening checkpoint storage and
// restoring the most recently persisted shard state if any exists.
func New(cfg *config.Config, metrics *observability.Metrics, log *zap.Logger) (*Engine, error) {
	db, err := storage.Open(cfg.Checkpoint.DBPath)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper.New: open checkpoint store: %w", err)
	}

	router := ingest.NewRouter(cfg.Ingest.ShardCount, cfg.Ingest.ShardQueueSize, cfg.Ingest.FeedbackQueueSize, uint64(cfg.Ingest.SkewWindow))
	policyStore := policy.NewStore()
	fwd := forwarder.New(&cfg.Forwarder, metrics, log)
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPeriod)

	e := &Engine{
		cfg:                cfg,
		router:             router,
		policy:             policyStore,
		fwd:                fwd,
		limiter:            limiter,
		db:                 db,
		metrics:            metrics,
		log:                log,
		checkpointRequests: make(chan int, cfg.Ingest.ShardCount*2),
		lastCheckpoint:     make([]time.Time, cfg.Ingest.ShardCount),
		checkpointSequence: make([]uint64, cfg.Ingest.ShardCount),
	}

	if blob, err := db.GetActivePolicy(); err != nil {
		return nil, fmt.Errorf("gatekeeper.New: load active policy: %w", err)
	} else if blob != nil {
		snap, err := policy.Decode(blob)
		if err != nil {
			log.Warn("discarding unreadable persisted policy snapshot", zap.Error(err))
		} else {
			policyStore.Publish(snap)
		}
	}

	e.shards = make([]*shard.Worker, cfg.Ingest.ShardCount)
	for i := range e.shards {
		e.shards[i] = shard.New(i, cfg, router, policyStore, fwd.Queue(), e.checkpointRequests, metrics, log)
	}

	if err := e.restoreCheckpoints(); err != nil {
		log.Warn("checkpoint restore failed — starting with empty shard state", zap.Error(err))
	}

	return e, nil
}

// Start launches every shard worker, the forwarder, and the checkpoint
// manager goroutine. Blocks until ctx is cancelled, then waits for all
// goroutines to return.
func (e *Engine) Start(ctx context.Context) {
	e.startedAt = time.Now()
	defer e.limiter.Close()

	var wg sync.WaitGroup
	wg.Add(len(e.shards) + 2)

	for _, w := range e.shards {
		w := w
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	go func() {
		defer wg.Done()
		e.fwd.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		e.runCheckpointManager(ctx)
	}()

	e.warmupMu.Lock()
	e.warm = false
	e.warmupMu.Unlock()

	<-ctx.Done()
	wg.Wait()
}

// markWarm records that the engine has begun accepting live traffic,
// after which checkpoint import is rejected with 409 per spec.md §6.
func (e *Engine) markWarm() {
	e.warmupMu.Lock()
	defer e.warmupMu.Unlock()
	e.warm = true
}

func (e *Engine) isWarm() bool {
	e.warmupMu.Lock()
	defer e.warmupMu.Unlock()
	return e.warm
}

// runCheckpointManager consumes per-shard checkpoint requests (raised
// by each shard's own idle ticker) and actually persists a shard's
// state once Checkpoint.Interval has elapsed since its last write —
// the request channel is a pacemaker, not a hard trigger, so a fast
// idle-eviction tick doesn't turn into excessive BoltDB writes.
func (e *Engine) runCheckpointManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-e.checkpointRequests:
			if !ok {
				return
			}
			if e.checkpointDue(id) {
				if err := e.checkpointShard(id); err != nil {
					e.log.Error("checkpoint failed", zap.Int("shard", id), zap.Error(err))
					if e.metrics != nil {
						e.metrics.CheckpointFailuresTotal.Inc()
						e.metrics.EventsDroppedTotal.WithLabelValues(string(ingest.DropPersistence)).Inc()
					}
				}
			}
		}
	}
}

func (e *Engine) checkpointDue(id int) bool {
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()
	due := time.Since(e.lastCheckpoint[id]) >= e.cfg.Checkpoint.Interval
	if due {
		e.lastCheckpoint[id] = time.Now()
	}
	return due
}

// checkpointShard encodes and persists shard id's current registry
// state.
func (e *Engine) checkpointShard(id int) error {
	start := time.Now()
	w := e.shards[id]
	reg := w.Registry()

	var records []checkpoint.ProfileRecord
	var marshalErr error
	reg.ForEach(func(p *profile.Profile) {
		if marshalErr != nil {
			return
		}
		blob, err := p.MarshalBinary()
		if err != nil {
			marshalErr = err
			return
		}
		records = append(records, checkpoint.ProfileRecord{EntityHash: p.EntityHash, Blob: blob})
	})
	if marshalErr != nil {
		return fmt.Errorf("checkpointShard(%d): marshal profiles: %w", id, marshalErr)
	}

	var policyVersion, policyChecksum string
	if snap := e.policy.Current(); snap != nil {
		policyVersion = snap.Version
		policyChecksum = snap.Checksum()
	}

	e.checkpointMu.Lock()
	e.checkpointSequence[id]++
	seq := e.checkpointSequence[id]
	e.checkpointMu.Unlock()

	blob, err := checkpoint.Encode(uint16(id), seq, policyVersion, policyChecksum, records)
	if err != nil {
		return fmt.Errorf("checkpointShard(%d): encode: %w", id, err)
	}
	if err := e.db.PutCheckpoint(uint16(id), blob); err != nil {
		return fmt.Errorf("checkpointShard(%d): persist: %w", id, err)
	}

	if e.metrics != nil {
		e.metrics.CheckpointWriteLatency.Observe(time.Since(start).Seconds())
	}
	return nil
}

// restoreCheckpoints loads every persisted shard checkpoint and
// rehydrates each shard's registry before the engine starts consuming
// traffic.
func (e *Engine) restoreCheckpoints() error {
	all, err := e.db.AllCheckpoints()
	if err != nil {
		return fmt.Errorf("restoreCheckpoints: %w", err)
	}
	for shardID, blob := range all {
		if int(shardID) >= len(e.shards) {
			continue
		}
		if err := e.restoreShard(int(shardID), blob); err != nil {
			return fmt.Errorf("restoreCheckpoints: shard %d: %w", shardID, err)
		}
	}
	return nil
}

func (e *Engine) restoreShard(id int, blob []byte) error {
	c, err := checkpoint.Decode(blob)
	if err != nil {
		return err
	}
	reg := e.shards[id].Registry()
	for _, rec := range c.Profiles {
		p := profile.New(rec.EntityHash, &e.cfg.Detectors, &e.cfg.Ensemble)
		if err := p.UnmarshalBinary(rec.Blob); err != nil {
			return fmt.Errorf("restore profile %d: %w", rec.EntityHash, err)
		}
		reg.Restore(p)
	}
	e.checkpointMu.Lock()
	e.checkpointSequence[id] = c.Sequence
	e.checkpointMu.Unlock()
	return nil
}

// bundleMagic identifies an engine-wide checkpoint export: a
// length-prefixed sequence of per-shard checkpoint.Encode blobs, so
// GET /checkpoint/export returns the whole engine's state as a single
// stream and POST /checkpoint/import can restore it in one call.
var bundleMagic = [4]byte{'G', 'K', 'B', 'N'}

// exportBundle concatenates every shard's current checkpoint into one
// length-prefixed stream.
func (e *Engine) exportBundle() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(bundleMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(e.shards)))

	for id := range e.shards {
		if err := e.checkpointShard(id); err != nil {
			return nil, fmt.Errorf("exportBundle: shard %d: %w", id, err)
		}
		blob, err := e.db.GetCheckpoint(uint16(id))
		if err != nil {
			return nil, fmt.Errorf("exportBundle: read shard %d: %w", id, err)
		}
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(blob)))
		buf.Write(blob)
	}
	return buf.Bytes(), nil
}

// importBundle restores every shard from a blob produced by
// exportBundle. Only valid before the engine has observed live
// traffic.
func (e *Engine) importBundle(data []byte) error {
	if len(data) < 6 || !bytes.Equal(data[:4], bundleMagic[:]) {
		return fmt.Errorf("importBundle: bad magic bytes")
	}
	count := binary.LittleEndian.Uint16(data[4:6])
	off := 6
	for i := 0; i < int(count); i++ {
		if off+4 > len(data) {
			return fmt.Errorf("importBundle: truncated length prefix for entry %d", i)
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if off+n > len(data) {
			return fmt.Errorf("importBundle: truncated blob for entry %d", i)
		}
		blob := data[off : off+n]
		off += n

		c, err := checkpoint.Decode(blob)
		if err != nil {
			return fmt.Errorf("importBundle: decode entry %d: %w", i, err)
		}
		if int(c.ShardID) >= len(e.shards) {
			continue
		}
		if err := e.db.PutCheckpoint(c.ShardID, blob); err != nil {
			return fmt.Errorf("importBundle: persist shard %d: %w", c.ShardID, err)
		}
		if err := e.restoreShard(int(c.ShardID), blob); err != nil {
			return fmt.Errorf("importBundle: restore shard %d: %w", c.ShardID, err)
		}
	}
	return nil
}
