// Package registry implements the per-shard, single-owner profile
// table: an EntityHash -> *profile.Profile map with O(1) LRU
// operations via an intrusive doubly-linked list, bounded to a fixed
// capacity with priority-byte eviction tie-breaking.
//
// A Registry is never touched by more than one goroutine: it is owned
// exclusively by its shard worker, so none of its methods take a lock.
package registry

import (
	"github.com/nodewatch/gatekeeper/internal/config"
	"github.com/nodewatch/gatekeeper/internal/profile"
)

// entry is one node of the intrusive doubly-linked LRU list. prev/next
// point to other entries in the same Registry; the zero value of a
// pointer marks a list boundary.
type entry struct {
	p          *profile.Profile
	prev, next *entry
}

// Registry is a bounded, LRU-evicting EntityHash -> Profile table.
type Registry struct {
	capacity int
	table    map[uint64]*entry

	head *entry // most recently used
	tail *entry // least recently used

	detectorsCfg *config.DetectorsConfig
	ensembleCfg  *config.EnsembleConfig

	evictions uint64
}

// New constructs an empty registry with the given capacity, using cfg
// to seed every profile it creates.
func New(capacity int, detectorsCfg *config.DetectorsConfig, ensembleCfg *config.EnsembleConfig) *Registry {
	return &Registry{
		capacity:     capacity,
		table:        make(map[uint64]*entry, capacity),
		detectorsCfg: detectorsCfg,
		ensembleCfg:  ensembleCfg,
	}
}

// Len returns the number of profiles currently held.
func (r *Registry) Len() int { return len(r.table) }

// Evictions returns the running count of capacity-driven evictions.
func (r *Registry) Evictions() uint64 { return r.evictions }

// GetOrCreate returns the profile for entityHash, creating and
// inserting a fresh one if absent. Every call promotes the returned
// entry to most-recently-used. If creating a new entry would exceed
// capacity, the least-recently-used profile is evicted first — ties
// among multiple LRU candidates are broken by PriorityByte, lower
// evicted first.
func (r *Registry) GetOrCreate(entityHash uint64) *profile.Profile {
	if e, ok := r.table[entityHash]; ok {
		r.touch(e)
		return e.p
	}

	if len(r.table) >= r.capacity {
		r.evictOne()
	}

	p := profile.New(entityHash, r.detectorsCfg, r.ensembleCfg)
	e := &entry{p: p}
	r.table[entityHash] = e
	r.pushFront(e)
	return p
}

// Touch promotes entityHash to most-recently-used without creating it.
// No-op if the entity is not present.
func (r *Registry) Touch(entityHash uint64) {
	if e, ok := r.table[entityHash]; ok {
		r.touch(e)
	}
}

// ExpireIdle evicts every profile whose LastSeenNS is more than
// idleNS before nowNS. Returns the number evicted. Walks from the tail
// (least-recently-used) and stops at the first entry still within the
// idle window, since the list is kept in recency order.
func (r *Registry) ExpireIdle(nowNS uint64, idleNS uint64) int {
	count := 0
	for e := r.tail; e != nil; {
		prev := e.prev
		if nowNS-e.p.LastSeenNS <= idleNS {
			break
		}
		r.remove(e)
		delete(r.table, e.p.EntityHash)
		count++
		e = prev
	}
	return count
}

// evictOne removes the single best eviction candidate: the
// least-recently-used entry, with ties (LastSeenNS within the same
// idle tick) broken by lowest PriorityByte evicted first. Since exact
// LastSeenNS ties are rare, this walks back from the tail only as far
// as entries sharing the tail's LastSeenNS.
func (r *Registry) evictOne() {
	if r.tail == nil {
		return
	}
	victim := r.tail
	for e := r.tail.prev; e != nil && e.p.LastSeenNS == r.tail.p.LastSeenNS; e = e.prev {
		if e.p.PriorityByte < victim.p.PriorityByte {
			victim = e
		}
	}
	r.remove(victim)
	delete(r.table, victim.p.EntityHash)
	r.evictions++
}

func (r *Registry) touch(e *entry) {
	if r.head == e {
		return
	}
	r.remove(e)
	r.pushFront(e)
}

func (r *Registry) pushFront(e *entry) {
	e.prev = nil
	e.next = r.head
	if r.head != nil {
		r.head.prev = e
	}
	r.head = e
	if r.tail == nil {
		r.tail = e
	}
}

func (r *Registry) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		r.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		r.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// ForEach walks every held profile in no particular order. Used for
// checkpoint export; the caller must not mutate the registry's list
// structure from within fn (profile state mutation via Update is fine).
func (r *Registry) ForEach(fn func(*profile.Profile)) {
	for _, e := range r.table {
		fn(e.p)
	}
}

// Restore inserts a profile recovered from a checkpoint directly,
// bypassing New — used only during checkpoint import, before the
// registry otherwise sees traffic. Overwrites capacity enforcement: a
// checkpoint restore is allowed to exceed capacity transiently; normal
// GetOrCreate traffic will evict back down to capacity over time.
func (r *Registry) Restore(p *profile.Profile) {
	if _, ok := r.table[p.EntityHash]; ok {
		return
	}
	e := &entry{p: p}
	r.table[p.EntityHash] = e
	r.pushFront(e)
}
