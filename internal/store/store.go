// Package store implements Mnemosyne's cache store (component B): a
// concurrent, byte-size-bounded, idle-time-expiring map from fingerprint to
// CachedEntry, sharded by resource key so that every variant of one resource
// lives in one shard and invalidate-by-resource stays O(variants).
//
// Sharding uses rendezvous (highest-random-weight) hashing, grounded on
// github.com/dgryski/go-rendezvous, so the shard count can change across a
// restart without remapping every key to a different shard at once.
package store

import (
	"container/list"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"golang.org/x/sync/singleflight"
)

// Fingerprint uniquely identifies a stored response: (resource key, variant
// key). See spec §3.
type Fingerprint struct {
	ResourceKey uint64
	VariantKey  uint64
}

// entryOverheadBytes approximates the fixed bookkeeping cost of a stored
// entry (struct headers, map/list slots) that isn't captured by summing
// header/body lengths.
const entryOverheadBytes = 256

// CachedEntry is the value stored under a Fingerprint.
type CachedEntry struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	ETag         string
	VaryNames    []string
	MaxAge       time.Duration // sentinel: <0 means "do not cache" (never actually stored)
	InsertedAt   time.Time
	NormalizedURL string
}

// Footprint measures the in-memory footprint of the entry: body + headers +
// key + a fixed per-entry overhead, per spec §3.
func (e *CachedEntry) Footprint() int64 {
	var n int64
	n += int64(len(e.Body))
	for k, vv := range e.Header {
		n += int64(len(k))
		for _, v := range vv {
			n += int64(len(v))
		}
	}
	n += int64(len(e.NormalizedURL))
	n += entryOverheadBytes
	return n
}

// VariantDescriptor is returned by Candidates: one known variant of a
// resource, together with the Vary names it was stored under. Per spec §9,
// different variants of the same resource may have been stored under
// different Vary sets, so each must be probed with its own set.
type VariantDescriptor struct {
	VariantKey uint64
	VaryNames  []string
}

// Stats reports cumulative and point-in-time cache statistics (spec §4.2).
type Stats struct {
	EntryCount int64
	TotalBytes int64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Stores     uint64
}

// Entry in the LRU list.
type element struct {
	fp             Fingerprint
	value          *CachedEntry
	weight         int64
	lastAccessNano int64
}

// resourceRecord tracks, per resource key, the normalized URL that produced
// it (for collision rechecking) and the set of variant keys currently
// stored, so invalidate_resource and lookup fan-out don't scan the shard.
type resourceRecord struct {
	normalizedURL string
	variants      map[uint64]*list.Element
}

type shard struct {
	mu        sync.Mutex
	lru       *list.List
	resources map[uint64]*resourceRecord
	bytes     int64
	ceiling   int64
}

func newShard(ceiling int64) *shard {
	return &shard{
		lru:       list.New(),
		resources: make(map[uint64]*resourceRecord),
		ceiling:   ceiling,
	}
}

// Options configures a Store.
type Options struct {
	// SizeCeilingBytes is the global budget; it is split evenly across
	// shards (spec §4.2, I3).
	SizeCeilingBytes int64
	// Expiration is the idle TTL: an entry not accessed for this long is
	// treated as a miss and reclaimed lazily (spec §4.2, I4).
	Expiration time.Duration
	// Shards is the number of internal shards. Defaults to 16.
	Shards int
	// SingleFlight enables coalescing of concurrent Load calls for the same
	// fingerprint (spec §5, optional). Off by default.
	SingleFlight bool
}

// Store is Mnemosyne's cache store.
type Store struct {
	shards     []*shard
	shardNames []string
	ring       *rendezvous.Rendezvous
	expiration time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	stores    atomic.Uint64

	group *singleflight.Group

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// New constructs a Store per Options. Non-positive Shards defaults to 16;
// non-positive SizeCeilingBytes disables the size ceiling (unbounded);
// non-positive Expiration disables idle expiration.
func New(opts Options) *Store {
	numShards := opts.Shards
	if numShards <= 0 {
		numShards = 16
	}
	perShard := opts.SizeCeilingBytes / int64(numShards)

	names := make([]string, numShards)
	shards := make([]*shard, numShards)
	for i := 0; i < numShards; i++ {
		names[i] = fmt.Sprintf("shard-%d", i)
		shards[i] = newShard(perShard)
	}

	s := &Store{
		shards:      shards,
		shardNames:  names,
		ring:        rendezvous.New(names, hashNode),
		expiration:  opts.Expiration,
		stopJanitor: make(chan struct{}),
	}
	if opts.SingleFlight {
		s.group = &singleflight.Group{}
	}
	return s
}

func hashNode(s string) uint64 { return xxhash.Sum64String(s) }

func (s *Store) shardFor(resourceKey uint64) *shard {
	node := s.ring.Get(fmt.Sprintf("%x", resourceKey))
	for i, n := range s.shardNames {
		if n == node {
			return s.shards[i]
		}
	}
	// Unreachable unless the ring is empty, which New() never produces.
	return s.shards[0]
}

// StartJanitor launches a background goroutine that periodically reclaims
// idle-expired entries even absent reads, mirroring the eviction-loop
// pattern used for idle reclaim elsewhere in this codebase's lineage. Call
// StopJanitor to stop it. No-op if Expiration is non-positive.
func (s *Store) StartJanitor(interval time.Duration) {
	if s.expiration <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepIdle()
			case <-s.stopJanitor:
				return
			}
		}
	}()
}

// StopJanitor stops the background janitor goroutine, if running.
func (s *Store) StopJanitor() {
	s.janitorOnce.Do(func() { close(s.stopJanitor) })
}

func (s *Store) sweepIdle() {
	cutoff := time.Now().Add(-s.expiration).UnixNano()
	for _, sh := range s.shards {
		sh.mu.Lock()
		var next *list.Element
		for e := sh.lru.Back(); e != nil; e = next {
			next = e.Prev()
			el := e.Value.(*element)
			if atomic.LoadInt64(&el.lastAccessNano) < cutoff {
				sh.removeElementLocked(e)
				s.evictions.Add(1)
			}
		}
		sh.mu.Unlock()
	}
}

// Get returns the entry for fp and updates its last-access time. Idle-
// expired entries are treated as a miss and reclaimed. Safe for concurrent
// use with Put/Invalidate (spec §4.2, §5).
func (s *Store) Get(fp Fingerprint) (*CachedEntry, bool) {
	sh := s.shardFor(fp.ResourceKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.resources[fp.ResourceKey]
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	el, ok := rec.variants[fp.VariantKey]
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	entry := el.Value.(*element)

	if s.expiration > 0 {
		last := atomic.LoadInt64(&entry.lastAccessNano)
		if time.Since(time.Unix(0, last)) > s.expiration {
			sh.removeElementLocked(el)
			s.evictions.Add(1)
			s.misses.Add(1)
			return nil, false
		}
	}

	atomic.StoreInt64(&entry.lastAccessNano, time.Now().UnixNano())
	sh.lru.MoveToFront(el)
	s.hits.Add(1)
	return entry.value, true
}

// Put inserts or replaces the entry stored under fp, evicting least-recently
// -used entries in the same shard as needed to stay within that shard's
// byte budget (spec §4.2, I3; transient overshoot across shards is bounded
// by one shard's ceiling overshoot, itself bounded by one entry's weight).
func (s *Store) Put(fp Fingerprint, entry *CachedEntry) {
	weight := entry.Footprint()
	sh := s.shardFor(fp.ResourceKey)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.resources[fp.ResourceKey]
	if !ok {
		rec = &resourceRecord{normalizedURL: entry.NormalizedURL, variants: make(map[uint64]*list.Element)}
		sh.resources[fp.ResourceKey] = rec
	} else if rec.normalizedURL == "" {
		rec.normalizedURL = entry.NormalizedURL
	}

	if existing, ok := rec.variants[fp.VariantKey]; ok {
		old := existing.Value.(*element)
		sh.bytes += weight - old.weight
		old.value = entry
		old.weight = weight
		atomic.StoreInt64(&old.lastAccessNano, time.Now().UnixNano())
		sh.lru.MoveToFront(existing)
	} else {
		el := &element{fp: fp, value: entry, weight: weight, lastAccessNano: time.Now().UnixNano()}
		listEl := sh.lru.PushFront(el)
		rec.variants[fp.VariantKey] = listEl
		sh.bytes += weight
		s.stores.Add(1)
	}

	if sh.ceiling > 0 {
		for sh.bytes > sh.ceiling {
			back := sh.lru.Back()
			if back == nil {
				break
			}
			// Never evict the entry we just inserted/updated if it is alone
			// and still over budget; a single oversized entry is allowed to
			// overshoot rather than evict itself, per the bounded-overshoot
			// allowance in spec §4.2.
			if sh.lru.Len() == 1 {
				break
			}
			sh.removeElementLocked(back)
			s.evictions.Add(1)
		}
	}
}

// removeElementLocked removes a list element and its index entries. Caller
// must hold sh.mu.
func (sh *shard) removeElementLocked(listEl *list.Element) {
	el := listEl.Value.(*element)
	sh.lru.Remove(listEl)
	sh.bytes -= el.weight
	if rec, ok := sh.resources[el.fp.ResourceKey]; ok {
		delete(rec.variants, el.fp.VariantKey)
		if len(rec.variants) == 0 {
			delete(sh.resources, el.fp.ResourceKey)
		}
	}
}

// Candidates returns the known variants of a resource, for the proxy to
// probe against request headers. normalizedURL guards against resource-key
// collisions: if the stored record's URL differs, no candidates are
// returned (spec §4.1's "collisions tolerated only by byte-for-byte
// equality check").
func (s *Store) Candidates(resourceKey uint64, normalizedURL string) []VariantDescriptor {
	sh := s.shardFor(resourceKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.resources[resourceKey]
	if !ok || rec.normalizedURL != normalizedURL {
		return nil
	}
	out := make([]VariantDescriptor, 0, len(rec.variants))
	for vk, listEl := range rec.variants {
		el := listEl.Value.(*element)
		out = append(out, VariantDescriptor{VariantKey: vk, VaryNames: el.value.VaryNames})
	}
	return out
}

// Invalidate removes a single fingerprint. Returns true if an entry was
// removed.
func (s *Store) Invalidate(fp Fingerprint) bool {
	sh := s.shardFor(fp.ResourceKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.resources[fp.ResourceKey]
	if !ok {
		return false
	}
	listEl, ok := rec.variants[fp.VariantKey]
	if !ok {
		return false
	}
	sh.removeElementLocked(listEl)
	return true
}

// InvalidateResource removes every variant stored under resourceKey and
// returns the count removed (spec §4.2, P8).
func (s *Store) InvalidateResource(resourceKey uint64) int {
	sh := s.shardFor(resourceKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.resources[resourceKey]
	if !ok {
		return 0
	}
	n := len(rec.variants)
	for _, listEl := range rec.variants {
		sh.lru.Remove(listEl)
		el := listEl.Value.(*element)
		sh.bytes -= el.weight
	}
	delete(sh.resources, resourceKey)
	return n
}

// InvalidateAll empties the store and returns the count removed.
func (s *Store) InvalidateAll() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += sh.lru.Len()
		sh.lru = list.New()
		sh.resources = make(map[uint64]*resourceRecord)
		sh.bytes = 0
		sh.mu.Unlock()
	}
	return total
}

// EntrySummary is a read-only view of a stored entry, yielded by
// IterSnapshot (the admin surface uses it for host-prefix invalidation).
type EntrySummary struct {
	Fingerprint Fingerprint
	URL         string
	StatusCode  int
	ETag        string
	VaryNames   []string
	Bytes       int64
	InsertedAt  time.Time
}

// IterSnapshot calls yield for every currently-stored entry without holding
// any shard's lock across the full iteration — each shard is locked only
// long enough to copy its current contents, so writers are never blocked
// for the duration of a dump (spec §4.2, §4.6).
func (s *Store) IterSnapshot(yield func(EntrySummary)) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		snap := make([]EntrySummary, 0, sh.lru.Len())
		for e := sh.lru.Front(); e != nil; e = e.Next() {
			el := e.Value.(*element)
			snap = append(snap, EntrySummary{
				Fingerprint: el.fp,
				URL:         el.value.NormalizedURL,
				StatusCode:  el.value.StatusCode,
				ETag:        el.value.ETag,
				VaryNames:   el.value.VaryNames,
				Bytes:       el.weight,
				InsertedAt:  el.value.InsertedAt,
			})
		}
		sh.mu.Unlock()
		for _, s := range snap {
			yield(s)
		}
	}
}

// Stats returns current cache statistics (spec §4.2).
func (s *Store) Stats() Stats {
	var entries, bytes int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		entries += int64(sh.lru.Len())
		bytes += sh.bytes
		sh.mu.Unlock()
	}
	return Stats{
		EntryCount: entries,
		TotalBytes: bytes,
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Evictions:  s.evictions.Load(),
		Stores:     s.stores.Load(),
	}
}

// Load runs fn to produce a value for key, coalescing concurrent calls for
// the same key into one execution when SingleFlight was enabled in Options.
// Later arrivals observe the earlier arrival's result once it commits and
// never block indefinitely: singleflight.Group itself bounds the wait to
// the duration of fn (spec §5). When SingleFlight is disabled, fn always
// runs (each caller fetches independently, the spec's default).
func (s *Store) Load(key string, fn func() (*CachedEntry, error)) (*CachedEntry, error) {
	if s.group == nil {
		return fn()
	}
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(*CachedEntry), nil
}
