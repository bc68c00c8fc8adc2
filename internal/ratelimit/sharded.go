// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/l4lb/l4lb/internal/clock"
)

// defaultShardCount is the minimum shard count per spec.md §5: "contention
// controlled by shard count (≥ 4 × worker_count)". Callers that know the
// worker count should use NewShardedLimiter with an explicit shard count;
// this is the floor used when none is given.
const defaultShardCount = 32

// shard is one lock-guarded bucket map, indexed by xxhash(key) mod N.
type shard struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	// evict, when non-nil, bounds this shard's bucket count: the
	// least-recently-touched entry is dropped once the shard grows past
	// capacity, but only if that entry is at full token capacity (no
	// debt owed), per spec.md §4.2.
	evict *lru.Cache[string, struct{}]
}

// Limiter is a concurrently-sharded map from an arbitrary comparable key
// (client IP or backend address) to its Bucket. Grounded on
// original_source/src/traffic/limiter.rs's RateLimiter, which keeps one
// DashMap<String, Bucket> per rule; the shard split here is the Go
// equivalent of DashMap's own internal sharding, made explicit so the
// shard count and hash function are spec-controlled (xxhash, per
// SPEC_FULL.md's DOMAIN STACK).
type Limiter struct {
	clock        clock.Clock
	shards       []*shard
	capacity     float64
	refillPerSec float64
	disabled     bool
	lruMax       int
}

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithShardCount overrides the default shard count. Should be at least
// 4x the number of acceptor workers, per spec.md §5.
func WithShardCount(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.shards = make([]*shard, n)
		}
	}
}

// WithLRUEviction bounds each shard to at most maxPerShard buckets,
// evicting the least-recently-touched entry once full -- but only when
// that entry is at full token capacity. This is the optional bounded LRU
// sweep spec.md §9's Open Questions defers to operators; wired here via
// hashicorp/golang-lru/v2, grounded on omeyang-XKit's use of the same
// library for bounded caches elsewhere in the pack.
func WithLRUEviction(maxPerShard int) Option {
	return func(l *Limiter) {
		l.lruMax = maxPerShard
	}
}

// WithDisabled marks the limiter as a pass-through: TryConsume always
// succeeds without touching any shard. This is the "hot branch, must be
// predictable" fast path spec.md §4.2 calls for when a rule's rate_limit
// or bandwidth_limit is configured with enabled: false.
func WithDisabled() Option {
	return func(l *Limiter) { l.disabled = true }
}

// NewLimiter creates a sharded token-bucket limiter. Every key gets a
// fresh full bucket of the given capacity/refillPerSec on first use.
func NewLimiter(clk clock.Clock, capacity, refillPerSec float64, opts ...Option) *Limiter {
	l := &Limiter{
		clock:        clk,
		capacity:     capacity,
		refillPerSec: refillPerSec,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.shards == nil {
		l.shards = make([]*shard, defaultShardCount)
	}
	for i := range l.shards {
		s := &shard{buckets: make(map[string]*Bucket)}
		if l.lruMax > 0 {
			// Size the tracking cache generously larger than the
			// target so Add() never evicts on our behalf; eviction
			// decisions are made by sweepLocked, which additionally
			// checks bucket debt before removing an entry.
			cache, err := lru.New[string, struct{}](l.lruMax * 2)
			if err == nil {
				s.evict = cache
			}
		}
		l.shards[i] = s
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return l.shards[h%uint64(len(l.shards))]
}

// bucketFor returns the bucket for key, creating it (and racing safely
// with concurrent first-use, per spec.md §4.2) if absent.
func (l *Limiter) bucketFor(key string) *Bucket {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = NewBucket(l.clock, l.capacity, l.refillPerSec)
		s.buckets[key] = b
	}
	if s.evict != nil {
		s.evict.Add(key, struct{}{})
		l.sweepLocked(s)
	}
	return b
}

// sweepLocked evicts the oldest entry in s if it is both over budget and
// the victim bucket owes no debt. Caller holds s.mu.
func (l *Limiter) sweepLocked(s *shard) {
	for s.evict.Len() > l.lruMax {
		oldestKey, _, ok := s.evict.GetOldest()
		if !ok {
			return
		}
		b, exists := s.buckets[oldestKey]
		if !exists {
			s.evict.Remove(oldestKey)
			continue
		}
		if !b.AtCapacity() {
			// The oldest entry owes debt; leave it in place and
			// stop -- evicting a newer, debt-free entry instead
			// would defeat the LRU ordering's purpose.
			return
		}
		s.evict.Remove(oldestKey)
		delete(s.buckets, oldestKey)
	}
}

// TryConsume debits n tokens from key's bucket. When the limiter is
// disabled this always succeeds without allocating or locking a shard.
func (l *Limiter) TryConsume(key string, n float64) (ok bool, wait time.Duration) {
	if l.disabled {
		return true, 0
	}
	return l.bucketFor(key).TryConsume(n)
}

// Debit applies a cluster UsageUpdate: subtract delta tokens from key's
// bucket, floored at zero. A no-op if the limiter is disabled.
func (l *Limiter) Debit(key string, delta float64) {
	if l.disabled {
		return
	}
	l.bucketFor(key).Debit(delta)
}

// Tokens reports the current token count for key, for gossip broadcast
// threshold checks. Returns the configured capacity if the limiter is
// disabled (nothing has ever been consumed).
func (l *Limiter) Tokens(key string) float64 {
	if l.disabled {
		return l.capacity
	}
	return l.bucketFor(key).Tokens()
}

// Capacity returns the configured bucket capacity.
func (l *Limiter) Capacity() float64 { return l.capacity }
