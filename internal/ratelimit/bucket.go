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

// Package ratelimit implements token-bucket rate and bandwidth limiting:
// a single bucket, a concurrent map of buckets keyed by client IP or
// backend address, and a stream wrapper that debits a bucket on every
// read and write.
package ratelimit

import (
	"sync"
	"time"

	"github.com/l4lb/l4lb/internal/clock"
)

// Bucket is a single token bucket: capacity, refill rate, and the current
// token count, refilled lazily whenever it is touched. Grounded on
// original_source/src/traffic/limiter.rs's SimpleLimiter, generalized to
// take an injected clock instead of calling Instant::now() directly so
// that tests can drive refill deterministically.
type Bucket struct {
	clock  clock.Clock
	mu     sync.Mutex
	capacity     float64
	refillPerSec float64
	tokens       float64
	lastRefill   time.Time
}

// NewBucket creates a bucket starting at full capacity.
func NewBucket(clk clock.Clock, capacity, refillPerSec float64) *Bucket {
	return &Bucket{
		clock:        clk,
		capacity:     capacity,
		refillPerSec: refillPerSec,
		tokens:       capacity,
		lastRefill:   clk.Now(),
	}
}

// refillLocked advances tokens by elapsed time * refillPerSec, clamped at
// capacity. Caller must hold mu.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillPerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
}

// TryConsume attempts to debit n tokens. On success it returns true. On
// failure it returns false and the duration the caller should wait before
// retrying. n is never partially consumed: it is an all-or-nothing debit,
// per spec.md §4.1. Callers requesting n larger than capacity must chunk;
// this method does not chunk on their behalf.
func (b *Bucket) TryConsume(n float64) (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.clock.Now())
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	deficit := n - b.tokens
	if b.refillPerSec <= 0 {
		return false, time.Duration(1<<63 - 1)
	}
	return false, time.Duration(deficit / b.refillPerSec * float64(time.Second))
}

// Refund returns n tokens to the bucket, clamped at capacity. Used by
// RateLimitedStream to give back tokens paid for bytes a short read or
// write did not actually consume.
func (b *Bucket) Refund(n float64) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	b.tokens += n
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Debit subtracts n tokens unconditionally, floored at zero. Used to apply
// a cluster UsageUpdate from a peer: the local bucket is debited by the
// peer's observed consumption, producing approximate global limiting.
func (b *Bucket) Debit(n float64) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	b.tokens -= n
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// Tokens returns the current token count after an up-to-date refill. Used
// by tests and by the gossip layer to compute how much has been consumed
// since the last broadcast.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	return b.tokens
}

// AtCapacity reports whether the bucket currently holds no debt, i.e. it is
// safe to evict under the optional bounded-LRU sweep (spec.md §4.2: "only
// allowed when a bucket is at full capacity").
func (b *Bucket) AtCapacity() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	return b.tokens >= b.capacity
}
