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
	"testing"

	"github.com/l4lb/l4lb/internal/clock/clocktest"
	"github.com/stretchr/testify/require"
)

func TestLimiterPerKeyIsolation(t *testing.T) {
	clk := clocktest.NewFakeClock()
	l := NewLimiter(clk, 1, 100)

	ok, _ := l.TryConsume("10.0.0.1", 1)
	require.True(t, ok)
	ok, _ = l.TryConsume("10.0.0.1", 1)
	require.False(t, ok, "same key should be exhausted")

	ok, _ = l.TryConsume("10.0.0.2", 1)
	require.True(t, ok, "distinct key must have its own bucket")
}

func TestLimiterConcurrentFirstUseCreatesOneBucket(t *testing.T) {
	clk := clocktest.NewFakeClock()
	l := NewLimiter(clk, 1, 0)

	const goroutines = 50
	var wg sync.WaitGroup
	successes := make([]bool, goroutines)
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			ok, _ := l.TryConsume("shared-key", 1)
			successes[i] = ok
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	require.Equal(t, 1, count, "only one caller should win the single token across all racing first-use creations")
}

func TestLimiterDisabledIsPassThrough(t *testing.T) {
	clk := clocktest.NewFakeClock()
	l := NewLimiter(clk, 0, 0, WithDisabled())

	for i := 0; i < 1000; i++ {
		ok, wait := l.TryConsume("any-key", 1_000_000)
		require.True(t, ok)
		require.Zero(t, wait)
	}
}

func TestLimiterLRUEvictionSparesDebtBuckets(t *testing.T) {
	clk := clocktest.NewFakeClock()
	l := NewLimiter(clk, 10, 0, WithShardCount(1), WithLRUEviction(2))

	l.TryConsume("a", 10) // a: empty, owes nothing extra beyond used-up tokens but AtCapacity is false
	l.TryConsume("b", 1)
	l.TryConsume("c", 1)

	s := l.shards[0]
	s.mu.Lock()
	_, aStillPresent := s.buckets["a"]
	s.mu.Unlock()
	// a is not at capacity (it was fully drained), so the sweep must not
	// have evicted it even though it is the oldest entry.
	require.True(t, aStillPresent)
}
