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
	"testing"
	"time"

	"github.com/l4lb/l4lb/internal/clock/clocktest"
	"github.com/stretchr/testify/require"
)

func TestBucketTryConsumeAndRefill(t *testing.T) {
	clk := clocktest.NewFakeClock()
	b := NewBucket(clk, 10, 5) // capacity 10, refill 5/s

	ok, wait := b.TryConsume(10)
	require.True(t, ok)
	require.Zero(t, wait)

	ok, wait = b.TryConsume(1)
	require.False(t, ok)
	require.Equal(t, 200*time.Millisecond, wait)

	clk.Advance(time.Second)
	require.InDelta(t, 5, b.Tokens(), 0.001)

	ok, _ = b.TryConsume(5)
	require.True(t, ok)
	require.InDelta(t, 0, b.Tokens(), 0.001)
}

func TestBucketClampsAtCapacity(t *testing.T) {
	clk := clocktest.NewFakeClock()
	b := NewBucket(clk, 10, 5)

	clk.Advance(10 * time.Second)
	require.InDelta(t, 10, b.Tokens(), 0.001)
}

func TestBucketRefund(t *testing.T) {
	clk := clocktest.NewFakeClock()
	b := NewBucket(clk, 10, 1)

	ok, _ := b.TryConsume(8)
	require.True(t, ok)
	b.Refund(3)
	require.InDelta(t, 5, b.Tokens(), 0.001)
}

func TestBucketDebitFloorsAtZero(t *testing.T) {
	clk := clocktest.NewFakeClock()
	b := NewBucket(clk, 10, 0)

	b.Debit(100)
	require.InDelta(t, 0, b.Tokens(), 0.001)
}

func TestBucketFairnessInvariant(t *testing.T) {
	// Invariant 4 from spec.md §8: a bucket of capacity C and rate R, hit
	// by a steady stream faster than R for time T, grants exactly
	// floor(C + R*T) tokens, +/- 1.
	clk := clocktest.NewFakeClock()
	capacity, rate := 5.0, 2.0
	b := NewBucket(clk, capacity, rate)

	granted := 0.0
	totalElapsed := time.Duration(0)
	step := 50 * time.Millisecond
	for totalElapsed < 10*time.Second {
		ok, _ := b.TryConsume(1)
		if ok {
			granted++
		}
		clk.Advance(step)
		totalElapsed += step
	}

	want := capacity + rate*totalElapsed.Seconds()
	require.InDelta(t, want, granted, 1.0)
}
