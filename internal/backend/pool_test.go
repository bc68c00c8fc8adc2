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

package backend

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newHealthyPool(t *testing.T, maxConns int, addrs ...string) *Pool {
	t.Helper()
	p := NewPool(maxConns)
	p.UpdateBackends(addrs, nil)
	for _, a := range addrs {
		require.True(t, p.SetHealth(a, true))
	}
	return p
}

func TestPoolRoundRobinUniformity(t *testing.T) {
	addrs := []string{"b1:1", "b2:1", "b3:1"}
	p := newHealthyPool(t, 0, addrs...)

	counts := make(map[string]int)
	const n = 3000
	for i := 0; i < n; i++ {
		b, guard, err := p.Pick()
		require.NoError(t, err)
		counts[b.Addr]++
		guard.Release()
	}

	lo, hi := n/len(addrs), n/len(addrs)
	if n%len(addrs) != 0 {
		hi++
	}
	for _, a := range addrs {
		require.GreaterOrEqual(t, counts[a], lo)
		require.LessOrEqual(t, counts[a], hi)
	}
}

func TestPoolConnectionLimitEnforcement(t *testing.T) {
	const limit = 2
	addrs := []string{"b1:1", "b2:1"}
	p := newHealthyPool(t, limit, addrs...)

	var guards []*ConnectionGuard
	for i := 0; i < limit*len(addrs); i++ {
		_, g, err := p.Pick()
		require.NoError(t, err)
		guards = append(guards, g)
	}

	_, _, err := p.Pick()
	require.ErrorIs(t, err, ErrAllBackendsFull)

	for _, b := range p.Snapshot() {
		require.LessOrEqual(t, b.ActiveConnections(), int64(limit))
	}

	for _, g := range guards {
		g.Release()
	}
}

func TestPoolGuardReleaseRestoresCounter(t *testing.T) {
	p := newHealthyPool(t, 0, "b1:1")

	b, g, err := p.Pick()
	require.NoError(t, err)
	require.EqualValues(t, 1, b.ActiveConnections())

	g.Release()
	require.EqualValues(t, 0, b.ActiveConnections())
}

func TestPoolHealthFlipVisibility(t *testing.T) {
	p := newHealthyPool(t, 0, "b1:1", "b2:1")

	require.True(t, p.SetHealth("b1:1", false))

	for i := 0; i < 20; i++ {
		b, g, err := p.Pick()
		require.NoError(t, err)
		require.Equal(t, "b2:1", b.Addr)
		g.Release()
	}
}

func TestPoolDrainingBackendSkipped(t *testing.T) {
	p := NewPool(0)
	p.UpdateBackends([]string{"b1:1", "b2:1"}, map[string]bool{"b1:1": true})
	p.SetHealth("b1:1", true)
	p.SetHealth("b2:1", true)

	for i := 0; i < 10; i++ {
		b, g, err := p.Pick()
		require.NoError(t, err)
		require.Equal(t, "b2:1", b.Addr)
		g.Release()
	}
}

func TestPoolUpdateDoesNotDisruptInFlightGuard(t *testing.T) {
	p := newHealthyPool(t, 0, "b1:1")

	b, g, err := p.Pick()
	require.NoError(t, err)
	require.EqualValues(t, 1, b.ActiveConnections())

	// Hot-reload drops b1:1 from the address list entirely.
	p.UpdateBackends([]string{"b2:1"}, nil)
	p.SetHealth("b2:1", true)

	// The in-flight guard still refers to the retired Backend struct and
	// releasing it must not panic or affect the new snapshot.
	g.Release()
	require.EqualValues(t, 0, b.ActiveConnections())

	for _, nb := range p.Snapshot() {
		require.NotEqual(t, "b1:1", nb.Addr)
	}
}

func TestPoolEmptySnapshotReturnsErrPoolEmpty(t *testing.T) {
	p := NewPool(0)
	_, _, err := p.Pick()
	require.ErrorIs(t, err, ErrPoolEmpty)
}

func TestPoolConcurrentPicksNeverExceedLimit(t *testing.T) {
	const limit = 5
	p := newHealthyPool(t, limit, "b1:1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var guards []*ConnectionGuard
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, g, err := p.Pick(); err == nil {
				mu.Lock()
				guards = append(guards, g)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, len(guards), limit)
	b := p.Snapshot()[0]
	require.LessOrEqual(t, b.ActiveConnections(), int64(limit))

	for _, g := range guards {
		g.Release()
	}
}
