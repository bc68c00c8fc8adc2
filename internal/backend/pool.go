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
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolEmpty is returned by Pick when the pool has no backends at all.
var ErrPoolEmpty = errors.New("backend: pool has no backends configured")

// ErrAllBackendsFull is returned by Pick when every backend is either
// unhealthy, draining, or at its connection limit.
var ErrAllBackendsFull = errors.New("backend: all backends unhealthy, draining, or at capacity")

// Pool is a per-rule backend set: a wait-free-readable snapshot of
// Backend pointers plus a shared round-robin cursor. Grounded on
// original_source/src/core/balancer.rs's LoadBalancer, adapted from
// arc_swap::ArcSwap to Go's atomic.Pointer, which gives the same
// wait-free-load/atomic-swap semantics spec.md §9 calls for.
type Pool struct {
	snapshot atomic.Pointer[[]*Backend]
	cursor   atomic.Uint64

	mu                 sync.Mutex // serializes UpdateBackends/SetHealth writers
	maxConnsPerBackend int
}

// NewPool creates an empty pool. MaxConnsPerBackend of 0 means unlimited,
// matching spec.md §3's "optional max_conns_per_backend".
func NewPool(maxConnsPerBackend int) *Pool {
	p := &Pool{maxConnsPerBackend: maxConnsPerBackend}
	empty := make([]*Backend, 0)
	p.snapshot.Store(&empty)
	return p
}

// UpdateBackends reconciles the pool against a new ordered address list
// (address, drain) pairs, preserving existing Backend objects (and their
// health/active-connection state) by address equality, per spec.md §4.4.
// New addresses start healthy=true (optimistic, per original_source) with
// the given drain flag; dropped addresses are simply not included in the
// new snapshot -- in-flight ConnectionGuards referencing them remain
// valid since the Backend struct itself is not mutated or freed.
func (p *Pool) UpdateBackends(addrs []string, drain map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	existing := make(map[string]*Backend)
	for _, b := range *p.snapshot.Load() {
		existing[b.Addr] = b
	}

	next := make([]*Backend, 0, len(addrs))
	for _, addr := range addrs {
		wantDrain := drain[addr]
		if b, ok := existing[addr]; ok {
			b.SetDraining(wantDrain)
			next = append(next, b)
			continue
		}
		next = append(next, NewBackend(addr, wantDrain))
	}
	p.snapshot.Store(&next)
}

// SetHealth updates the health bit of every snapshot entry with the named
// address (an address repeated for weighting has several). Returns false
// if no backend with that address exists.
func (p *Pool) SetHealth(addr string, healthy bool) bool {
	found := false
	for _, b := range *p.snapshot.Load() {
		if b.Addr == addr {
			b.SetHealthy(healthy)
			found = true
		}
	}
	return found
}

// Snapshot returns the current backend list. Callers must not mutate the
// returned slice; it is shared with other readers.
func (p *Pool) Snapshot() []*Backend {
	return *p.snapshot.Load()
}

// Pick selects the next eligible backend using a wait-free round-robin
// scan, per spec.md §4.4:
//  1. Load the current snapshot (wait-free).
//  2. If empty, return ErrPoolEmpty.
//  3. Advance the shared cursor (relaxed ordering is fine; starvation-free
//     over time, not per-call-fair).
//  4. Starting there, probe forward at most len(snapshot) positions,
//     skipping draining and unhealthy backends and any at its connection
//     cap; the first eligible backend wins and gets a ConnectionGuard.
//  5. If every backend was skipped, return ErrAllBackendsFull.
//
// The returned guard's Release must be called exactly once, typically via
// defer in the pipeline's teardown path, regardless of how the session
// using it ends.
func (p *Pool) Pick() (*Backend, *ConnectionGuard, error) {
	backends := *p.snapshot.Load()
	n := len(backends)
	if n == 0 {
		return nil, nil, ErrPoolEmpty
	}

	start := p.cursor.Add(1)
	for i := 0; i < n; i++ {
		idx := (start + uint64(i)) % uint64(n)
		b := backends[idx]

		if b.Draining() || !b.Healthy() {
			continue
		}
		if !p.admit(b) {
			continue
		}
		return b, &ConnectionGuard{backend: b}, nil
	}
	return nil, nil, ErrAllBackendsFull
}

// admit atomically increments b's active counter if doing so would not
// exceed maxConnsPerBackend, using a CAS loop so concurrent pickers never
// overshoot the cap even transiently.
func (p *Pool) admit(b *Backend) bool {
	if p.maxConnsPerBackend <= 0 {
		b.active.Add(1)
		return true
	}
	limit := int64(p.maxConnsPerBackend)
	for {
		cur := b.active.Load()
		if cur >= limit {
			return false
		}
		if b.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}
