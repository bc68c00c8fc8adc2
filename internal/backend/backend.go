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

// Package backend implements the wait-free backend pool: an atomically
// swapped list of Backend entries, a round-robin cursor, and the
// ConnectionGuard that scopes a backend's active-connection counter to the
// lifetime of one proxied session.
package backend

import (
	"sync/atomic"

	"github.com/sony/gobreaker/v2"
)

// Backend is one upstream address. Identity is the address string;
// health, drain, and the active-connection counter are the only mutable
// state, all accessed without locking. Grounded on
// original_source/src/core/balancer.rs's Backend struct, which adds
// Drain (spec.md's distillation dropped it; SPEC_FULL.md §3 restores it).
type Backend struct {
	Addr string

	healthy atomic.Bool
	drain   atomic.Bool
	active  atomic.Int64

	// Breaker trips on repeated dial failures to this backend, giving a
	// fast-fail demotion ahead of the next periodic health probe: while it
	// is open, the pipeline's dial to this backend fails without dialing.
	// Pick does not consult it; selection still goes by health, drain
	// state, and the connection cap.
	Breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBackend creates a Backend optimistically marked healthy, matching
// original_source's "Optimistic init" comment on Backend::healthy, with a
// circuit breaker using gobreaker's default settings.
func NewBackend(addr string, drain bool) *Backend {
	b := &Backend{Addr: addr}
	b.Breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{Name: addr})
	b.healthy.Store(true)
	b.drain.Store(drain)
	return b
}

// Healthy reports the backend's current health bit.
func (b *Backend) Healthy() bool { return b.healthy.Load() }

// SetHealthy updates the health bit and reports whether it changed.
func (b *Backend) SetHealthy(healthy bool) (changed bool) {
	return b.healthy.Swap(healthy) != healthy
}

// Draining reports whether the backend is configured to refuse new
// sessions while letting in-flight ones finish, independent of health.
func (b *Backend) Draining() bool { return b.drain.Load() }

// SetDraining updates the drain bit, used by config reload when a
// backend's BackendConfig.Drain value changes.
func (b *Backend) SetDraining(draining bool) { b.drain.Store(draining) }

// ActiveConnections returns the current live-guard count.
func (b *Backend) ActiveConnections() int64 { return b.active.Load() }

// ConnectionGuard is a scope-bound token: construction increments the
// owning Backend's active counter, Release (called exactly once, normally
// via defer) decrements it. Grounded on
// original_source/src/core/balancer.rs's ConnectionGuard, which relies on
// Rust's Drop; Go has no destructor, so callers must defer Release
// themselves -- BackendPool.Pick documents this contract.
type ConnectionGuard struct {
	backend *Backend
}

// Release decrements the guard's backend's active counter. Safe to call
// at most once; calling it again would double-decrement, so callers own a
// single release path (the pipeline's teardown), not several.
func (g *ConnectionGuard) Release() {
	if g == nil || g.backend == nil {
		return
	}
	g.backend.active.Add(-1)
}

// Backend exposes the guarded backend, e.g. so the pipeline can log which
// address the guard belongs to.
func (g *ConnectionGuard) Backend() *Backend { return g.backend }
