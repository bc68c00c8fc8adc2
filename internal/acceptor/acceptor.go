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

// Package acceptor implements the data-plane listening side: a pool of
// SO_REUSEPORT listeners per rule, each run by its own goroutine, handing
// off every accepted connection to a caller-supplied handler. Grounded on
// spec.md §5's acceptor design and on the teacher's habit of running one
// goroutine per independent I/O loop rather than a shared event loop.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// Handler is invoked once per accepted connection, on its own goroutine.
// localAddr is the specific listener's address (identical across workers
// of the same rule, since they all bind the same host:port).
type Handler func(ctx context.Context, conn net.Conn, localAddr *net.TCPAddr)

// Backlog is the minimum accept backlog spec.md §5 calls for.
const Backlog = 4096

// WorkerCount resolves NUM_ACCEPTORS, defaulting to the number of logical
// CPUs, per spec.md §5: "default to the number of logical CPUs; override
// via an external environment knob NUM_ACCEPTORS."
func WorkerCount() int {
	if v := os.Getenv("NUM_ACCEPTORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}

// Pool runs WorkerCount listeners bound to the same address via
// SO_REUSEPORT, each wrapped in netutil.LimitListener as a coarse
// backstop admission cap (SPEC_FULL.md §2's DOMAIN STACK), and dispatches
// every accepted connection to handler.
type Pool struct {
	ruleName  string
	addr      string
	workers   int
	maxConns  int
	logger    *slog.Logger
	handler   Handler
	listeners []net.Listener
}

// New builds a Pool for one rule's listen address. maxConns of 0 means no
// backstop cap beyond the OS backlog.
func New(ruleName, addr string, workers, maxConns int, logger *slog.Logger, handler Handler) *Pool {
	if workers <= 0 {
		workers = WorkerCount()
	}
	return &Pool{
		ruleName: ruleName,
		addr:     addr,
		workers:  workers,
		maxConns: maxConns,
		logger:   logger,
		handler:  handler,
	}
}

// Start binds all worker listeners and returns once every one of them is
// listening, or the first bind failure, per spec.md §7's exit code 70 for
// listener bind failures.
func (p *Pool) Start() error {
	lc := net.ListenConfig{Control: controlReusePort}
	p.listeners = make([]net.Listener, 0, p.workers)
	for i := 0; i < p.workers; i++ {
		ln, err := lc.Listen(context.Background(), "tcp", p.addr)
		if err != nil {
			p.closeAll()
			return fmt.Errorf("acceptor: rule %q: binding %q (worker %d): %w", p.ruleName, p.addr, i, err)
		}
		if p.maxConns > 0 {
			ln = netutil.LimitListener(ln, p.maxConns)
		}
		p.listeners = append(p.listeners, ln)
	}
	return nil
}

// Run drives every worker's accept loop until ctx is canceled, then closes
// the listeners and returns once every worker has stopped. A worker whose
// listener is closed (by Close or by cancellation) stops; any other accept
// error is logged and the worker keeps accepting.
func (p *Pool) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for i, ln := range p.listeners {
		i, ln := i, ln
		group.Go(func() error {
			return p.acceptLoop(groupCtx, i, ln)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		p.closeAll()
		return nil
	})
	return group.Wait()
}

func (p *Pool) acceptLoop(ctx context.Context, worker int, ln net.Listener) error {
	localAddr, _ := ln.Addr().(*net.TCPAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			p.logger.Warn("acceptor: accept error", "rule", p.ruleName, "worker", worker, "error", err)
			continue
		}
		go p.handler(ctx, conn, localAddr)
	}
}

// Close stops accepting on every worker listener immediately; already
// dispatched connections continue to run to completion independently.
func (p *Pool) Close() {
	p.closeAll()
}

func (p *Pool) closeAll() {
	for _, ln := range p.listeners {
		_ = ln.Close()
	}
}
