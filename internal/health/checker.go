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

// Package health implements the active prober: a per-rule periodic loop
// that probes every backend concurrently and reports pass/fail to a
// Tracker (implemented by *backend.Pool). Grounded on
// original_source/src/core/health.rs's start_health_check/check_tcp/
// check_http, restructured around the teacher's Checker/Tracker interface
// split (health/checker.go in bufbuild/httplb) so the probe loop is
// testable independent of any real pool implementation.
package health

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/l4lb/l4lb/internal/clock"
)

// Protocol selects how a backend is probed.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolHTTP Protocol = "http"
)

// Tracker receives probe results. *backend.Pool implements this via its
// SetHealth method, but the interface keeps this package free of an
// import-cycle-prone dependency on internal/backend and lets tests use a
// fake.
type Tracker interface {
	SetHealth(addr string, healthy bool) bool
}

// Config controls one rule's probe loop, mirroring
// original_source/src/config/mod.rs's HealthCheckConfig.
type Config struct {
	Enabled      bool
	Interval     time.Duration
	Timeout      time.Duration
	Protocol     Protocol
	Path         string // HTTP only
}

// Checker runs the periodic probe loop for one rule's set of backends.
type Checker struct {
	clock   clock.Clock
	tracker Tracker
	cfg     Config
	logger  *slog.Logger
	dial    func(ctx context.Context, addr string) (net.Conn, error)

	cron   *cron.Cron
	entry  cron.EntryID
}

// NewChecker builds a Checker whose probes dial with
// net.Dialer.DialContext.
func NewChecker(clk clock.Clock, tracker Tracker, cfg Config, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		clock:   clk,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Start launches the periodic probe loop against addrs using
// robfig/cron/v3's "@every" schedule spec, per SPEC_FULL.md's DOMAIN
// STACK, in place of a hand-rolled ticker. Probing stops when ctx is
// canceled or Stop is called.
func (c *Checker) Start(ctx context.Context, addrs []string) error {
	if !c.cfg.Enabled {
		return nil
	}
	c.cron = cron.New()
	spec := fmt.Sprintf("@every %s", c.cfg.Interval)
	id, err := c.cron.AddFunc(spec, func() { c.probeAll(ctx, addrs) })
	if err != nil {
		return fmt.Errorf("health: invalid probe schedule %q: %w", spec, err)
	}
	c.entry = id
	c.cron.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// Stop halts the probe loop. Safe to call more than once.
func (c *Checker) Stop() {
	if c.cron != nil {
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
}

// probeAll runs one round of probes, one goroutine per backend, per
// spec.md §4.5: "Each probe is independent; one slow backend does not
// block others." errgroup fans the batch out and waits for the whole
// round before the next scheduled tick, mirroring the teacher's use of
// errgroup for concurrent per-connection work in balancer.go.
func (c *Checker) probeAll(ctx context.Context, addrs []string) {
	var g errgroup.Group
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			healthy := c.probeOne(ctx, addr)
			changed := c.tracker.SetHealth(addr, healthy)
			if changed {
				if healthy {
					c.logger.Info("backend marked healthy", "addr", addr)
				} else {
					c.logger.Warn("backend marked unhealthy", "addr", addr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Checker) probeOne(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	switch c.cfg.Protocol {
	case ProtocolHTTP:
		return c.checkHTTP(ctx, addr)
	default:
		return c.checkTCP(ctx, addr)
	}
}

// checkTCP succeeds iff a TCP connection to addr completes before ctx
// expires, per spec.md §4.5's TCP mode and
// original_source/src/core/health.rs's check_tcp.
func (c *Checker) checkTCP(ctx context.Context, addr string) bool {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		c.logger.Debug("tcp probe failed", "addr", addr, "error", err)
		return false
	}
	conn.Close()
	return true
}

// checkHTTP connects, issues a bare GET, and requires the first status
// line to be "HTTP/1.x 200 ..." (an HTTP/1 version and status code 200;
// the reason phrase is not checked), per spec.md §4.5's HTTP mode and
// original_source/src/core/health.rs's check_http.
func (c *Checker) checkHTTP(ctx context.Context, addr string) bool {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		c.logger.Debug("http probe connect failed", "addr", addr, "error", err)
		return false
	}
	defer conn.Close()

	path := c.cfg.Path
	if path == "" {
		path = "/"
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, addr)
	if _, err := conn.Write([]byte(req)); err != nil {
		c.logger.Debug("http probe write failed", "addr", addr, "error", err)
		return false
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		c.logger.Debug("http probe read failed", "addr", addr, "error", err)
		return false
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/1.") || fields[1] != "200" {
		c.logger.Debug("http probe status not 200", "addr", addr, "line", line)
		return false
	}
	return true
}
