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

// Package supervisor builds the running system from a config.Config and
// applies hot-reload deltas on file-watcher events, per spec.md §4.8.
// Grounded on spec.md's listener-diff / limiter-update / health-checker-
// restart rules, using fsnotify for the watch (SPEC_FULL.md's DOMAIN
// STACK) the way mercator-hq-jupiter watches its own config directory.
package supervisor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/l4lb/l4lb/internal/acceptor"
	"github.com/l4lb/l4lb/internal/acl"
	"github.com/l4lb/l4lb/internal/backend"
	"github.com/l4lb/l4lb/internal/clock"
	"github.com/l4lb/l4lb/internal/cluster"
	"github.com/l4lb/l4lb/internal/config"
	"github.com/l4lb/l4lb/internal/health"
	"github.com/l4lb/l4lb/internal/metrics"
	"github.com/l4lb/l4lb/internal/proxy"
	"github.com/l4lb/l4lb/internal/ratelimit"
)

// ErrInvalidConfig and ErrListenerBind classify Run's initial-startup
// failure for cmd/l4lb's exit-code mapping, per spec.md §6: 64 for a bad
// config, 70 for a listener that failed to bind. Only the first
// config.Load/reconcile call during Run is wrapped this way; a later
// reload failure is logged and does not affect the process's exit code.
var (
	ErrInvalidConfig = errors.New("supervisor: invalid config")
	ErrListenerBind  = errors.New("supervisor: listener bind failure")
)

// rule bundles everything one config Rule owns at runtime: its backend
// pool, acceptor worker pool, health checker, and the swappable pipeline
// Config every accepted connection reads.
type rule struct {
	name string

	pool     *backend.Pool
	checker  *health.Checker
	acceptor *acceptor.Pool

	pipelineCfg atomic.Pointer[proxy.Config]
}

// Supervisor owns the full set of running rules plus the optional gossip
// node, and reconciles them against config file changes.
type Supervisor struct {
	configPath string
	logger     *slog.Logger
	metrics    *metrics.Registry
	clock      clock.Clock

	mu      sync.Mutex
	rules   map[string]*rule
	cluster *cluster.Node
}

// New builds an idle Supervisor; call Run to load the initial config,
// start every rule, and watch for subsequent changes.
func New(configPath string, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		logger:     logger,
		metrics:    metrics.New(),
		clock:      clock.NewRealClock(),
		rules:      make(map[string]*rule),
	}
}

// Metrics exposes the process-local registry, e.g. for a host binary that
// wants to mount its own /metrics endpoint.
func (s *Supervisor) Metrics() *metrics.Registry { return s.metrics }

// Run loads the config, starts every rule, and blocks watching the config
// file for changes until ctx is canceled. A listener bind failure during
// the initial load is returned directly so cmd/l4lb can map it to exit
// code 70; later reload failures are logged and the prior config stays in
// effect.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := s.reconcile(ctx, cfg); err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrListenerBind, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("supervisor: starting config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.configPath); err != nil {
		return fmt.Errorf("supervisor: watching %s: %w", s.configPath, err)
	}

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.handleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("supervisor: config watcher error", "error", err)
		}
	}
}

func (s *Supervisor) handleReload() {
	newCfg, err := config.Load(s.configPath)
	if err != nil {
		s.logger.Warn("supervisor: reload failed, keeping previous config", "error", err)
		return
	}
	if err := s.reconcile(context.Background(), newCfg); err != nil {
		s.logger.Warn("supervisor: reconcile failed, some rules may be stale", "error", err)
	}
}

// reconcile applies spec.md §4.8's listener diff: rules present in cfg but
// not yet running are started; rules running but absent from cfg are
// stopped; rules present in both have their pool, limiters, TLS material,
// and health checker updated in place.
func (s *Supervisor) reconcile(ctx context.Context, cfg *config.Config) error {
	// Phase 1, under the lock: classify every configured rule as an
	// in-place update (done synchronously here) or a fresh start (deferred
	// to phase 2, run without the lock held so concurrent starts don't
	// serialize on it).
	s.mu.Lock()
	seen := make(map[string]bool, len(cfg.Rules))
	var toStart []config.Rule
	for i := range cfg.Rules {
		rc := cfg.Rules[i]
		seen[rc.Name] = true
		if existing, ok := s.rules[rc.Name]; ok {
			s.updateRule(existing, rc)
			continue
		}
		toStart = append(toStart, rc)
	}
	s.mu.Unlock()

	// Phase 2, lock-free: start every new rule concurrently. Rules run
	// under ctx itself, not an errgroup context, which is canceled as
	// soon as Wait returns.
	var group errgroup.Group
	started := make([]*rule, len(toStart))
	for i, rc := range toStart {
		i, rc := i, rc
		group.Go(func() error {
			r, err := s.startRule(ctx, rc)
			if err != nil {
				return fmt.Errorf("rule %q: %w", rc.Name, err)
			}
			started[i] = r
			return nil
		})
	}
	startErr := group.Wait()

	// Phase 3, under the lock: merge newly started rules and stop any
	// rule no longer present in cfg.
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range started {
		if r != nil {
			s.rules[r.name] = r
		}
	}
	for name, r := range s.rules {
		if !seen[name] {
			s.stopRule(r)
			delete(s.rules, name)
		}
	}
	if err := s.reconcileCluster(cfg.Cluster); err != nil {
		s.logger.Warn("supervisor: cluster reconcile failed", "error", err)
	}

	return startErr
}

func (s *Supervisor) reconcileCluster(cc *config.ClusterConfig) error {
	if cc == nil || !cc.Enabled {
		if s.cluster != nil {
			s.cluster.Close()
			s.cluster = nil
		}
		return nil
	}
	if s.cluster != nil {
		return nil // already running; peer list changes require a restart, deferred to an operator-driven process restart
	}
	node, err := cluster.New(cc.BindAddr, cc.Peers, s.logger)
	if err != nil {
		return err
	}
	s.cluster = node
	go func() {
		if err := node.Run(context.Background()); err != nil {
			s.logger.Warn("cluster: node stopped", "error", err)
		}
	}()
	return nil
}

// startRule builds a fresh rule's pool, limiters, health checker, and
// acceptor, and starts accepting connections for it.
func (s *Supervisor) startRule(ctx context.Context, rc config.Rule) (*rule, error) {
	maxConns := 0
	if rc.BackendConnectionLimit != nil {
		maxConns = *rc.BackendConnectionLimit
	}
	pool := backend.NewPool(maxConns)
	pool.UpdateBackends(backendAddrs(rc.Backends), backendDrain(rc.Backends))

	r := &rule{name: rc.Name, pool: pool}

	pipelineCfg, err := s.buildPipelineConfig(rc, pool)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	r.pipelineCfg.Store(pipelineCfg)

	if rc.HealthCheck != nil && rc.HealthCheck.Enabled {
		r.checker = health.NewChecker(s.clock, pool, health.Config{
			Enabled:  true,
			Interval: time.Duration(rc.HealthCheck.IntervalMS) * time.Millisecond,
			Timeout:  time.Duration(rc.HealthCheck.TimeoutMS) * time.Millisecond,
			Protocol: health.Protocol(rc.HealthCheck.Protocol),
			Path:     rc.HealthCheck.Path,
		}, s.logger)
		if err := r.checker.Start(ctx, backendAddrs(rc.Backends)); err != nil {
			return nil, fmt.Errorf("starting health checker: %w", err)
		}
	}

	r.acceptor = acceptor.New(rc.Name, rc.Listen, acceptor.WorkerCount(), acceptorCap(maxConns, len(rc.Backends)), s.logger,
		func(connCtx context.Context, conn net.Conn, localAddr *net.TCPAddr) {
			cfg := r.pipelineCfg.Load()
			proxy.HandleConn(connCtx, *cfg, conn, localAddr)
		})
	if err := r.acceptor.Start(); err != nil {
		return nil, fmt.Errorf("starting acceptor: %w", err)
	}
	go func() {
		if err := r.acceptor.Run(ctx); err != nil {
			s.logger.Warn("rule acceptor stopped", "rule", rc.Name, "error", err)
		}
	}()

	return r, nil
}

// updateRule applies the retained-listener path of spec.md §4.8: the
// pool's backend list, TLS material, and limiter parameters are updated
// in place; the health checker is restarted with new parameters.
// Existing sessions keep referencing their previously bound limiters
// until they end, a deliberate trade spec.md §4.8 calls out explicitly.
// It does not change backend_connection_limit: that bound is fixed into
// the Pool at construction (it gates an atomic counter's ceiling, not a
// swappable value), so changing it requires recreating the rule instead.
func (s *Supervisor) updateRule(r *rule, rc config.Rule) {
	r.pool.UpdateBackends(backendAddrs(rc.Backends), backendDrain(rc.Backends))

	if newCfg, err := s.buildPipelineConfig(rc, r.pool); err == nil {
		r.pipelineCfg.Store(newCfg)
	} else {
		s.logger.Warn("supervisor: rebuilding pipeline config failed, keeping previous", "rule", rc.Name, "error", err)
	}

	if r.checker != nil {
		r.checker.Stop()
		r.checker = nil
	}
	if rc.HealthCheck != nil && rc.HealthCheck.Enabled {
		r.checker = health.NewChecker(s.clock, r.pool, health.Config{
			Enabled:  true,
			Interval: time.Duration(rc.HealthCheck.IntervalMS) * time.Millisecond,
			Timeout:  time.Duration(rc.HealthCheck.TimeoutMS) * time.Millisecond,
			Protocol: health.Protocol(rc.HealthCheck.Protocol),
			Path:     rc.HealthCheck.Path,
		}, s.logger)
		_ = r.checker.Start(context.Background(), backendAddrs(rc.Backends))
	}
}

func (s *Supervisor) stopRule(r *rule) {
	if r.checker != nil {
		r.checker.Stop()
	}
	if r.acceptor != nil {
		r.acceptor.Close()
	}
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		s.stopRule(r)
	}
	if s.cluster != nil {
		s.cluster.Close()
	}
}

func (s *Supervisor) buildPipelineConfig(rc config.Rule, pool *backend.Pool) (*proxy.Config, error) {
	cfg := &proxy.Config{
		RuleName:          rc.Name,
		Pool:              pool,
		SendProxyProtocol: rc.SendProxyProtocol,
		ConnectTimeout:    5 * time.Second,
		Metrics:           s.metrics,
		Logger:            s.logger,
		Clock:             s.clock,
	}
	if rc.IdleTimeoutMS != nil {
		cfg.IdleTimeout = time.Duration(*rc.IdleTimeoutMS) * time.Millisecond
	}

	if rc.TLS != nil && rc.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(rc.TLS.Cert, rc.TLS.Key)
		if err != nil {
			return nil, fmt.Errorf("loading TLS material for rule %q: %w", rc.Name, err)
		}
		cfg.ClientTLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if rc.BackendTLS != nil && rc.BackendTLS.Enabled {
		cfg.BackendTLS = &tls.Config{InsecureSkipVerify: rc.BackendTLS.IgnoreVerify}
	}

	if rc.ACL != nil && (len(rc.ACL.Allow) > 0 || len(rc.ACL.Deny) > 0) {
		cfg.ACL = acl.New(rc.ACL.Allow, rc.ACL.Deny, s.logger)
	}

	if rc.RateLimit != nil && rc.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(s.clock, rc.RateLimit.Burst, rc.RateLimit.RequestsPerSecond)
		cfg.ConnectRateLimiter = limiter
		s.registerWithCluster(cluster.KindConnectionRate, limiter)
	}

	if rc.BandwidthLimit != nil && rc.BandwidthLimit.Enabled {
		if rc.BandwidthLimit.Client != nil {
			upload := ratelimit.NewLimiter(s.clock, float64(rc.BandwidthLimit.Client.UploadPerSec), float64(rc.BandwidthLimit.Client.UploadPerSec))
			cfg.ClientUploadLimiter = upload
			s.registerWithCluster(cluster.KindBandwidthClientUpload, upload)

			download := ratelimit.NewLimiter(s.clock, float64(rc.BandwidthLimit.Client.DownloadPerSec), float64(rc.BandwidthLimit.Client.DownloadPerSec))
			cfg.ClientDownloadLimiter = download
			s.registerWithCluster(cluster.KindBandwidthClientDownload, download)
		}
		if rc.BandwidthLimit.Backend != nil {
			upload := ratelimit.NewLimiter(s.clock, float64(rc.BandwidthLimit.Backend.UploadPerSec), float64(rc.BandwidthLimit.Backend.UploadPerSec))
			cfg.BackendUploadLimiter = upload
			s.registerWithCluster(cluster.KindBandwidthBackendUpload, upload)

			download := ratelimit.NewLimiter(s.clock, float64(rc.BandwidthLimit.Backend.DownloadPerSec), float64(rc.BandwidthLimit.Backend.DownloadPerSec))
			cfg.BackendDownloadLimiter = download
			s.registerWithCluster(cluster.KindBandwidthBackendDownload, download)
		}
	}

	return cfg, nil
}

func (s *Supervisor) registerWithCluster(kind cluster.Kind, limiter *ratelimit.Limiter) {
	if s.cluster == nil {
		return
	}
	s.cluster.Register(kind, limiter)
}

// acceptorCap converts backend_connection_limit's per-backend bound into
// the acceptor's process-wide LimitListener backstop. backend_connection_
// limit gates guards on each individual backend (property 2: L·k live
// guards across k backends), so the listener-wide cap must scale by
// backend count too, or a multi-backend rule would be throttled to L
// concurrent connections total instead of the pool's actual L·k ceiling.
// A limit of 0 means unbounded, so it stays 0 regardless of backend count.
func acceptorCap(perBackendLimit, backendCount int) int {
	if perBackendLimit <= 0 {
		return 0
	}
	return perBackendLimit * backendCount
}

func backendAddrs(backends []config.Backend) []string {
	addrs := make([]string, len(backends))
	for i, b := range backends {
		addrs[i] = b.Addr
	}
	return addrs
}

func backendDrain(backends []config.Backend) map[string]bool {
	drain := make(map[string]bool, len(backends))
	for _, b := range backends {
		drain[b.Addr] = b.Drain
	}
	return drain
}
