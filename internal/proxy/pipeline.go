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

// Package proxy implements the per-connection orchestration: admission,
// optional client TLS, backend pick, dial, optional backend TLS,
// rate-limited wrapping, and the bidirectional copy with half-close.
// Grounded on original_source/src/networking/proxy.rs's
// proxy_connection, restructured as discrete named steps the way the
// teacher structures balancer.go's connection lifecycle methods.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/l4lb/l4lb/internal/acl"
	"github.com/l4lb/l4lb/internal/backend"
	"github.com/l4lb/l4lb/internal/clock"
	"github.com/l4lb/l4lb/internal/metrics"
	"github.com/l4lb/l4lb/internal/proxyproto"
	"github.com/l4lb/l4lb/internal/ratelimit"
)

// Config bundles everything one rule's pipeline needs to handle a single
// accepted connection. Built once per rule by the supervisor and shared
// (read-only) across all of that rule's connections; swapped wholesale on
// hot reload, per spec.md §4.8.
type Config struct {
	RuleName string

	Pool *backend.Pool

	ClientTLS  *tls.Config // nil if the rule does not terminate TLS
	BackendTLS *tls.Config // nil if the rule dials plaintext backends

	ConnectRateLimiter *ratelimit.Limiter // keyed by client IP, nil if disabled

	// The four limiter handles spec.md §3 calls for, one per direction of
	// each stream. Client limiters are keyed by client IP, backend
	// limiters by backend address. Any of the four may be nil to skip
	// throttling that direction.
	ClientUploadLimiter    *ratelimit.Limiter // client stream reads (client -> proxy)
	ClientDownloadLimiter  *ratelimit.Limiter // client stream writes (proxy -> client)
	BackendUploadLimiter   *ratelimit.Limiter // backend stream writes (proxy -> backend)
	BackendDownloadLimiter *ratelimit.Limiter // backend stream reads (backend -> proxy)

	ACL               *acl.List // nil means allow everything
	SendProxyProtocol bool
	ConnectTimeout    time.Duration
	// IdleTimeout carries the rule's idle_timeout_ms. HandleConn does not
	// apply it: sessions have no idle timeout whatever its value.
	IdleTimeout time.Duration

	Metrics *metrics.Registry
	Logger  *slog.Logger
	Clock   clock.Clock
}

// HandleConn runs one connection's full pipeline to completion. It always
// closes clientConn before returning; admission failures (ACL deny,
// rate-limit rejection, pool exhaustion) close the connection silently
// without writing any reply bytes, matching spec.md §4.6/§7's policy.
func HandleConn(ctx context.Context, cfg Config, clientConn net.Conn, localAddr *net.TCPAddr) {
	defer clientConn.Close()

	connID := uuid.NewString()
	logger := cfg.Logger.With("rule", cfg.RuleName, "conn_id", connID)
	start := cfg.Clock.Now()

	clientIP := hostOf(clientConn.RemoteAddr())

	if cfg.ACL != nil && !cfg.ACL.IsAllowed(net.ParseIP(clientIP)) {
		logger.Debug("connection rejected by acl", "client_ip", clientIP)
		return
	}

	if cfg.ConnectRateLimiter != nil {
		if ok, _ := cfg.ConnectRateLimiter.TryConsume(clientIP, 1); !ok {
			logger.Debug("connection rejected by rate limiter", "client_ip", clientIP)
			return
		}
	}

	clientStream, err := acceptClientTLS(cfg, clientConn)
	if err != nil {
		logger.Info("client tls handshake failed", "error", err)
		return
	}

	if cfg.Metrics != nil {
		cfg.Metrics.ConnectionAccepted(cfg.RuleName)
		defer func() {
			cfg.Metrics.ConnectionClosed(cfg.RuleName, cfg.Clock.Now().Sub(start).Seconds())
		}()
	}

	b, guard, err := cfg.Pool.Pick()
	if err != nil {
		logger.Debug("no backend available", "error", err)
		return
	}
	if cfg.Metrics != nil {
		cfg.Metrics.SetBackendActive(cfg.RuleName, b.Addr, b.ActiveConnections())
		// Registered before guard.Release() so it runs after it (defers
		// unwind LIFO): the gauge must reflect the count post-decrement,
		// not the stale count captured at admission time.
		defer func() {
			cfg.Metrics.SetBackendActive(cfg.RuleName, b.Addr, b.ActiveConnections())
		}()
	}
	defer guard.Release()

	backendConn, err := dialBackend(ctx, cfg, b, clientConn.RemoteAddr(), localAddr)
	if err != nil {
		logger.Info("backend dial failed", "backend", b.Addr, "error", err)
		return
	}
	defer backendConn.Close()

	backendStream, err := wrapBackendTLS(cfg, backendConn, b.Addr)
	if err != nil {
		logger.Info("backend tls handshake failed", "backend", b.Addr, "error", err)
		return
	}

	// Upload and download are independently configurable per spec.md §6,
	// so each direction of each stream gets its own limiter handle.
	clientRL := ratelimit.NewStream(cfg.Clock, clientStream, cfg.ClientUploadLimiter, cfg.ClientDownloadLimiter, clientIP)
	backendRL := ratelimit.NewStream(cfg.Clock, backendStream, cfg.BackendDownloadLimiter, cfg.BackendUploadLimiter, b.Addr)

	copyBidirectional(logger, clientRL, backendRL, cfg)
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// acceptClientTLS performs the server-side handshake when the rule
// terminates TLS, per spec.md §4.6 step 2; otherwise it returns the raw
// connection unchanged.
func acceptClientTLS(cfg Config, conn net.Conn) (net.Conn, error) {
	if cfg.ClientTLS == nil {
		return conn, nil
	}
	tlsConn := tls.Server(conn, cfg.ClientTLS)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.effectiveConnectTimeout())
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

func (c Config) effectiveConnectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 10 * time.Second
}

// dialBackend dials b with ConnectTimeout, disables Nagle on both sides,
// and, if configured, writes a PROXY protocol v2 header ahead of any TLS
// handshake or rate-limited wrapping, per spec.md §4.6 step 4 and
// SPEC_FULL.md §4.11. A dial failure reports to the backend's circuit
// breaker, the optional fast-fail demotion spec.md §4.6 step 4 calls out.
func dialBackend(ctx context.Context, cfg Config, b *backend.Backend, clientAddr, localAddr net.Addr) (net.Conn, error) {
	dial := func() (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.effectiveConnectTimeout()}
		conn, err := d.DialContext(ctx, "tcp", b.Addr)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		return conn, nil
	}

	var conn net.Conn
	var err error
	if b.Breaker != nil {
		_, err = b.Breaker.Execute(func() (struct{}, error) {
			var dialErr error
			conn, dialErr = dial()
			return struct{}{}, dialErr
		})
	} else {
		conn, err = dial()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, fmt.Errorf("backend %s: circuit open: %w", b.Addr, err)
		}
		return nil, err
	}

	if cfg.SendProxyProtocol {
		srcTCP, _ := clientAddr.(*net.TCPAddr)
		dstTCP, _ := localAddr.(*net.TCPAddr)
		header := proxyproto.V2Header(srcTCP, dstTCP)
		if _, err := conn.Write(header); err != nil {
			conn.Close()
			return nil, fmt.Errorf("writing proxy protocol header: %w", err)
		}
	}
	return conn, nil
}

// wrapBackendTLS performs the client-side handshake to the backend when
// configured, honoring InsecureSkipVerify per spec.md §4.6 step 5: "fail
// closed on untrusted chain" when verification is enabled.
func wrapBackendTLS(cfg Config, conn net.Conn, backendAddr string) (net.Conn, error) {
	if cfg.BackendTLS == nil {
		return conn, nil
	}
	tlsCfg := cfg.BackendTLS.Clone()
	if tlsCfg.ServerName == "" {
		host, _, err := net.SplitHostPort(backendAddr)
		if err == nil {
			tlsCfg.ServerName = host
		}
	}
	tlsConn := tls.Client(conn, tlsCfg)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.effectiveConnectTimeout())
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// halfCloser is implemented by connections that can shut down one
// direction while leaving the other open -- *net.TCPConn's CloseWrite,
// or a TLS stream's CloseWrite, which emits close_notify first, per
// spec.md §9's note on half-close over TLS.
type halfCloser interface {
	CloseWrite() error
}

// copyBidirectional runs the two copy loops required by spec.md §4.6
// step 7: client-read -> backend-write and backend-read -> client-write,
// concurrently, each half-closing its peer's write side on EOF so the
// other direction can keep draining. The pipeline returns once both
// loops finish.
func copyBidirectional(logger *slog.Logger, client, backendStream io.ReadWriteCloser, cfg Config) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := io.Copy(backendStream, client)
		if cfg.Metrics != nil {
			cfg.Metrics.AddTraffic(cfg.RuleName, metrics.DirectionClientIn, int(n))
		}
		if hc, ok := backendStream.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
		if err != nil && !isBenignCopyError(err) {
			logger.Debug("client->backend copy ended", "error", err)
		}
	}()

	go func() {
		defer wg.Done()
		n, err := io.Copy(client, backendStream)
		if cfg.Metrics != nil {
			cfg.Metrics.AddTraffic(cfg.RuleName, metrics.DirectionBackendIn, int(n))
		}
		if hc, ok := client.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
		if err != nil && !isBenignCopyError(err) {
			logger.Debug("backend->client copy ended", "error", err)
		}
	}()

	wg.Wait()
}

func isBenignCopyError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
