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

package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func echoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func writeConfig(t *testing.T, path, listenAddr, backendAddr string) {
	t.Helper()
	body := fmt.Sprintf(`
rules:
  - name: web
    listen: %q
    backends:
      - %q
`, listenAddr, backendAddr)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestSupervisorProxiesThroughLoadedRule exercises the full wiring: a
// config file names one rule, the supervisor starts its acceptor, and a
// plain TCP client round-trips through it to the backend.
func TestSupervisorProxiesThroughLoadedRule(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "l4lb.yaml")

	listenAddr := freeAddr(t)
	backendAddr := echoBackend(t)
	writeConfig(t, cfgPath, listenAddr, backendAddr)

	sup := New(cfgPath, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", listenAddr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	conn, err := net.Dial("tcp", listenAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, len("ping"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	cancel()
	require.NoError(t, <-done)
}

// TestSupervisorReloadsOnConfigChange exercises spec.md §4.8's retained-
// listener path: editing the backend address in place keeps the same
// listener running but routes subsequent connections to the new backend.
func TestSupervisorReloadsOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "l4lb.yaml")

	listenAddr := freeAddr(t)
	firstBackend := echoBackend(t)
	writeConfig(t, cfgPath, listenAddr, firstBackend)

	sup := New(cfgPath, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		_, ok := sup.rules["web"]
		sup.mu.Unlock()
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	secondBackend := echoBackend(t)
	writeConfig(t, cfgPath, listenAddr, secondBackend)

	require.Eventually(t, func() bool {
		sup.mu.Lock()
		r, ok := sup.rules["web"]
		sup.mu.Unlock()
		if !ok {
			return false
		}
		snap := r.pool.Snapshot()
		return len(snap) == 1 && snap[0].Addr == secondBackend
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
