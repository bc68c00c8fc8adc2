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

package acceptor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPoolAcceptsAndDispatches(t *testing.T) {
	var handled atomic.Int64
	handler := func(_ context.Context, conn net.Conn, _ *net.TCPAddr) {
		defer conn.Close()
		handled.Add(1)
	}

	pool := New("test-rule", "127.0.0.1:0", 2, 0, discardLogger(), handler)
	require.NoError(t, pool.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	addr := pool.listeners[0].Addr().String()
	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		conn.Close()
	}

	require.Eventually(t, func() bool { return handled.Load() == 5 }, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPoolMultipleWorkersBindSameAddress(t *testing.T) {
	// Port 0 lets each Listen pick its own free ephemeral port regardless
	// of SO_REUSEPORT, so a fixed port is needed to actually exercise
	// multiple workers sharing one address.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	pool := New("test-rule", addr, 4, 0, discardLogger(), func(context.Context, net.Conn, *net.TCPAddr) {})
	require.NoError(t, pool.Start())
	defer pool.closeAll()

	require.Len(t, pool.listeners, 4)
	for _, ln := range pool.listeners {
		// SO_REUSEPORT lets every worker bind the exact same address; on a
		// platform without it (the !unix build) later binds would instead
		// fail outright rather than silently landing on a different port.
		require.Equal(t, addr, ln.Addr().String())
	}
}

func TestWorkerCountDefaultsToNumCPU(t *testing.T) {
	t.Setenv("NUM_ACCEPTORS", "")
	require.Greater(t, WorkerCount(), 0)
}

func TestWorkerCountHonorsEnvOverride(t *testing.T) {
	t.Setenv("NUM_ACCEPTORS", "3")
	require.Equal(t, 3, WorkerCount())
}
