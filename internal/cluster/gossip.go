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

package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sony/sonyflake/v2"

	"github.com/l4lb/l4lb/internal/clock"
)

// Limiter is the subset of ratelimit.Limiter the gossip layer needs:
// reading a key's current token count (to decide whether to broadcast)
// and debiting a key on receipt of a peer's UsageUpdate. Kept as an
// interface so this package does not import internal/ratelimit directly,
// avoiding an import cycle with the supervisor that wires both together.
type Limiter interface {
	Tokens(key string) float64
	Capacity() float64
	Debit(key string, delta float64)
}

// broadcastThreshold is the fraction of a bucket's capacity that must be
// consumed since the last broadcast before a new UsageUpdate is sent, per
// spec.md §4.9: "5% of capacity or 1s interval, whichever comes first."
const broadcastThreshold = 0.05

// broadcastInterval is the other half of that either/or condition.
const broadcastInterval = time.Second

// Node runs the UDP gossip endpoint for one instance: it periodically
// checks registered limiters for consumption since the last broadcast,
// emits UsageUpdate datagrams to every peer, and applies inbound updates
// from peers as local token debits. Per spec.md §4.9 and §9: gossip is
// advisory-only; local rate-limit enforcement must keep working even if
// the whole cluster is partitioned.
type Node struct {
	clock  clock.Clock
	logger *slog.Logger
	nodeID uint64

	conn  *net.UDPConn
	peers []*net.UDPAddr

	mu       sync.Mutex
	limiters map[Kind]Limiter
	lastSeen map[Kind]map[string]broadcastState // tokens/time at last broadcast, per key
}

// broadcastState is the bookkeeping sweepOnce needs to decide whether a
// key is due for a broadcast: the token count as of the last broadcast
// (to measure consumption) and when that broadcast happened (to enforce
// the interval half of spec.md §4.9's either/or condition).
type broadcastState struct {
	tokens float64
	at     time.Time
}

// New binds bindAddr and resolves peers. A sonyflake ID is generated for
// this node (in place of original_source's rand::random::<u64>() node
// identity) so that loop-back suppression and multi-node debugging use a
// collision-free identifier, per SPEC_FULL.md's DOMAIN STACK.
func New(bindAddr string, peerAddrs []string, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolving bind address %q: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: binding %q: %w", bindAddr, err)
	}

	peers := make([]*net.UDPAddr, 0, len(peerAddrs))
	for _, p := range peerAddrs {
		addr, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("cluster: resolving peer address %q: %w", p, err)
		}
		peers = append(peers, addr)
	}

	sf, err := sonyflake.New(sonyflake.Settings{StartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		return nil, fmt.Errorf("cluster: building node id generator: %w", err)
	}
	id, err := sf.NextID()
	if err != nil {
		return nil, fmt.Errorf("cluster: generating node id: %w", err)
	}

	return &Node{
		clock:    clock.NewRealClock(),
		logger:   logger,
		nodeID:   uint64(id),
		conn:     conn,
		peers:    peers,
		limiters: make(map[Kind]Limiter),
		lastSeen: make(map[Kind]map[string]broadcastState),
	}, nil
}

// NodeID returns this node's generated identity, used to suppress
// processing of our own broadcasts looped back through a peer.
func (n *Node) NodeID() uint64 { return n.nodeID }

// Register associates a Limiter with a Kind so the periodic sweep can
// read its per-key token counts and inbound updates of that Kind can be
// applied to it.
func (n *Node) Register(kind Kind, limiter Limiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.limiters[kind] = limiter
	n.lastSeen[kind] = make(map[string]broadcastState)
}

// Run drives both the inbound receive loop and the outbound periodic
// sweep concurrently until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- n.receiveLoop(ctx) }()
	go func() { errCh <- n.sweepLoop(ctx) }()

	select {
	case <-ctx.Done():
		n.conn.Close()
		<-errCh
		<-errCh
		return nil
	case err := <-errCh:
		n.conn.Close()
		return err
	}
}

// receiveLoop reads datagrams, decodes them, and -- unless they
// loop back our own node_id -- debits the matching limiter.
func (n *Node) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return nil
		}
		size, _, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.logger.Debug("cluster: read error", "error", err)
			continue
		}
		update, err := decodeFrame(buf[:size])
		if err != nil {
			n.logger.Debug("cluster: dropping malformed datagram", "error", err)
			continue
		}
		if update.NodeID == n.nodeID {
			continue // loop-back suppression
		}

		n.mu.Lock()
		limiter := n.limiters[update.Kind]
		n.mu.Unlock()
		if limiter == nil {
			continue
		}
		limiter.Debit(update.Key, update.Delta)
	}
}

// sweepLoop checks every registered limiter's tracked keys once per tick
// and broadcasts a UsageUpdate for any key that has consumed at least
// broadcastThreshold of its capacity since the last broadcast.
func (n *Node) sweepLoop(ctx context.Context) error {
	ticker := n.clock.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			n.sweepOnce()
		}
	}
}

// sweepOnce broadcasts a key's consumption once either half of spec.md
// §4.9's either/or condition is met: at least broadcastThreshold of
// capacity consumed since the last broadcast, or broadcastInterval
// elapsed since the last broadcast regardless of how little was
// consumed. A key with zero consumption never broadcasts either way.
func (n *Node) sweepOnce() {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock.Now()
	for kind, limiter := range n.limiters {
		seen := n.lastSeen[kind]
		for key, last := range seen {
			current := limiter.Tokens(key)
			consumed := last.tokens - current
			if consumed <= 0 {
				continue
			}
			threshold := limiter.Capacity() * broadcastThreshold
			dueByThreshold := consumed >= threshold
			dueByInterval := now.Sub(last.at) >= broadcastInterval
			if dueByThreshold || dueByInterval {
				n.broadcastLocked(kind, key, consumed)
				seen[key] = broadcastState{tokens: current, at: now}
			}
		}
	}
}

// Track registers key under kind so sweepOnce starts watching its token
// count for broadcast-worthy consumption. Only tracked keys are ever
// broadcast; a key that is never passed to Track is not gossiped.
func (n *Node) Track(kind Kind, key string, limiter Limiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.lastSeen[kind]; !ok {
		n.lastSeen[kind] = make(map[string]broadcastState)
	}
	if _, ok := n.lastSeen[kind][key]; !ok {
		n.lastSeen[kind][key] = broadcastState{tokens: limiter.Tokens(key), at: n.clock.Now()}
	}
}

func (n *Node) broadcastLocked(kind Kind, key string, delta float64) {
	update := UsageUpdate{
		Kind:      kind,
		Key:       key,
		Delta:     delta,
		NodeID:    n.nodeID,
		Timestamp: uint64(n.clock.Now().UnixNano()),
	}
	frame, err := encodeFrame(update)
	if err != nil {
		n.logger.Warn("cluster: failed to encode usage update", "error", err)
		return
	}
	for _, peer := range n.peers {
		if _, err := n.conn.WriteToUDP(frame, peer); err != nil {
			n.logger.Debug("cluster: send failed", "peer", peer, "error", err)
		}
	}
}

// Close releases the UDP socket.
func (n *Node) Close() error {
	return n.conn.Close()
}
