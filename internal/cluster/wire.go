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

// Package cluster implements the loose usage-gossip layer: a UDP socket
// per node that broadcasts UsageUpdate records to configured peers and
// applies incoming ones as local token debits. No library in the example
// pack provides a Go SWIM/gossip implementation (original_source used the
// Rust `foca` crate, grounded in cluster/mod.rs, but that crate has no Go
// counterpart anywhere in the retrieved examples) -- so the wire codec
// and the send/receive loop here are hand-written directly against
// spec.md §6's own framing. This is a deliberate, documented exception to
// "never fall back to stdlib"; see DESIGN.md.
package cluster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

func floatBits(f float64) uint64   { return math.Float64bits(f) }
func bitsToFloat(b uint64) float64 { return math.Float64frombits(b) }

// Kind distinguishes which family of limiter a UsageUpdate applies to.
type Kind uint8

const (
	KindConnectionRate Kind = 1
	// The four bandwidth kinds mirror spec.md §6's independently
	// configurable client/backend upload/download rates: each is gossiped
	// and debited as its own series, never folded into a shared bucket.
	KindBandwidthClientUpload    Kind = 2
	KindBandwidthClientDownload  Kind = 3
	KindBandwidthBackendUpload   Kind = 4
	KindBandwidthBackendDownload Kind = 5
)

// maxPayload bounds a single datagram, comfortably under the common
// 1500-byte Ethernet MTU once UDP/IP headers are subtracted.
const maxPayload = 1400

// ErrDatagramTooShort is returned by decodeFrame when a UDP read is
// smaller than the minimum valid frame.
var ErrDatagramTooShort = errors.New("cluster: datagram shorter than minimum frame size")

// UsageUpdate is the application broadcast record, per spec.md §3/§6:
// (node_id, key_kind, key, delta_tokens_consumed, timestamp).
type UsageUpdate struct {
	Kind      Kind
	Key       string
	Delta     float64
	NodeID    uint64
	Timestamp uint64 // Unix nanoseconds
}

// encodeFrame serializes one UsageUpdate as
// | 2-byte length | kind:u8 | key_len:u16 | key_bytes | delta:f64 | node_id:u64 | ts:u64 |
// all little-endian, per spec.md §6's wire format.
func encodeFrame(u UsageUpdate) ([]byte, error) {
	if len(u.Key) > 0xFFFF {
		return nil, fmt.Errorf("cluster: key too long to encode (%d bytes)", len(u.Key))
	}
	payloadLen := 1 + 2 + len(u.Key) + 8 + 8 + 8
	if payloadLen > maxPayload {
		return nil, fmt.Errorf("cluster: encoded payload %d bytes exceeds maxPayload %d", payloadLen, maxPayload)
	}

	buf := make([]byte, 2+payloadLen)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(payloadLen))

	p := buf[2:]
	p[0] = byte(u.Kind)
	binary.LittleEndian.PutUint16(p[1:3], uint16(len(u.Key)))
	n := copy(p[3:], u.Key)
	off := 3 + n
	binary.LittleEndian.PutUint64(p[off:off+8], floatBits(u.Delta))
	binary.LittleEndian.PutUint64(p[off+8:off+16], u.NodeID)
	binary.LittleEndian.PutUint64(p[off+16:off+24], u.Timestamp)
	return buf, nil
}

// decodeFrame parses one length-prefixed frame from a received datagram.
// The length prefix is validated against the actual datagram size so a
// truncated or corrupt packet is rejected rather than read out of bounds.
func decodeFrame(datagram []byte) (UsageUpdate, error) {
	if len(datagram) < 2 {
		return UsageUpdate{}, ErrDatagramTooShort
	}
	payloadLen := int(binary.LittleEndian.Uint16(datagram[0:2]))
	if len(datagram) < 2+payloadLen {
		return UsageUpdate{}, ErrDatagramTooShort
	}
	p := datagram[2 : 2+payloadLen]
	if len(p) < 1+2 {
		return UsageUpdate{}, ErrDatagramTooShort
	}

	kind := Kind(p[0])
	keyLen := int(binary.LittleEndian.Uint16(p[1:3]))
	if len(p) < 3+keyLen+24 {
		return UsageUpdate{}, ErrDatagramTooShort
	}
	key := string(p[3 : 3+keyLen])
	off := 3 + keyLen
	delta := bitsToFloat(binary.LittleEndian.Uint64(p[off : off+8]))
	nodeID := binary.LittleEndian.Uint64(p[off+8 : off+16])
	ts := binary.LittleEndian.Uint64(p[off+16 : off+24])

	return UsageUpdate{Kind: kind, Key: key, Delta: delta, NodeID: nodeID, Timestamp: ts}, nil
}
