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

// Package proxyproto builds the PROXY protocol v2 header the pipeline
// writes to a backend connection immediately after dial, when a rule sets
// send_proxy_protocol. Grounded on
// original_source/src/networking/proxy_protocol.rs's create_v2_header, a
// feature spec.md's distillation dropped entirely; SPEC_FULL.md §4.11
// restores it.
package proxyproto

import (
	"encoding/binary"
	"net"
)

// v2Signature is the fixed 12-byte PROXY protocol v2 magic.
var v2Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// V2Header builds a PROXY protocol v2 header carrying src (the real
// client address) and dst (the listener address the client connected to)
// ahead of the proxied bytes. Falls back to the "UNSPEC" local
// command when the two addresses are not both IPv4 or both IPv6 (e.g. one
// is a Unix socket address), matching the original's behavior for
// mismatched families.
func V2Header(src, dst *net.TCPAddr) []byte {
	buf := make([]byte, 0, 52)
	buf = append(buf, v2Signature[:]...)
	buf = append(buf, 0x21) // version 2, command PROXY

	srcIP4, srcOK4 := asV4(src)
	dstIP4, dstOK4 := asV4(dst)
	if srcOK4 && dstOK4 {
		buf = append(buf, 0x11) // AF_INET | STREAM
		buf = appendUint16(buf, 12)
		buf = append(buf, srcIP4...)
		buf = append(buf, dstIP4...)
		buf = appendUint16(buf, uint16(src.Port))
		buf = appendUint16(buf, uint16(dst.Port))
		return buf
	}

	srcIP6, srcOK6 := asV6(src)
	dstIP6, dstOK6 := asV6(dst)
	if srcOK6 && dstOK6 {
		buf = append(buf, 0x21) // AF_INET6 | STREAM
		buf = appendUint16(buf, 36)
		buf = append(buf, srcIP6...)
		buf = append(buf, dstIP6...)
		buf = appendUint16(buf, uint16(src.Port))
		buf = appendUint16(buf, uint16(dst.Port))
		return buf
	}

	buf[12] = 0x20          // version 2, command LOCAL
	buf = append(buf, 0x00) // AF_UNSPEC
	return appendUint16(buf, 0)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func asV4(addr *net.TCPAddr) ([]byte, bool) {
	if addr == nil {
		return nil, false
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, false
	}
	return ip4, true
}

func asV6(addr *net.TCPAddr) ([]byte, bool) {
	if addr == nil {
		return nil, false
	}
	if addr.IP.To4() != nil {
		return nil, false
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		return nil, false
	}
	return ip16, true
}
