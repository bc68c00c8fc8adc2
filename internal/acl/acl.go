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

// Package acl implements the per-rule allow/deny CIDR admission check
// that runs before the rate limiter in the proxy pipeline. Grounded on
// original_source/src/networking/acl.rs's AccessControl, a feature
// spec.md's distillation dropped entirely; SPEC_FULL.md §4.10 restores it.
package acl

import (
	"log/slog"
	"net"
	"net/netip"
)

// List is an allow/deny CIDR pair. Precedence, per
// original_source/src/networking/acl.rs's is_allowed: deny wins over
// everything; an empty allow list defaults to allow; a non-empty allow
// list makes the rule allow-list-only (implicit deny on no match).
type List struct {
	allow []netip.Prefix
	deny  []netip.Prefix
}

// New parses allow and deny entries, each either a bare IP ("10.0.0.1",
// treated as a /32 or /128) or a CIDR ("10.0.0.0/24"). Entries that fail
// to parse are logged and dropped rather than failing config load, matching
// original_source's parse_cidrs behavior of warning and skipping.
func New(allow, deny []string, logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}
	return &List{
		allow: parseCIDRs(allow, "allow", logger),
		deny:  parseCIDRs(deny, "deny", logger),
	}
}

func parseCIDRs(entries []string, kind string, logger *slog.Logger) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, s := range entries {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		if addr, err := netip.ParseAddr(s); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		logger.Warn("acl: failed to parse list entry", "kind", kind, "entry", s)
	}
	return prefixes
}

// IsAllowed applies deny-first, then allow-list-or-default-allow, per
// spec.md SPEC_FULL.md §4.10.
func (l *List) IsAllowed(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	addr = addr.Unmap()

	for _, n := range l.deny {
		if n.Contains(addr) {
			return false
		}
	}
	if len(l.allow) == 0 {
		return true
	}
	for _, n := range l.allow {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}
