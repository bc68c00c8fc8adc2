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

package acl

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowDenyPrecedence(t *testing.T) {
	l := New([]string{"10.0.0.0/24"}, []string{"10.0.0.1"}, nil)

	require.False(t, l.IsAllowed(net.ParseIP("10.0.0.1")), "explicit deny wins")
	require.True(t, l.IsAllowed(net.ParseIP("10.0.0.2")), "matches allow, not deny")
	require.False(t, l.IsAllowed(net.ParseIP("192.168.1.1")), "implicit deny: not in allow list")
}

func TestNoListsDefaultsToAllow(t *testing.T) {
	l := New(nil, nil, nil)
	require.True(t, l.IsAllowed(net.ParseIP("1.2.3.4")))
}

func TestDenyOnlyList(t *testing.T) {
	l := New(nil, []string{"127.0.0.1"}, nil)
	require.False(t, l.IsAllowed(net.ParseIP("127.0.0.1")))
	require.True(t, l.IsAllowed(net.ParseIP("127.0.0.2")))
}

func TestMalformedEntryIsSkippedNotFatal(t *testing.T) {
	l := New([]string{"not-a-cidr", "10.0.0.0/8"}, nil, nil)
	require.True(t, l.IsAllowed(net.ParseIP("10.1.2.3")))
	require.False(t, l.IsAllowed(net.ParseIP("192.168.0.1")))
}
