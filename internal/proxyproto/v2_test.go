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

package proxyproto

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestV2HeaderIPv4(t *testing.T) {
	src := &net.TCPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 12345}
	dst := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 80}

	header := V2Header(src, dst)

	require.Len(t, header, 28)
	require.Equal(t, v2Signature[:], header[0:12])
	require.Equal(t, byte(0x21), header[12])
	require.Equal(t, byte(0x11), header[13])
	require.Equal(t, []byte{0x00, 0x0C}, header[14:16])
	require.Equal(t, []byte{192, 168, 1, 1}, header[16:20])
	require.Equal(t, []byte{10, 0, 0, 1}, header[20:24])
	require.Equal(t, []byte{0x30, 0x39}, header[24:26])
	require.Equal(t, []byte{0x00, 0x50}, header[26:28])
}

func TestV2HeaderMismatchedFamiliesFallsBackToUnspec(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("::1"), Port: 1}
	dst := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 2}

	header := V2Header(src, dst)

	require.Len(t, header, 16)
	require.Equal(t, byte(0x20), header[12])
	require.Equal(t, byte(0x00), header[13])
	require.Equal(t, []byte{0x00, 0x00}, header[14:16])
}
