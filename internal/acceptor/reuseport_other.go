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

//go:build !unix

package acceptor

import "syscall"

// controlReusePort is a no-op on non-unix platforms: SO_REUSEPORT has no
// portable equivalent, so there only the first worker's bind succeeds and
// a pool with more than one worker fails to Start.
func controlReusePort(_, _ string, _ syscall.RawConn) error {
	return nil
}
