// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ports provides localhost TCP port helpers used by readiness checks.
package ports

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DialTimeout bounds a single connectability probe.
var DialTimeout = 1 * time.Second

// Unused returns a currently unused localhost port by asking the kernel for
// an ephemeral one. The port is released before returning, so a race with
// other allocators is possible but unlikely within a single test run.
func Unused() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocating unused port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Connectable probes every port in the given set concurrently and returns
// the subset that accepted a TCP connection, sorted ascending.
func Connectable(check []int) []int {
	var (
		mu        sync.Mutex
		connected []int
	)
	var g errgroup.Group
	for _, port := range dedupe(check) {
		g.Go(func() error {
			addr := net.JoinHostPort("localhost", fmt.Sprintf("%d", port))
			conn, err := net.DialTimeout("tcp", addr, DialTimeout)
			if err != nil {
				return nil
			}
			conn.Close()
			mu.Lock()
			connected = append(connected, port)
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // probe goroutines never return errors
	sort.Ints(connected)
	return connected
}

func dedupe(in []int) []int {
	seen := make(map[int]struct{}, len(in))
	out := make([]int, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
