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

// Package cleanup maintains a process-wide registry of teardown hooks.
//
// A supervised daemon registers a hook on its first successful start so that
// an attempt is still made to terminate it when the test process itself is
// interrupted. Hooks run on SIGINT/SIGTERM; for normal exits the test entry
// point is expected to call RunAll (typically deferred in TestMain).
package cleanup

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Handle identifies a registered hook so it can be removed.
type Handle struct {
	id uint64
}

var (
	mu      sync.Mutex
	nextID  uint64
	hooks   = map[uint64]func(){}
	order   []uint64
	sigOnce sync.Once
)

// Register adds fn to the teardown registry and returns a Handle for later
// removal. The first registration installs the signal handler.
func Register(fn func()) Handle {
	installSignalHandler()

	mu.Lock()
	defer mu.Unlock()
	nextID++
	id := nextID
	hooks[id] = fn
	order = append(order, id)
	return Handle{id: id}
}

// Unregister removes a previously registered hook. Unknown handles are a
// no-op, so it is safe to unregister after RunAll already fired.
func Unregister(h Handle) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := hooks[h.id]; !ok {
		return
	}
	delete(hooks, h.id)
	for i, id := range order {
		if id == h.id {
			order = append(order[:i], order[i+1:]...)
			break
		}
	}
}

// RunAll executes every registered hook in reverse registration order and
// clears the registry. Hook panics are swallowed so one uncooperative daemon
// cannot block the teardown of the rest.
func RunAll() {
	mu.Lock()
	ids := make([]uint64, len(order))
	copy(ids, order)
	fns := make(map[uint64]func(), len(hooks))
	for id, fn := range hooks {
		fns[id] = fn
	}
	hooks = map[uint64]func(){}
	order = nil
	mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		fn := fns[ids[i]]
		if fn == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			fn()
		}()
	}
}

func installSignalHandler() {
	sigOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-ch
			RunAll()
			// Restore default disposition and re-raise so the process
			// still dies with the expected status.
			signal.Stop(ch)
			if p, err := os.FindProcess(os.Getpid()); err == nil {
				_ = p.Signal(sig)
			}
		}()
	})
}
