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

package daemons

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tombee/harness/internal/log"
	"github.com/tombee/harness/internal/ports"
	"github.com/tombee/harness/pkg/events"
	"github.com/tombee/harness/pkg/process"
)

const (
	// DefaultStartTimeout bounds a single readiness-confirmation attempt.
	DefaultStartTimeout = 30 * time.Second

	// DefaultMaxStartAttempts caps retries before giving up.
	DefaultMaxStartAttempts = 3

	// portPollInterval is the wait between connectability probes.
	portPollInterval = 500 * time.Millisecond

	// settleDelay gives a confirmed daemon a moment before the test
	// proceeds to hammer it.
	settleDelay = 125 * time.Millisecond

	// retryPause separates a failed attempt from the next spawn.
	retryPause = 750 * time.Millisecond

	// livenessSettle is how long a fresh process gets before the liveness
	// check, so a daemon that dies during startup is caught here instead
	// of timing out in the readiness probes.
	livenessSettle = 250 * time.Millisecond
)

// Confirmer runs the start-and-confirm retry loop for a daemon: each
// attempt spawns the process, verifies liveness, then waits for the
// configured port and event probes inside a single timeout window.
type Confirmer struct {
	// Logger receives per-attempt logs; nil discards.
	Logger *slog.Logger

	// StartTimeout bounds each attempt's readiness window.
	StartTimeout time.Duration

	// MaxAttempts caps start attempts. Every spawn counts, including ones
	// where the process died immediately.
	MaxAttempts int
}

// ConfirmStarted drives the attempt loop for d. It returns nil once an
// attempt confirms readiness, ErrNoEventListener immediately when event
// checks are configured without a listener, and a NotStartedError carrying
// the last captured output when attempts are exhausted.
func (c *Confirmer) ConfirmStarted(ctx context.Context, d *Daemon, listener *events.Listener, extraArgs ...string) error {
	logger := log.Or(c.Logger)
	timeout := c.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxStartAttempts
	}

	var lastResult *process.Result
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		attemptStart := time.Now()

		if err := d.launch(attempt, extraArgs); err != nil {
			logger.Warn("daemon spawn failed", log.AttemptKey, attempt, "error", err)
			lastErr = err
			lastResult = d.stopProcess()
			sleepCtx(ctx, retryPause)
			continue
		}

		sleepCtx(ctx, livenessSettle)
		if !d.IsRunning() {
			// Died right out of the gate; uses up an attempt but is
			// not a readiness failure.
			logger.Warn("daemon exited immediately after spawn", log.AttemptKey, attempt)
			lastResult = d.stopProcess()
			lastErr = nil
			sleepCtx(ctx, retryPause)
			continue
		}

		ready, err := c.confirmAttempt(ctx, d, listener, attemptStart, timeout)
		if errors.Is(err, ErrNoEventListener) {
			d.stopProcess()
			return err
		}
		if err != nil {
			logger.Warn("readiness check failed", log.AttemptKey, attempt, "error", err)
			lastErr = err
			lastResult = d.stopProcess()
			sleepCtx(ctx, retryPause)
			continue
		}
		if !ready {
			logger.Warn("daemon not ready within timeout",
				log.AttemptKey, attempt, log.DurationKey, time.Since(attemptStart).Milliseconds())
			lastErr = nil
			lastResult = d.stopProcess()
			sleepCtx(ctx, retryPause)
			continue
		}

		logger.Info("daemon confirmed started",
			log.AttemptKey, attempt, log.PIDKey, d.PID(), log.DurationKey, time.Since(attemptStart).Milliseconds())
		time.Sleep(settleDelay)
		return nil
	}

	return &NotStartedError{
		ID:       d.ID(),
		Attempts: attempts,
		Result:   lastResult,
		Err:      lastErr,
	}
}

// confirmAttempt runs the probes for one attempt. Ports are always checked
// before events, and event waiting is skipped when ports already failed:
// there is no point waiting on events from a daemon whose sockets never
// came up.
func (c *Confirmer) confirmAttempt(ctx context.Context, d *Daemon, listener *events.Listener, attemptStart time.Time, timeout time.Duration) (bool, error) {
	checkPorts := d.CheckPorts()
	checkEvents := d.CheckEvents()
	if len(checkPorts) == 0 && len(checkEvents) == 0 {
		// Liveness alone is sufficient.
		return true, nil
	}

	deadline := attemptStart.Add(timeout)

	if len(checkPorts) > 0 {
		if !c.waitPorts(ctx, d, checkPorts, deadline) {
			return false, nil
		}
	}

	if len(checkEvents) > 0 {
		if listener == nil {
			return false, ErrNoEventListener
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		// Anchor to the attempt start so stale events from a previous
		// attempt cannot satisfy this one.
		matched := listener.WaitForEvents(ctx, checkEvents, remaining, attemptStart)
		if !matched.FoundAll() {
			log.Or(c.Logger).Debug("events never seen", "missed", matched.Missed)
			return false, nil
		}
	}

	return true, nil
}

// waitPorts blocks until every port accepts a connection or the deadline
// passes. Satisfied ports leave the pending set between probe rounds. A
// daemon that dies mid-wait fails the check right away.
func (c *Confirmer) waitPorts(ctx context.Context, d *Daemon, check []int, deadline time.Time) bool {
	pending := append([]int(nil), check...)
	for {
		if !d.IsRunning() {
			return false
		}
		connectable := make(map[int]struct{})
		for _, p := range ports.Connectable(pending) {
			connectable[p] = struct{}{}
		}
		next := pending[:0]
		for _, p := range pending {
			if _, ok := connectable[p]; !ok {
				next = append(next, p)
			}
		}
		pending = next
		if len(pending) == 0 {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			log.Or(c.Logger).Debug("ports never connectable", "ports", pending)
			return false
		}
		sleepCtx(ctx, portPollInterval)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
