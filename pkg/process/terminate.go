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

package process

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	gp "github.com/shirou/gopsutil/v4/process"

	"github.com/tombee/harness/internal/log"
)

// Terminator takes down a process tree with an escalating signal strategy.
//
// Termination runs in three rounds of increasing aggressiveness over a
// shrinking set of live pids: the first round honors the requested slow-stop
// mode (SIGTERM plus a short grace wait, so in-process coverage tooling can
// flush to disk), the second escalates toward a forced kill, and the third
// force-kills unconditionally. Survivors after the third round are logged,
// never raised: test teardown must not hang on an uncooperative grandchild.
type Terminator struct {
	// Logger receives termination progress; nil discards.
	Logger *slog.Logger

	// GraceWait bounds the per-process wait after a graceful SIGTERM.
	GraceWait time.Duration

	// ExitWait bounds the per-round wait for the remaining tree to exit.
	ExitWait time.Duration

	// PollInterval is the liveness re-check interval while waiting.
	PollInterval time.Duration
}

// Default Terminator intervals. Empirically tuned for responsiveness, not
// load-bearing for correctness.
const (
	DefaultGraceWait    = 2 * time.Second
	DefaultExitWait     = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// NewTerminator returns a Terminator with the default intervals.
func NewTerminator(logger *slog.Logger) *Terminator {
	return &Terminator{
		Logger:       log.WithComponent(logger, "terminator"),
		GraceWait:    DefaultGraceWait,
		ExitWait:     DefaultExitWait,
		PollInterval: DefaultPollInterval,
	}
}

// TerminateTree terminates the process identified by pid together with every
// descendant it can discover, plus any previously recorded children (so that
// orphaned grandchildren whose direct parent already exited remain
// reachable). Calling it on an already-exited pid is a no-op that still
// returns a valid Result.
//
// The returned error is non-nil only for unexpected OS-level failures;
// no-such-process and permission-denied conditions are swallowed, and
// processes that survive all three rounds are reported through the Result
// and a warning log, not an error.
func (t *Terminator) TerminateTree(pid int, knownChildren []int32, slowStop bool) (*Result, error) {
	logger := log.Or(t.Logger)

	live := t.collectCandidates(int32(pid), knownChildren)
	cmdline := rootCmdline(int32(pid))
	if len(live) == 0 {
		logger.Debug("nothing to terminate", log.PIDKey, pid)
		return &Result{ExitCode: 0, Cmdline: cmdline}, nil
	}

	phases := []struct {
		kill bool
		slow bool
	}{
		{kill: !slowStop, slow: slowStop},
		{kill: !slowStop, slow: slowStop},
		{kill: true, slow: false},
	}

	var firstErr error
	for round, phase := range phases {
		if len(live) == 0 {
			break
		}
		logger.Debug("terminating process tree",
			"round", round+1, "kill", phase.kill, "slow_stop", phase.slow, "remaining", len(live))
		if err := t.signalAll(live, phase.kill, phase.slow); err != nil && firstErr == nil {
			firstErr = err
		}
		live = t.waitGone(live)
	}

	if len(live) > 0 {
		var pids []string
		for _, p := range live {
			pids = append(pids, fmt.Sprintf("%d", p.Pid))
		}
		logger.Warn("some processes failed to terminate", "pids", strings.Join(pids, ","))
		return &Result{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("processes still alive after 3 termination rounds: %s", strings.Join(pids, ",")),
			Cmdline:  cmdline,
		}, firstErr
	}
	return &Result{ExitCode: 0, Cmdline: cmdline}, firstErr
}

// collectCandidates gathers the root, the recorded children and any freshly
// discovered descendants, de-duplicated by pid. De-duplication matters:
// signaling the same pid twice in a round risks hitting an unrelated process
// should the OS reuse the pid in between.
func (t *Terminator) collectCandidates(pid int32, knownChildren []int32) []*gp.Process {
	seen := make(map[int32]struct{})
	var out []*gp.Process

	add := func(p *gp.Process) {
		if _, ok := seen[p.Pid]; ok {
			return
		}
		seen[p.Pid] = struct{}{}
		out = append(out, p)
	}

	if root, err := gp.NewProcess(pid); err == nil {
		add(root)
		for _, child := range descendants(root) {
			add(child)
		}
	}
	for _, cpid := range knownChildren {
		if p, err := gp.NewProcess(cpid); err == nil {
			add(p)
		}
	}
	return out
}

// descendants walks the child tree breadth-first.
func descendants(root *gp.Process) []*gp.Process {
	var out []*gp.Process
	queue := []*gp.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

func (t *Terminator) signalAll(procs []*gp.Process, kill, slow bool) error {
	logger := log.Or(t.Logger)
	var firstErr error
	for _, p := range procs {
		exists, _ := gp.PidExists(p.Pid)
		if !exists {
			continue
		}
		if !kill && isZombie(p) {
			// Zombies resolve once their children exit; signaling them
			// accomplishes nothing in graceful mode.
			continue
		}
		var err error
		switch {
		case kill:
			logger.Debug("killing process", log.PIDKey, p.Pid)
			err = p.Kill()
		case slow:
			logger.Debug("terminating process (slow stop)", log.PIDKey, p.Pid)
			if err = p.SendSignal(syscall.SIGTERM); err == nil {
				t.awaitExit(p, t.graceWait())
			}
		default:
			logger.Debug("terminating process", log.PIDKey, p.Pid)
			err = p.Terminate()
		}
		if err != nil && !isIgnorable(err) {
			logger.Warn("signal failed", log.PIDKey, p.Pid, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("signaling pid %d: %w", p.Pid, err)
			}
		}
	}
	return firstErr
}

// waitGone polls the given processes until they all disappear or ExitWait
// elapses, returning the survivors.
func (t *Terminator) waitGone(procs []*gp.Process) []*gp.Process {
	deadline := time.Now().Add(t.exitWait())
	remaining := procs
	for {
		var alive []*gp.Process
		for _, p := range remaining {
			if exists, _ := gp.PidExists(p.Pid); exists {
				alive = append(alive, p)
			}
		}
		remaining = alive
		if len(remaining) == 0 || time.Now().After(deadline) {
			return remaining
		}
		time.Sleep(t.pollInterval())
	}
}

func (t *Terminator) awaitExit(p *gp.Process, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if exists, _ := gp.PidExists(p.Pid); !exists {
			return
		}
		time.Sleep(t.pollInterval())
	}
}

func (t *Terminator) graceWait() time.Duration {
	if t.GraceWait > 0 {
		return t.GraceWait
	}
	return DefaultGraceWait
}

func (t *Terminator) exitWait() time.Duration {
	if t.ExitWait > 0 {
		return t.ExitWait
	}
	return DefaultExitWait
}

func (t *Terminator) pollInterval() time.Duration {
	if t.PollInterval > 0 {
		return t.PollInterval
	}
	return DefaultPollInterval
}

func isZombie(p *gp.Process) bool {
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	for _, s := range statuses {
		if s == gp.Zombie {
			return true
		}
	}
	return false
}

// isIgnorable reports whether a signal error means the process already went
// away or is out of our reach, both of which are fine during teardown.
func isIgnorable(err error) bool {
	return errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, gp.ErrorProcessNotRunning)
}

func rootCmdline(pid int32) []string {
	p, err := gp.NewProcess(pid)
	if err != nil {
		return nil
	}
	cmdline, err := p.CmdlineSlice()
	if err != nil {
		return nil
	}
	return cmdline
}

// CollectChildren returns the pids of every currently discoverable
// descendant of pid. Supervisors call this before and during termination so
// that grandchildren stay reachable even after their parent exits.
func CollectChildren(pid int) []int32 {
	root, err := gp.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var pids []int32
	for _, p := range descendants(root) {
		pids = append(pids, p.Pid)
	}
	return pids
}
