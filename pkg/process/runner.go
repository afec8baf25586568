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
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/harness/internal/cleanup"
	"github.com/tombee/harness/internal/log"
)

// ErrAlreadyRunning is returned by Runner.Start when a process is still
// attached to the runner.
var ErrAlreadyRunning = errors.New("process: runner already has a running process")

// Runner wraps subprocess creation and capture for the harness.
//
// Child stdout/stderr are redirected straight into temp files instead of OS
// pipes. A child that logs heavily can deadlock against a parent that has
// not started draining a pipe yet; with file-backed capture the kernel never
// has a pipe to fill, and the whole output remains available after the
// process is gone.
//
// A Runner owns at most one OS process at a time. Terminate detaches the
// finished process and resets the runner, so the same Runner can start a
// fresh process afterwards (each start attempt of a daemon gets a brand-new
// process handle).
type Runner struct {
	// CWD is the working directory for started processes. Empty means the
	// current directory.
	CWD string

	// Env is the base environment. Nil means the parent environment.
	Env []string

	// SlowStop selects SIGTERM-then-wait over an immediate kill during
	// termination, giving coverage instrumentation a chance to flush.
	SlowStop bool

	// Logger receives lifecycle logs; nil discards.
	Logger *slog.Logger

	// Terminator performs tree termination. Nil gets a default one.
	Terminator *Terminator

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdoutFile *os.File
	stderrFile *os.File
	done       chan struct{}
	children   []int32
	lastResult *Result
	hook       cleanup.Handle
	hookSet    bool
}

// terminateWait bounds how long Terminate waits for the root process to exit
// after the initial signal, before escalating to tree termination.
const terminateWait = 10 * time.Second

// Start launches cmdline as a child process with output captured to temp
// files. extraEnv entries are appended to the runner's base environment.
func (r *Runner) Start(cmdline []string, extraEnv map[string]string) error {
	if len(cmdline) == 0 {
		return errors.New("process: empty command line")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return ErrAlreadyRunning
	}

	stdout, err := os.CreateTemp("", "harness-stdout-*")
	if err != nil {
		return fmt.Errorf("creating stdout capture file: %w", err)
	}
	stderr, err := os.CreateTemp("", "harness-stderr-*")
	if err != nil {
		stdout.Close()
		os.Remove(stdout.Name())
		return fmt.Errorf("creating stderr capture file: %w", err)
	}

	env := r.Env
	if env == nil {
		env = os.Environ()
	}
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}

	cmd := exec.Command(cmdline[0], cmdline[1:]...)
	cmd.Dir = r.CWD
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		os.Remove(stdout.Name())
		stderr.Close()
		os.Remove(stderr.Name())
		return fmt.Errorf("starting %v: %w", cmdline, err)
	}

	log.Or(r.Logger).Debug("process started", log.PIDKey, cmd.Process.Pid, "cmdline", cmdline)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	r.cmd = cmd
	r.stdoutFile = stdout
	r.stderrFile = stderr
	r.done = done
	r.children = nil
	r.lastResult = nil
	r.hook = cleanup.Register(func() { r.Terminate() })
	r.hookSet = true

	// This early the child rarely has children of its own, but record what
	// is already there.
	r.children = mergeChildren(r.children, CollectChildren(cmd.Process.Pid))
	return nil
}

// PID returns the pid of the running process, or 0 when none is attached.
func (r *Runner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// IsRunning reports whether the attached process is still alive.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	done := r.done
	attached := r.cmd != nil
	r.mu.Unlock()
	if !attached {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits or timeout elapses; it reports whether
// the process exited in time. Waiting on a runner with no process returns
// true immediately.
func (r *Runner) Wait(timeout time.Duration) bool {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// RecordChildren snapshots the current descendants of the process into the
// known-children set, so a later Terminate can still reach grandchildren
// whose parent exited in the meantime.
func (r *Runner) RecordChildren() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return
	}
	r.children = mergeChildren(r.children, CollectChildren(r.cmd.Process.Pid))
}

// Output returns a snapshot of everything the process has written so far.
// It can be called while the process is still running.
func (r *Runner) Output() (stdout, stderr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return readCapture(r.stdoutFile), readCapture(r.stderrFile)
}

// Terminate stops the attached process and its tree, collects the captured
// output and returns the final Result. Terminating a runner whose process
// already exited, or that was already terminated, is safe; repeated calls
// return the same Result.
func (r *Runner) Terminate() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminateLocked()
}

func (r *Runner) terminateLocked() *Result {
	if r.cmd == nil {
		return r.lastResult
	}
	logger := log.Or(r.Logger)

	if r.hookSet {
		cleanup.Unregister(r.hook)
		r.hookSet = false
	}

	pid := r.cmd.Process.Pid
	r.children = mergeChildren(r.children, CollectChildren(pid))
	logger.Debug("stopping process", log.PIDKey, pid)

	if r.SlowStop {
		_ = r.cmd.Process.Signal(syscall.SIGTERM)
	} else {
		_ = r.cmd.Process.Kill()
	}

	select {
	case <-r.done:
	case <-time.After(terminateWait):
		logger.Debug("process did not exit after signal, escalating", log.PIDKey, pid)
	}

	// Take down anything left of the tree, including the root if it
	// ignored the first signal.
	term := r.Terminator
	if term == nil {
		term = NewTerminator(r.Logger)
	}
	_, _ = term.TerminateTree(pid, r.children, r.SlowStop)

	// The wait goroutine reaps the root; give it a moment after the kill.
	select {
	case <-r.done:
	case <-time.After(DefaultExitWait):
		logger.Warn("process wait did not return after kill", log.PIDKey, pid)
	}

	stdout := readCapture(r.stdoutFile)
	stderr := readCapture(r.stderrFile)
	r.closeCaptures()

	exitCode := -1
	if r.cmd.ProcessState != nil {
		exitCode = r.cmd.ProcessState.ExitCode()
	}

	result := &Result{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Cmdline:  r.cmd.Args,
	}
	logger.Debug("process stopped", log.PIDKey, pid, "exit_code", exitCode)

	r.lastResult = result
	r.cmd = nil
	r.done = nil
	r.children = nil
	return result
}

func (r *Runner) closeCaptures() {
	for _, f := range []*os.File{r.stdoutFile, r.stderrFile} {
		if f == nil {
			continue
		}
		f.Close()
		os.Remove(f.Name())
	}
	r.stdoutFile = nil
	r.stderrFile = nil
}

func readCapture(f *os.File) string {
	if f == nil {
		return ""
	}
	data, err := os.ReadFile(f.Name())
	if err != nil {
		return ""
	}
	return string(data)
}

func mergeChildren(known, found []int32) []int32 {
	seen := make(map[int32]struct{}, len(known))
	for _, pid := range known {
		seen[pid] = struct{}{}
	}
	for _, pid := range found {
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		known = append(known, pid)
	}
	return known
}
