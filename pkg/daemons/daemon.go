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

// Package daemons supervises long-running subprocesses for the lifetime of
// a test: start with readiness confirmation and retries, terminate with
// full process-tree cleanup, and lifecycle callbacks in between.
package daemons

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"

	"github.com/tombee/harness/internal/log"
	"github.com/tombee/harness/pkg/config"
	"github.com/tombee/harness/pkg/events"
	"github.com/tombee/harness/pkg/process"
)

// State tracks where a daemon is in its lifecycle. Terminated is terminal
// for the current process handle; a later Start spawns a fresh one.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Startable starts a supervised workload and confirms readiness.
type Startable interface {
	Start(ctx context.Context, extraArgs ...string) error
}

// Terminable stops a supervised workload and reports its final output.
type Terminable interface {
	Terminate() *process.Result
}

// ReadinessCheckable exposes the probes used to confirm startup.
type ReadinessCheckable interface {
	CheckPorts() []int
	CheckEvents() []events.Pattern
}

// Callback observes a lifecycle transition. Callback errors and panics are
// logged and never interrupt the transition itself.
type Callback func(d *Daemon) error

// Daemon supervises one long-running subprocess.
type Daemon struct {
	id     string
	script string

	baseArgs              []string
	extraArgsAfterFailure []string
	cfg                   *config.Config
	listener              *events.Listener
	logger                *slog.Logger
	startTimeout          time.Duration
	maxStartAttempts      int
	workDir               string
	env                   map[string]string
	slowStop              bool

	checkPortsFn  func() []int
	checkEventsFn func() []events.Pattern
	cmdlineFn     func(args ...string) []string

	runner    *process.Runner
	confirmer *Confirmer
	state     atomic.Int32

	cbMu            sync.Mutex
	beforeStart     []Callback
	afterStart      []Callback
	beforeTerminate []Callback
	afterTerminate  []Callback
}

// Option configures a Daemon at construction.
type Option func(*Daemon)

// WithConfig attaches the daemon's frozen configuration. Its reserved keys
// feed the default readiness checks.
func WithConfig(cfg *config.Config) Option {
	return func(d *Daemon) { d.cfg = cfg }
}

// WithEventListener wires the session event listener used for event-based
// readiness checks.
func WithEventListener(l *events.Listener) Option {
	return func(d *Daemon) { d.listener = l }
}

// WithLogger sets the daemon's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithStartTimeout bounds each readiness-confirmation attempt.
func WithStartTimeout(timeout time.Duration) Option {
	return func(d *Daemon) { d.startTimeout = timeout }
}

// WithMaxStartAttempts caps how many times Start retries.
func WithMaxStartAttempts(n int) Option {
	return func(d *Daemon) { d.maxStartAttempts = n }
}

// WithBaseArgs sets arguments always passed to the daemon program.
func WithBaseArgs(args ...string) Option {
	return func(d *Daemon) { d.baseArgs = args }
}

// WithExtraArgsAfterFailure sets arguments appended from the second start
// attempt onward, typically extra verbosity flags so a flaky startup
// produces useful output.
func WithExtraArgsAfterFailure(args ...string) Option {
	return func(d *Daemon) { d.extraArgsAfterFailure = args }
}

// WithWorkDir sets the subprocess working directory.
func WithWorkDir(dir string) Option {
	return func(d *Daemon) { d.workDir = dir }
}

// WithEnv adds environment variables for the subprocess.
func WithEnv(env map[string]string) Option {
	return func(d *Daemon) { d.env = env }
}

// WithSlowStop makes termination start with SIGTERM and a grace period
// instead of an immediate kill, letting coverage tooling flush.
func WithSlowStop(slow bool) Option {
	return func(d *Daemon) { d.slowStop = slow }
}

// WithCheckPorts overrides the config-derived port readiness checks.
func WithCheckPorts(fn func() []int) Option {
	return func(d *Daemon) { d.checkPortsFn = fn }
}

// WithCheckEvents overrides the config-derived event readiness checks.
func WithCheckEvents(fn func() []events.Pattern) Option {
	return func(d *Daemon) { d.checkEventsFn = fn }
}

// WithCmdline overrides command-line assembly entirely.
func WithCmdline(fn func(args ...string) []string) Option {
	return func(d *Daemon) { d.cmdlineFn = fn }
}

// New builds a supervisor for the daemon program at script, identified by
// id on the event bus.
func New(id, script string, opts ...Option) *Daemon {
	d := &Daemon{
		id:               id,
		script:           script,
		startTimeout:     DefaultStartTimeout,
		maxStartAttempts: DefaultMaxStartAttempts,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = log.Or(d.logger).With(log.DaemonIDKey, id)
	d.runner = &process.Runner{
		CWD:      d.workDir,
		SlowStop: d.slowStop,
		Logger:   d.logger,
	}
	d.confirmer = &Confirmer{
		Logger:       d.logger,
		StartTimeout: d.startTimeout,
		MaxAttempts:  d.maxStartAttempts,
	}
	return d
}

// ID returns the daemon's bus identity.
func (d *Daemon) ID() string { return d.id }

// State returns the current lifecycle state.
func (d *Daemon) State() State { return State(d.state.Load()) }

// IsRunning reports whether the supervised process is alive.
func (d *Daemon) IsRunning() bool { return d.runner.IsRunning() }

// PID returns the supervised process id, or 0 when not running.
func (d *Daemon) PID() int { return d.runner.PID() }

// CheckPorts returns the TCP ports that must accept connections before the
// daemon counts as started. Defaults to the config's reserved check_ports
// key; empty means no port checks.
func (d *Daemon) CheckPorts() []int {
	if d.checkPortsFn != nil {
		return d.checkPortsFn()
	}
	if d.cfg != nil {
		return d.cfg.CheckPorts()
	}
	return nil
}

// CheckEvents returns the event patterns that must appear on the bus before
// the daemon counts as started. Defaults to the config's reserved
// check_events key; empty means no event checks.
func (d *Daemon) CheckEvents() []events.Pattern {
	if d.checkEventsFn != nil {
		return d.checkEventsFn()
	}
	if d.cfg != nil {
		return d.cfg.CheckEvents()
	}
	return nil
}

// Cmdline assembles the argv for a start attempt.
func (d *Daemon) Cmdline(args ...string) []string {
	if d.cmdlineFn != nil {
		return d.cmdlineFn(args...)
	}
	cmdline := make([]string, 0, 1+len(d.baseArgs)+len(args))
	cmdline = append(cmdline, d.script)
	cmdline = append(cmdline, d.baseArgs...)
	cmdline = append(cmdline, args...)
	return cmdline
}

// OnBeforeStart registers a callback run before each start attempt loop.
func (d *Daemon) OnBeforeStart(cb Callback) { d.addCallback(&d.beforeStart, cb) }

// OnAfterStart registers a callback run after a confirmed start.
func (d *Daemon) OnAfterStart(cb Callback) { d.addCallback(&d.afterStart, cb) }

// OnBeforeTerminate registers a callback run before termination begins.
func (d *Daemon) OnBeforeTerminate(cb Callback) { d.addCallback(&d.beforeTerminate, cb) }

// OnAfterTerminate registers a callback run once termination finished.
func (d *Daemon) OnAfterTerminate(cb Callback) { d.addCallback(&d.afterTerminate, cb) }

func (d *Daemon) addCallback(list *[]Callback, cb Callback) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	*list = append(*list, cb)
}

func (d *Daemon) runCallbacks(phase string, list *[]Callback) {
	d.cbMu.Lock()
	cbs := make([]Callback, len(*list))
	copy(cbs, *list)
	d.cbMu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("lifecycle callback panicked", "phase", phase, "panic", r)
				}
			}()
			if err := cb(d); err != nil {
				d.logger.Error("lifecycle callback failed", "phase", phase, "error", err)
			}
		}()
	}
}

// Start launches the daemon and blocks until readiness is confirmed,
// retrying failed attempts. On exhaustion it returns a NotStartedError
// carrying the last attempt's captured output.
func (d *Daemon) Start(ctx context.Context, extraArgs ...string) error {
	d.runCallbacks("before-start", &d.beforeStart)
	d.state.Store(int32(StateStarting))

	if err := d.confirmer.ConfirmStarted(ctx, d, d.listener, extraArgs...); err != nil {
		d.state.Store(int32(StateTerminated))
		return err
	}

	d.state.Store(int32(StateRunning))
	d.runCallbacks("after-start", &d.afterStart)
	return nil
}

// launch starts one process attempt. From the second attempt on, the
// configured after-failure arguments are appended.
func (d *Daemon) launch(attempt int, extraArgs []string) error {
	args := extraArgs
	if attempt > 1 && len(d.extraArgsAfterFailure) > 0 {
		args = append(append([]string(nil), extraArgs...), d.extraArgsAfterFailure...)
	}
	cmdline := d.Cmdline(args...)
	d.logger.Info("starting daemon", log.AttemptKey, attempt, "cmdline", cmdline)
	return d.runner.Start(cmdline, d.env)
}

// stopProcess tears down the current process handle without touching the
// lifecycle state; used between start attempts.
func (d *Daemon) stopProcess() *process.Result {
	res := d.runner.Terminate()
	d.killStrayListeners()
	return res
}

// Terminate stops the daemon and its whole process tree, then force-kills
// any stray process still listening on the daemon's check ports. Calling it
// on a stopped daemon returns the previous result.
func (d *Daemon) Terminate() *process.Result {
	d.runCallbacks("before-terminate", &d.beforeTerminate)
	d.state.Store(int32(StateTerminating))

	res := d.stopProcess()

	d.state.Store(int32(StateTerminated))
	d.runCallbacks("after-terminate", &d.afterTerminate)
	return res
}

// killStrayListeners force-kills processes still listening on the daemon's
// check ports after termination. A daemon that re-execs or double-forks can
// leave a child holding the socket, which would wreck the next test reusing
// the port.
func (d *Daemon) killStrayListeners() {
	checkPorts := d.CheckPorts()
	if len(checkPorts) == 0 {
		return
	}
	want := make(map[uint32]struct{}, len(checkPorts))
	for _, p := range checkPorts {
		want[uint32(p)] = struct{}{}
	}

	conns, err := gnet.Connections("tcp")
	if err != nil {
		d.logger.Debug("could not enumerate connections for stray-listener scan", "error", err)
		return
	}

	self := int32(os.Getpid())
	term := process.NewTerminator(d.logger)
	for _, conn := range conns {
		if conn.Status != "LISTEN" || conn.Pid <= 0 || conn.Pid == self {
			continue
		}
		if _, ok := want[conn.Laddr.Port]; !ok {
			continue
		}
		d.logger.Warn("killing stray process still listening on check port",
			log.PIDKey, conn.Pid, "port", conn.Laddr.Port)
		_, _ = term.TerminateTree(int(conn.Pid), nil, false)
	}
}
