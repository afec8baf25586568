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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/harness/internal/ports"
	"github.com/tombee/harness/pkg/events"
)

// TestHelperProcess is not a real test: Cmdline points daemons at the test
// binary itself, re-executed with HARNESS_HELPER set, so the suite does not
// depend on external daemon programs being installed.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("HARNESS_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	switch os.Getenv("HARNESS_HELPER_MODE") {
	case "sleep":
		for {
			time.Sleep(time.Hour)
		}
	case "listen":
		ln, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("HARNESS_HELPER_PORT"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer ln.Close()
		for {
			time.Sleep(time.Hour)
		}
	case "emit":
		err := events.SendEvent(os.Getenv("HARNESS_HELPER_BUS"), os.Getenv("HARNESS_HELPER_ID"), "daemon/ready", nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for {
			time.Sleep(time.Hour)
		}
	case "die":
		fmt.Fprintln(os.Stdout, "starting up")
		fmt.Fprintln(os.Stderr, "boom")
		os.Exit(1)
	case "record-args":
		f, err := os.OpenFile(os.Getenv("HARNESS_HELPER_ARGFILE"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			os.Exit(1)
		}
		fmt.Fprintln(f, strings.Join(os.Args, " "))
		f.Close()
		os.Exit(1)
	}
}

// newHelperDaemon builds a daemon whose process is this test binary running
// TestHelperProcess in the given mode.
func newHelperDaemon(t *testing.T, id, mode string, env map[string]string, opts ...Option) *Daemon {
	t.Helper()
	full := map[string]string{
		"HARNESS_HELPER":      "1",
		"HARNESS_HELPER_MODE": mode,
	}
	for k, v := range env {
		full[k] = v
	}
	opts = append(opts,
		WithBaseArgs("-test.run=TestHelperProcess", "--"),
		WithEnv(full),
	)
	d := New(id, os.Args[0], opts...)
	t.Cleanup(func() { d.Terminate() })
	return d
}

func TestDaemonLivenessOnlyStart(t *testing.T) {
	d := newHelperDaemon(t, "d-sleep", "sleep", nil,
		WithStartTimeout(10*time.Second),
		WithMaxStartAttempts(1),
	)
	assert.Equal(t, StateNotStarted, d.State())

	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, StateRunning, d.State())
	assert.True(t, d.IsRunning())
	assert.NotZero(t, d.PID())

	res := d.Terminate()
	require.NotNil(t, res)
	assert.Equal(t, StateTerminated, d.State())
	assert.False(t, d.IsRunning())
	assert.Zero(t, d.PID())
}

func TestDaemonPortReadiness(t *testing.T) {
	port, err := ports.Unused()
	require.NoError(t, err)

	d := newHelperDaemon(t, "d-listen", "listen",
		map[string]string{"HARNESS_HELPER_PORT": fmt.Sprint(port)},
		WithStartTimeout(15*time.Second),
		WithMaxStartAttempts(1),
		WithCheckPorts(func() []int { return []int{port} }),
	)
	require.NoError(t, d.Start(context.Background()))
	assert.Contains(t, ports.Connectable([]int{port}), port)
}

func TestDaemonEventReadiness(t *testing.T) {
	l, err := events.NewListener(nil)
	require.NoError(t, err)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)

	d := newHelperDaemon(t, "d-emit", "emit",
		map[string]string{
			"HARNESS_HELPER_BUS": l.Addr(),
			"HARNESS_HELPER_ID":  "d-emit",
		},
		WithEventListener(l),
		WithStartTimeout(15*time.Second),
		WithMaxStartAttempts(1),
		WithCheckEvents(func() []events.Pattern {
			return []events.Pattern{{SourceID: "d-emit", Tag: "daemon/*"}}
		}),
	)
	require.NoError(t, d.Start(context.Background()))
	assert.Equal(t, StateRunning, d.State())
}

func TestDaemonEventChecksRequireListener(t *testing.T) {
	d := newHelperDaemon(t, "d-nolistener", "sleep", nil,
		WithStartTimeout(5*time.Second),
		WithMaxStartAttempts(3),
		WithCheckEvents(func() []events.Pattern {
			return []events.Pattern{{SourceID: "d-nolistener", Tag: "daemon/*"}}
		}),
	)
	err := d.Start(context.Background())
	require.ErrorIs(t, err, ErrNoEventListener)
	assert.False(t, d.IsRunning())
}

func TestDaemonFailedPortsSkipEventWait(t *testing.T) {
	// The check port never opens, so the event phase must never be
	// reached: with no listener supplied this must surface as exhausted
	// attempts, not as a missing-listener configuration error.
	port, err := ports.Unused()
	require.NoError(t, err)

	d := newHelperDaemon(t, "d-portfail", "sleep", nil,
		WithStartTimeout(1*time.Second),
		WithMaxStartAttempts(1),
		WithCheckPorts(func() []int { return []int{port} }),
		WithCheckEvents(func() []events.Pattern {
			return []events.Pattern{{SourceID: "d-portfail", Tag: "daemon/*"}}
		}),
	)
	err = d.Start(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoEventListener)

	var nsErr *NotStartedError
	require.ErrorAs(t, err, &nsErr)
}

func TestDaemonStartExhaustion(t *testing.T) {
	d := newHelperDaemon(t, "d-die", "die", nil,
		WithStartTimeout(5*time.Second),
		WithMaxStartAttempts(2),
	)
	err := d.Start(context.Background())
	require.Error(t, err)

	var nsErr *NotStartedError
	require.ErrorAs(t, err, &nsErr)
	assert.Equal(t, "d-die", nsErr.ID)
	assert.Equal(t, 2, nsErr.Attempts)
	require.NotNil(t, nsErr.Result)
	assert.Contains(t, nsErr.Result.Stderr, "boom")
	assert.Contains(t, nsErr.Result.Stdout, "starting up")
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StateTerminated, d.State())
}

func TestDaemonExtraArgsAfterFirstFailure(t *testing.T) {
	argFile := filepath.Join(t.TempDir(), "args.txt")
	d := newHelperDaemon(t, "d-args", "record-args",
		map[string]string{"HARNESS_HELPER_ARGFILE": argFile},
		WithStartTimeout(5*time.Second),
		WithMaxStartAttempts(2),
		WithExtraArgsAfterFailure("--log-level=trace"),
	)
	err := d.Start(context.Background())
	require.Error(t, err)

	raw, err := os.ReadFile(argFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "--log-level=trace")
	assert.Contains(t, lines[1], "--log-level=trace")
}

func TestDaemonLifecycleCallbacks(t *testing.T) {
	d := newHelperDaemon(t, "d-cb", "sleep", nil,
		WithStartTimeout(10*time.Second),
		WithMaxStartAttempts(1),
	)

	var order []string
	d.OnBeforeStart(func(*Daemon) error { order = append(order, "before-start"); return nil })
	d.OnAfterStart(func(*Daemon) error { order = append(order, "after-start"); return nil })
	d.OnBeforeTerminate(func(*Daemon) error { order = append(order, "before-terminate"); return nil })
	d.OnAfterTerminate(func(*Daemon) error { order = append(order, "after-terminate"); return nil })

	// Misbehaving callbacks are logged, never propagated.
	d.OnBeforeStart(func(*Daemon) error { panic("callback panic") })
	d.OnAfterStart(func(*Daemon) error { return fmt.Errorf("callback error") })

	require.NoError(t, d.Start(context.Background()))
	d.Terminate()

	assert.Equal(t, []string{"before-start", "after-start", "before-terminate", "after-terminate"}, order)
}

func TestDaemonCmdline(t *testing.T) {
	t.Run("default assembly", func(t *testing.T) {
		d := New("d1", "daemon-prog", WithBaseArgs("--config", "x.conf"))
		assert.Equal(t, []string{"daemon-prog", "--config", "x.conf", "-v"}, d.Cmdline("-v"))
	})

	t.Run("override hook", func(t *testing.T) {
		d := New("d1", "daemon-prog", WithCmdline(func(args ...string) []string {
			return append([]string{"runner", "daemon-prog"}, args...)
		}))
		assert.Equal(t, []string{"runner", "daemon-prog", "-v"}, d.Cmdline("-v"))
	})
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDaemonStartLogsDurationMillis(t *testing.T) {
	buf := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))

	d := newHelperDaemon(t, "d-durlog", "sleep", nil,
		WithLogger(logger),
		WithStartTimeout(10*time.Second),
		WithMaxStartAttempts(1),
	)
	require.NoError(t, d.Start(context.Background()))
	d.Terminate()

	// The duration_ms field must carry an integer millisecond count, not a
	// stringified time.Duration like "250ms".
	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		if record["msg"] != "daemon confirmed started" {
			continue
		}
		found = true
		assert.IsType(t, float64(0), record["duration_ms"])
	}
	assert.True(t, found, "expected a 'daemon confirmed started' record")
}

func TestDaemonRestartAfterTerminate(t *testing.T) {
	d := newHelperDaemon(t, "d-restart", "sleep", nil,
		WithStartTimeout(10*time.Second),
		WithMaxStartAttempts(1),
	)
	require.NoError(t, d.Start(context.Background()))
	firstPID := d.PID()
	d.Terminate()

	require.NoError(t, d.Start(context.Background()))
	assert.True(t, d.IsRunning())
	assert.NotEqual(t, firstPID, d.PID())
}
