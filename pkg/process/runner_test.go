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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Run("captures stdout and stderr", func(t *testing.T) {
		r := &Runner{}
		err := r.Start([]string{"sh", "-c", "echo out; echo err >&2"}, nil)
		require.NoError(t, err)
		require.True(t, r.Wait(5*time.Second))

		res := r.Terminate()
		require.NotNil(t, res)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, "out\n", res.Stdout)
		assert.Equal(t, "err\n", res.Stderr)
	})

	t.Run("passes extra environment", func(t *testing.T) {
		r := &Runner{}
		err := r.Start([]string{"sh", "-c", "printf %s \"$HARNESS_TEST_VAR\""}, map[string]string{
			"HARNESS_TEST_VAR": "value-42",
		})
		require.NoError(t, err)
		require.True(t, r.Wait(5*time.Second))
		assert.Equal(t, "value-42", r.Terminate().Stdout)
	})

	t.Run("rejects double start", func(t *testing.T) {
		r := &Runner{}
		require.NoError(t, r.Start([]string{"sleep", "300"}, nil))
		defer r.Terminate()

		err := r.Start([]string{"sleep", "300"}, nil)
		require.ErrorIs(t, err, ErrAlreadyRunning)
	})

	t.Run("terminate is idempotent and allows restart", func(t *testing.T) {
		r := &Runner{}
		require.NoError(t, r.Start([]string{"sleep", "300"}, nil))
		assert.True(t, r.IsRunning())
		assert.NotZero(t, r.PID())

		first := r.Terminate()
		require.NotNil(t, first)
		assert.False(t, r.IsRunning())
		assert.Zero(t, r.PID())
		assert.Same(t, first, r.Terminate())

		// The runner is reusable after terminate.
		require.NoError(t, r.Start([]string{"sh", "-c", "echo again"}, nil))
		require.True(t, r.Wait(5*time.Second))
		assert.Equal(t, "again\n", r.Terminate().Stdout)
	})

	t.Run("output snapshot while running", func(t *testing.T) {
		r := &Runner{}
		require.NoError(t, r.Start([]string{"sh", "-c", "echo early; sleep 300"}, nil))
		defer r.Terminate()

		var stdout string
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			stdout, _ = r.Output()
			if stdout != "" {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		assert.Equal(t, "early\n", stdout)
		assert.True(t, r.IsRunning())
	})

	t.Run("slow stop delivers sigterm", func(t *testing.T) {
		r := &Runner{SlowStop: true}
		err := r.Start([]string{"sh", "-c", `trap 'echo got-term; exit 7' TERM; sleep 300 & wait`}, nil)
		require.NoError(t, err)

		// Give the shell time to install the trap.
		time.Sleep(200 * time.Millisecond)
		res := r.Terminate()
		require.NotNil(t, res)
		assert.Equal(t, 7, res.ExitCode)
		assert.Contains(t, res.Stdout, "got-term")
	})
}

func TestCommand(t *testing.T) {
	t.Run("cmdline assembly", func(t *testing.T) {
		c := NewCommand("prog", nil, "--config", "x.yml")
		assert.Equal(t, []string{"prog", "--config", "x.yml", "run", "it"}, c.Cmdline("run", "it"))
	})

	t.Run("cmdline hook overrides assembly", func(t *testing.T) {
		c := NewCommand("prog", nil)
		c.CmdlineFn = func(args ...string) []string {
			return append([]string{"wrapper", "prog"}, args...)
		}
		assert.Equal(t, []string{"wrapper", "prog", "a"}, c.Cmdline("a"))
	})

	t.Run("run returns decoded json", func(t *testing.T) {
		c := NewCommand("sh", nil, "-c")
		res, err := c.Run(`printf '{"ok": true}'`)
		require.NoError(t, err)
		assert.Equal(t, 0, res.ExitCode)
		assert.Equal(t, map[string]any{"ok": true}, res.JSON)
		assert.True(t, res.Matches(map[string]any{"ok": true}))
	})

	t.Run("run keeps plain output as text", func(t *testing.T) {
		c := NewCommand("sh", nil, "-c")
		res, err := c.Run("echo not json {")
		require.NoError(t, err)
		assert.Nil(t, res.JSON)
		assert.Equal(t, "not json {\n", res.Stdout)
	})

	t.Run("run propagates nonzero exit", func(t *testing.T) {
		c := NewCommand("sh", nil, "-c")
		res, err := c.Run("echo failing; exit 3")
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "failing\n", res.Stdout)
	})

	t.Run("timeout kills the process and carries partial output", func(t *testing.T) {
		c := NewCommand("sh", nil, "-c")
		c.Timeout = 500 * time.Millisecond
		_, err := c.Run("echo before-timeout; sleep 300")
		require.Error(t, err)
		require.ErrorIs(t, err, ErrCommandTimeout)

		var tErr *TimeoutError
		require.True(t, errors.As(err, &tErr))
		assert.Contains(t, tErr.Result.Stdout, "before-timeout")
		assert.False(t, c.IsRunning())
	})
}
