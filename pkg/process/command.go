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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tombee/harness/internal/log"
)

// ErrCommandTimeout is wrapped by TimeoutError for errors.Is checks.
var ErrCommandTimeout = errors.New("process: command timed out")

// TimeoutError is returned by Command.Run when the process is still running
// after the timeout. It carries the partial output captured before the
// process was killed.
type TimeoutError struct {
	Result  *Result
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %v did not finish within %s", e.Result.Cmdline, e.Timeout)
	if e.Result.Stdout != "" || e.Result.Stderr != "" {
		b.WriteString("\n")
		b.WriteString(e.Result.String())
	}
	return b.String()
}

func (e *TimeoutError) Unwrap() error { return ErrCommandTimeout }

// DefaultRunTimeout bounds Command.Run when no explicit timeout is set.
const DefaultRunTimeout = 60 * time.Second

// Command runs a program to completion and returns its captured output.
// The zero value plus Name is usable; optional hooks customize how the
// final command line is assembled.
type Command struct {
	Runner

	// Name is the program to execute.
	Name string

	// BaseArgs are prepended before per-call arguments, typically flags
	// pointing the program at a generated config.
	BaseArgs []string

	// Timeout bounds each Run call. Zero means DefaultRunTimeout.
	Timeout time.Duration

	// CmdlineFn, when set, replaces the default command-line assembly.
	// It receives the per-call args and returns the full argv.
	CmdlineFn func(args ...string) []string
}

// NewCommand returns a Command for name with the given base arguments.
func NewCommand(name string, logger *slog.Logger, baseArgs ...string) *Command {
	c := &Command{Name: name, BaseArgs: baseArgs}
	c.Logger = logger
	return c
}

// Cmdline assembles the full argv for a run with the given args.
func (c *Command) Cmdline(args ...string) []string {
	if c.CmdlineFn != nil {
		return c.CmdlineFn(args...)
	}
	cmdline := make([]string, 0, 1+len(c.BaseArgs)+len(args))
	cmdline = append(cmdline, c.Name)
	cmdline = append(cmdline, c.BaseArgs...)
	cmdline = append(cmdline, args...)
	return cmdline
}

// Run executes the command with args and waits for it to finish. When the
// process exits in time the full tree is cleaned up and the result returned,
// with stdout parsed as JSON when it is valid JSON. When the timeout hits
// the process is killed and a TimeoutError with the partial output is
// returned.
func (c *Command) Run(args ...string) (*ShellResult, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return c.RunTimeout(timeout, args...)
}

// RunTimeout is Run with an explicit timeout for this call.
func (c *Command) RunTimeout(timeout time.Duration, args ...string) (*ShellResult, error) {
	cmdline := c.Cmdline(args...)
	logger := log.Or(c.Logger)
	logger.Debug("running command", "cmdline", cmdline, "timeout", timeout)

	if err := c.Start(cmdline, nil); err != nil {
		return nil, err
	}

	exited := c.Wait(timeout)
	result := c.Terminate()
	if !exited {
		logger.Warn("command timed out", "cmdline", cmdline, "timeout", timeout)
		return nil, &TimeoutError{Result: result, Timeout: timeout}
	}

	shell := &ShellResult{Result: *result}
	if decoded, ok := decodeJSON(result.Stdout); ok {
		shell.JSON = decoded
	}
	return shell, nil
}

// decodeJSON parses s as a JSON document. Plain text output is common and
// not an error; ok is false when s is not valid JSON.
func decodeJSON(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, false
	}
	return v, true
}
