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

// Package container runs a daemon inside a Docker container instead of a
// local subprocess, behind the same start/terminate/readiness contract the
// rest of the harness supervises. Commands run against it are routed through
// the container runtime's exec facility.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tombee/harness/internal/log"
	"github.com/tombee/harness/pkg/events"
	"github.com/tombee/harness/pkg/process"
)

// DefaultStartTimeout bounds container startup including image pull.
const DefaultStartTimeout = 2 * time.Minute

// Container supervises one containerized daemon. It satisfies the same
// capability surface as a subprocess daemon, so tests can swap one for the
// other without changing their readiness or teardown code.
type Container struct {
	id    string
	image string

	cmd          []string
	exposedPorts []string
	env          map[string]string
	logger       *slog.Logger
	startTimeout time.Duration

	tc testcontainers.Container
}

// Option configures a Container at construction.
type Option func(*Container)

// WithCmd sets the container command.
func WithCmd(cmd ...string) Option {
	return func(c *Container) { c.cmd = cmd }
}

// WithExposedPorts exposes container ports, nat-style ("5432/tcp").
// Readiness waits for each of them to be listening.
func WithExposedPorts(ports ...string) Option {
	return func(c *Container) { c.exposedPorts = ports }
}

// WithEnv sets container environment variables.
func WithEnv(env map[string]string) Option {
	return func(c *Container) { c.env = env }
}

// WithLogger sets the container's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) { c.logger = logger }
}

// WithStartTimeout bounds container startup.
func WithStartTimeout(timeout time.Duration) Option {
	return func(c *Container) { c.startTimeout = timeout }
}

// New builds a containerized daemon from image, identified by id.
func New(id, image string, opts ...Option) *Container {
	c := &Container{
		id:           id,
		image:        image,
		startTimeout: DefaultStartTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.Or(c.logger).With(log.DaemonIDKey, id)
	return c
}

// ID returns the daemon id.
func (c *Container) ID() string { return c.id }

// Start creates and starts the container, blocking until its exposed ports
// are listening. extraArgs are appended to the configured command.
func (c *Container) Start(ctx context.Context, extraArgs ...string) error {
	if c.tc != nil {
		return fmt.Errorf("container %q already started", c.id)
	}

	cmd := append(append([]string(nil), c.cmd...), extraArgs...)
	var strategies []wait.Strategy
	for _, p := range c.exposedPorts {
		strategies = append(strategies, wait.ForListeningPort(nat.Port(p)))
	}
	req := testcontainers.ContainerRequest{
		Image:        c.image,
		Name:         fmt.Sprintf("%s-%s", c.id, uuid.NewString()[:8]),
		Cmd:          cmd,
		Env:          c.env,
		ExposedPorts: c.exposedPorts,
	}
	if len(strategies) > 0 {
		req.WaitingFor = wait.ForAll(strategies...).WithDeadline(c.startTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()

	c.logger.Info("starting container", "image", c.image, "cmd", cmd)
	tc, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return fmt.Errorf("starting container %q: %w", c.id, err)
	}
	c.tc = tc
	return nil
}

// IsRunning reports whether the container is up.
func (c *Container) IsRunning() bool {
	if c.tc == nil {
		return false
	}
	state, err := c.tc.State(context.Background())
	return err == nil && state.Running
}

// CheckPorts returns the host-mapped ports for the exposed container ports,
// feeding the same connectability probes used for subprocess daemons.
func (c *Container) CheckPorts() []int {
	if c.tc == nil {
		return nil
	}
	var out []int
	for _, p := range c.exposedPorts {
		mapped, err := c.tc.MappedPort(context.Background(), nat.Port(p))
		if err != nil {
			continue
		}
		out = append(out, mapped.Int())
	}
	return out
}

// CheckEvents returns nil: containerized daemons confirm readiness through
// their listening ports.
func (c *Container) CheckEvents() []events.Pattern { return nil }

// Run executes cmd inside the running container and returns its captured
// output, with stdout parsed as JSON when valid.
func (c *Container) Run(ctx context.Context, cmd ...string) (*process.ShellResult, error) {
	if c.tc == nil {
		return nil, fmt.Errorf("container %q is not running", c.id)
	}
	c.logger.Debug("exec in container", "cmd", cmd)

	exitCode, reader, err := c.tc.Exec(ctx, cmd, tcexec.Multiplexed())
	if err != nil {
		return nil, fmt.Errorf("exec in container %q: %w", c.id, err)
	}
	output, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading exec output from container %q: %w", c.id, err)
	}

	shell := &process.ShellResult{
		Result: process.Result{
			ExitCode: exitCode,
			Stdout:   string(output),
			Cmdline:  cmd,
		},
	}
	trimmed := strings.TrimSpace(shell.Stdout)
	if trimmed != "" {
		var decoded any
		if json.Unmarshal([]byte(trimmed), &decoded) == nil {
			shell.JSON = decoded
		}
	}
	return shell, nil
}

// Terminate stops and removes the container, returning its captured logs.
// Terminating a container that never started returns nil.
func (c *Container) Terminate() *process.Result {
	if c.tc == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var logs string
	if reader, err := c.tc.Logs(ctx); err == nil {
		if raw, err := io.ReadAll(reader); err == nil {
			logs = string(raw)
		}
		reader.Close()
	}

	if err := c.tc.Terminate(ctx); err != nil {
		c.logger.Warn("terminating container failed", "error", err)
	}
	c.tc = nil
	c.logger.Info("container terminated")
	return &process.Result{Stdout: logs, Cmdline: append([]string{c.image}, c.cmd...)}
}
