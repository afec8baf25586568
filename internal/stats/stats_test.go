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

package stats

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorSampling(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(nil, reg)
	require.NoError(t, err)

	require.NoError(t, c.Track("self", os.Getpid()))
	c.SampleNow()

	sample, ok := c.Latest("self")
	require.True(t, ok)
	assert.NotZero(t, sample.RSSBytes, "a live process has a resident set")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "harness_daemon_rss_bytes")
	assert.Contains(t, names, "harness_daemon_cpu_percent")

	t.Run("untrack removes the daemon", func(t *testing.T) {
		c.Untrack("self")
		_, ok := c.Latest("self")
		assert.False(t, ok)
	})
}

func TestCollectorDropsDeadProcesses(t *testing.T) {
	cmd := exec.Command("sleep", "300")
	require.NoError(t, cmd.Start())

	c, err := NewCollector(nil, prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, c.Track("short", cmd.Process.Pid))

	require.NoError(t, cmd.Process.Kill())
	_ = cmd.Wait()

	c.SampleNow()
	_, ok := c.Latest("short")
	assert.False(t, ok)
}

func TestCollectorStartStop(t *testing.T) {
	c, err := NewCollector(nil, prometheus.NewRegistry())
	require.NoError(t, err)
	c.SampleInterval = 10 * time.Millisecond

	require.NoError(t, c.Track("self", os.Getpid()))
	c.Start()

	require.Eventually(t, func() bool {
		_, ok := c.Latest("self")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	c.Stop()
	c.Stop() // idempotent
}
