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

// Package stats samples CPU and memory usage of supervised daemons and
// exports them as Prometheus gauges, so long test runs can be profiled for
// runaway daemons.
package stats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gp "github.com/shirou/gopsutil/v4/process"

	"github.com/tombee/harness/internal/log"
)

// DefaultSampleInterval is how often tracked processes are sampled.
const DefaultSampleInterval = 5 * time.Second

// Sample is one usage reading for a tracked daemon.
type Sample struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Collector periodically samples tracked daemon processes.
type Collector struct {
	// Logger receives sampling logs; nil discards.
	Logger *slog.Logger

	// SampleInterval overrides DefaultSampleInterval when set.
	SampleInterval time.Duration

	cpu *prometheus.GaugeVec
	rss *prometheus.GaugeVec

	mu      sync.Mutex
	tracked map[string]*gp.Process
	latest  map[string]Sample

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewCollector builds a collector registering its gauges with reg.
func NewCollector(logger *slog.Logger, reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Logger: logger,
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harness_daemon_cpu_percent",
			Help: "CPU usage of a supervised daemon process.",
		}, []string{"daemon_id"}),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harness_daemon_rss_bytes",
			Help: "Resident set size of a supervised daemon process.",
		}, []string{"daemon_id"}),
		tracked: make(map[string]*gp.Process),
		latest:  make(map[string]Sample),
	}
	if reg != nil {
		if err := reg.Register(c.cpu); err != nil {
			return nil, fmt.Errorf("registering cpu gauge: %w", err)
		}
		if err := reg.Register(c.rss); err != nil {
			return nil, fmt.Errorf("registering rss gauge: %w", err)
		}
	}
	return c, nil
}

// Track adds the daemon's process to the sampling set.
func (c *Collector) Track(id string, pid int) error {
	proc, err := gp.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("tracking daemon %q pid %d: %w", id, pid, err)
	}
	c.mu.Lock()
	c.tracked[id] = proc
	c.mu.Unlock()
	return nil
}

// Untrack drops the daemon from sampling and removes its gauges.
func (c *Collector) Untrack(id string) {
	c.mu.Lock()
	delete(c.tracked, id)
	delete(c.latest, id)
	c.mu.Unlock()
	c.cpu.DeleteLabelValues(id)
	c.rss.DeleteLabelValues(id)
}

// Latest returns the most recent sample for a daemon.
func (c *Collector) Latest(id string) (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.latest[id]
	return s, ok
}

// Start launches the background sampling loop.
func (c *Collector) Start() {
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	interval := c.SampleInterval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.SampleNow()
			}
		}
	}()
}

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	if c.stopCh == nil {
		return
	}
	c.once.Do(func() { close(c.stopCh) })
	<-c.done
}

// SampleNow takes one reading of every tracked process. Daemons whose
// process is gone are dropped from the set.
func (c *Collector) SampleNow() {
	c.mu.Lock()
	procs := make(map[string]*gp.Process, len(c.tracked))
	for id, p := range c.tracked {
		procs[id] = p
	}
	c.mu.Unlock()

	for id, proc := range procs {
		running, err := proc.IsRunning()
		if err != nil || !running {
			c.Untrack(id)
			continue
		}
		sample := Sample{}
		if cpu, err := proc.CPUPercent(); err == nil {
			sample.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			sample.RSSBytes = mem.RSS
		}
		c.cpu.WithLabelValues(id).Set(sample.CPUPercent)
		c.rss.WithLabelValues(id).Set(float64(sample.RSSBytes))

		c.mu.Lock()
		c.latest[id] = sample
		c.mu.Unlock()

		log.Or(c.Logger).Debug("daemon stats sampled",
			log.DaemonIDKey, id, "cpu_percent", sample.CPUPercent, "rss_bytes", sample.RSSBytes)
	}
}
