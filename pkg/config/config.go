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

// Package config carries daemon configuration as an opaque, frozen mapping.
// The supervision core treats the contents as a black box apart from two
// reserved readiness keys; everything else belongs to the daemon program
// under test and is written out verbatim as its conf file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/harness/pkg/events"
)

// Reserved keys read by the supervision core.
const (
	// CheckPortsKey lists TCP ports that must accept connections before
	// the daemon counts as started.
	CheckPortsKey = "check_ports"

	// CheckEventsKey lists [source_id, tag] pairs that must appear on the
	// event bus before the daemon counts as started.
	CheckEventsKey = "check_events"
)

// Config is a read-only daemon configuration. The backing map is deep-copied
// on construction and on access, so neither the caller nor the core can
// mutate shared state after the fact.
type Config struct {
	id   string
	data map[string]any
}

// New freezes data into a Config for the daemon identified by id.
func New(id string, data map[string]any) *Config {
	return &Config{id: id, data: deepCopyMap(data)}
}

// LoadFile reads a YAML conf file into a frozen Config.
func LoadFile(id, path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &Config{id: id, data: data}, nil
}

// ID returns the daemon id this config belongs to.
func (c *Config) ID() string { return c.id }

// Get returns a copy of the value stored under key.
func (c *Config) Get(key string) (any, bool) {
	v, ok := c.data[key]
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// Map returns a deep copy of the whole configuration.
func (c *Config) Map() map[string]any {
	return deepCopyMap(c.data)
}

// CheckPorts returns the ports under the reserved check_ports key. Numeric
// YAML/JSON representations are coerced; anything else is skipped.
func (c *Config) CheckPorts() []int {
	raw, ok := c.data[CheckPortsKey]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []int
	for _, item := range items {
		if port, ok := toInt(item); ok {
			out = append(out, port)
		}
	}
	return out
}

// CheckEvents returns the patterns under the reserved check_events key,
// each entry a [source_id, tag] pair.
func (c *Config) CheckEvents() []events.Pattern {
	raw, ok := c.data[CheckEventsKey]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []events.Pattern
	for _, item := range items {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		source, sok := pair[0].(string)
		tag, tok := pair[1].(string)
		if sok && tok {
			out = append(out, events.Pattern{SourceID: source, Tag: tag})
		}
	}
	return out
}

// WriteFile serializes the configuration as YAML to path, creating parent
// permissions suitable for a test-run conf file.
func (c *Config) WriteFile(path string) error {
	raw, err := yaml.Marshal(c.data)
	if err != nil {
		return fmt.Errorf("serializing config %s: %w", c.id, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing config file %s: %w", path, err)
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case map[any]any:
		out := make(map[any]any, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
