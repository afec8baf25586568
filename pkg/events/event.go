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

// Package events implements the test-session event bus: daemons under test
// push tagged JSON events to a listener, and tests query or block on those
// events to confirm readiness and observe behavior.
package events

import (
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// StampKey is the private data field carrying the emit timestamp.
const StampKey = "_stamp"

// StampLayout is the wire format of StampKey values.
const StampLayout = time.RFC3339Nano

// Event is a single message received from a daemon. Events are immutable
// after construction; tests only ever see copies out of the listener store.
type Event struct {
	// SourceID identifies the emitting daemon.
	SourceID string

	// Tag is the hierarchical, slash-separated event name.
	Tag string

	// Stamp is when the daemon emitted the event, taken from the private
	// "_stamp" data field, or the receive time when absent.
	Stamp time.Time

	// Data holds the public payload fields. Keys with a leading
	// underscore are internal and stripped out.
	Data map[string]any

	// FullData holds the payload as received, internal fields included.
	FullData map[string]any

	// ExpireSeconds is how long past Stamp the event stays queryable.
	ExpireSeconds int
}

// Expired reports whether the event's retention window has passed.
func (e Event) Expired() bool {
	return e.expiredAt(time.Now())
}

func (e Event) expiredAt(now time.Time) bool {
	return now.After(e.Stamp.Add(time.Duration(e.ExpireSeconds) * time.Second))
}

// splitData separates public payload fields from internal ones.
func splitData(full map[string]any) map[string]any {
	public := make(map[string]any, len(full))
	for k, v := range full {
		if strings.HasPrefix(k, "_") {
			continue
		}
		public[k] = v
	}
	return public
}

// Pattern is a query key for event lookups: an exact source id paired with
// a glob over tags. Patterns are comparable, so they work as map/set keys
// and can be removed from a working set as they match.
type Pattern struct {
	SourceID string
	Tag      string
}

// tagSep stands in for "/" during matching. Globbing must treat tags as
// flat strings, not paths: "job/*" has to match "job/123/ret/minion", so
// the separator is masked on both sides before handing off to doublestar.
const tagSep = "\x00"

// Match reports whether an event from sourceID with tag satisfies the
// pattern. Tags match with flat glob semantics where "*" crosses "/", so
// "job/*" matches both "job/123" and "job/123/ret/minion".
func (p Pattern) Match(sourceID, tag string) bool {
	if p.SourceID != sourceID {
		return false
	}
	pat := strings.ReplaceAll(p.Tag, "/", tagSep)
	ok, err := doublestar.Match(pat, strings.ReplaceAll(tag, "/", tagSep))
	return err == nil && ok
}

// MatchedEvents is the outcome of WaitForEvents: the events that satisfied
// patterns, and the patterns that never matched before the deadline.
type MatchedEvents struct {
	Matches []Event
	Missed  []Pattern
}

// FoundAll reports whether every requested pattern was satisfied.
func (m MatchedEvents) FoundAll() bool {
	return len(m.Missed) == 0
}
