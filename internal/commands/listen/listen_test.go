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

package listen

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/harness/pkg/events"
)

func TestFollowerNext(t *testing.T) {
	base := time.Now()
	ev := func(tag string, offset time.Duration) events.Event {
		return events.Event{SourceID: "m1", Tag: tag, Stamp: base.Add(offset)}
	}
	tags := func(evs []events.Event) []string {
		var out []string
		for _, e := range evs {
			out = append(out, e.Tag)
		}
		return out
	}

	t.Run("prints events sharing a stamp exactly once", func(t *testing.T) {
		f := &follower{seen: base.Add(-time.Second)}
		batch := []events.Event{ev("a", 0), ev("b", 0)}

		assert.Equal(t, []string{"a", "b"}, tags(f.next(batch)))
		// A re-poll returns the same retained events; none may repeat.
		assert.Empty(t, f.next(batch))
	})

	t.Run("catches a late arrival at the current mark", func(t *testing.T) {
		f := &follower{seen: base.Add(-time.Second)}
		assert.Equal(t, []string{"a"}, tags(f.next([]events.Event{ev("a", 0)})))

		// "b" shares a's stamp but arrived after the first poll.
		batch := []events.Event{ev("a", 0), ev("b", 0)}
		assert.Equal(t, []string{"b"}, tags(f.next(batch)))
		assert.Empty(t, f.next(batch))
	})

	t.Run("advances past the mark", func(t *testing.T) {
		f := &follower{seen: base.Add(-time.Second)}
		f.next([]events.Event{ev("a", 0)})

		batch := []events.Event{ev("a", 0), ev("b", time.Second), ev("c", time.Second)}
		assert.Equal(t, []string{"b", "c"}, tags(f.next(batch)))
		assert.Empty(t, f.next(batch))
		assert.Equal(t, base.Add(time.Second), f.seen)
	})

	t.Run("ignores events before the mark", func(t *testing.T) {
		f := &follower{seen: base}
		got := f.next([]events.Event{ev("old", -time.Minute), ev("new", time.Second)})
		assert.Equal(t, []string{"new"}, tags(got))
	})
}
