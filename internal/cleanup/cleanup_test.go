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

package cleanup

import "testing"

func TestRunAll_ReverseOrder(t *testing.T) {
	var got []int
	Register(func() { got = append(got, 1) })
	Register(func() { got = append(got, 2) })
	Register(func() { got = append(got, 3) })

	RunAll()

	want := []int{3, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("ran %d hooks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("hook order = %v, want %v", got, want)
			break
		}
	}
}

func TestUnregister(t *testing.T) {
	ran := false
	h := Register(func() { ran = true })
	Unregister(h)

	RunAll()

	if ran {
		t.Error("unregistered hook still ran")
	}
}

func TestUnregister_AfterRunAll(t *testing.T) {
	h := Register(func() {})
	RunAll()
	// Must not panic.
	Unregister(h)
}

func TestRunAll_SwallowsPanics(t *testing.T) {
	ran := false
	Register(func() { panic("boom") })
	Register(func() { ran = true })

	RunAll()

	if !ran {
		t.Error("hook after panicking hook did not run")
	}
}
