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
	"errors"
	"fmt"
	"strings"

	"github.com/tombee/harness/pkg/process"
)

// ErrNoEventListener is returned when a daemon configures event readiness
// checks but no event listener was supplied. This is a programming error in
// the test setup, not a startup failure, so it is never retried.
var ErrNoEventListener = errors.New("daemons: event readiness checks configured but no event listener supplied")

// NotStartedError is raised when a daemon exhausts its start attempts. It
// carries the captured output of the last attempt, because the consumer is a
// human debugging a failed test run.
type NotStartedError struct {
	ID       string
	Attempts int
	Result   *process.Result
	Err      error
}

func (e *NotStartedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "daemon %q did not start after %d attempt(s)", e.ID, e.Attempts)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Result != nil {
		b.WriteString("\n")
		b.WriteString(e.Result.String())
	}
	return b.String()
}

func (e *NotStartedError) Unwrap() error { return e.Err }
