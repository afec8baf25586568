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
	"fmt"
	"reflect"
	"strings"
)

// ErrExitCodeNotInteger is returned by NewResult when the supplied exit code
// cannot be represented as an integer.
var ErrExitCodeNotInteger = errors.New("process: exit code is not an integer")

// Result holds the outcome of a finished subprocess: its exit code, the
// captured output streams and the command line that produced them. A Result
// is immutable once constructed; its primary consumer is a human reading a
// failed test run, which is why String renders everything.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Cmdline  []string
}

// NewResult builds a Result from a dynamically typed exit code, as recovered
// from parsed CLI output or foreign payloads. Any integral numeric type is
// accepted, including whole-number floats produced by JSON decoding; every
// other value fails with ErrExitCodeNotInteger.
func NewResult(exitCode any, stdout, stderr string, cmdline []string) (*Result, error) {
	code, err := coerceExitCode(exitCode)
	if err != nil {
		return nil, err
	}
	return &Result{ExitCode: code, Stdout: stdout, Stderr: stderr, Cmdline: cmdline}, nil
}

func coerceExitCode(v any) (int, error) {
	switch code := v.(type) {
	case int:
		return code, nil
	case int8:
		return int(code), nil
	case int16:
		return int(code), nil
	case int32:
		return int(code), nil
	case int64:
		return int(code), nil
	case uint8:
		return int(code), nil
	case uint16:
		return int(code), nil
	case uint32:
		return int(code), nil
	case float64:
		// JSON numbers decode as float64; only whole values qualify.
		if code == float64(int(code)) {
			return int(code), nil
		}
	case float32:
		if code == float32(int(code)) {
			return int(code), nil
		}
	}
	return 0, fmt.Errorf("%w: got %T(%v)", ErrExitCodeNotInteger, v, v)
}

// String renders the result over multiple lines for failure diagnostics.
func (r *Result) String() string {
	var b strings.Builder
	b.WriteString("Result")
	if len(r.Cmdline) > 0 {
		fmt.Fprintf(&b, "\n Command Line: %v", r.Cmdline)
	}
	fmt.Fprintf(&b, "\n Exitcode: %d", r.ExitCode)
	if r.Stdout != "" || r.Stderr != "" {
		b.WriteString("\n Process Output:")
	}
	if r.Stdout != "" {
		fmt.Fprintf(&b, "\n   >>>>> STDOUT >>>>>\n%s\n   <<<<< STDOUT <<<<<", r.Stdout)
	}
	if r.Stderr != "" {
		fmt.Fprintf(&b, "\n   >>>>> STDERR >>>>>\n%s\n   <<<<< STDERR <<<<<", r.Stderr)
	}
	b.WriteString("\n")
	return b.String()
}

// ShellResult is a Result augmented with the structured document parsed from
// stdout, when stdout happened to be valid JSON. JSON being nil simply means
// the output was not parseable; it is never an error.
type ShellResult struct {
	Result
	JSON any
}

// Matches compares the result against an expected value the way test
// assertions want to read: against the parsed JSON document when one is
// present, against the raw stdout text otherwise.
func (r *ShellResult) Matches(expected any) bool {
	if r.JSON != nil {
		return reflect.DeepEqual(r.JSON, expected)
	}
	s, ok := expected.(string)
	return ok && s == r.Stdout
}

// String renders the result plus the parsed JSON document, when present.
func (r *ShellResult) String() string {
	out := strings.TrimRight(r.Result.String(), "\n")
	if r.JSON != nil {
		out += fmt.Sprintf("\n JSON Object:\n  %v", r.JSON)
	}
	return out + "\n"
}
