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

// Package listen implements the debug subcommand that runs a standalone
// event listener and prints every received event.
package listen

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/harness/internal/log"
	"github.com/tombee/harness/pkg/events"
)

type options struct {
	expiry   time.Duration
	asJSON   bool
	logLevel string
}

func addFlags(fs *pflag.FlagSet, opts *options) {
	fs.DurationVar(&opts.expiry, "expiry", events.DefaultEventExpiry, "how long received events stay retained")
	fs.BoolVar(&opts.asJSON, "json", false, "print events as JSON lines")
	fs.StringVar(&opts.logLevel, "log-level", "info", "listener log level (debug, info, warn, error)")
}

// NewCommand builds the listen subcommand.
func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run an event listener and print received events",
		Long: `Runs a standalone event-bus listener on an unused localhost port and
prints every event it receives until interrupted. Useful for debugging a
daemon's event emission without a test run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}
	addFlags(cmd.Flags(), opts)
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	logger := log.New(&log.Config{Level: opts.logLevel, Format: log.FormatText, Output: cmd.ErrOrStderr()})

	l, err := events.NewListener(logger)
	if err != nil {
		return err
	}
	l.EventExpiry = opts.expiry
	if err := l.Start(); err != nil {
		return err
	}
	defer l.Stop()

	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s (ctrl-c to stop)\n", l.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	f := &follower{seen: time.Now().Add(-opts.expiry)}
	for {
		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
			for _, ev := range f.next(l.Events(f.seen)) {
				printEvent(cmd, opts, ev)
			}
		}
	}
}

// follower tracks the stamp high-water mark across store polls so every
// event prints exactly once. Stamps are not unique, so the mark alone is
// not enough: a count of events already printed at the mark disambiguates
// batches where several events share it.
type follower struct {
	seen          time.Time
	printedAtSeen int
}

// next returns the not-yet-printed events from a batch of events stamped
// at or after f.seen, and advances the mark.
func (f *follower) next(batch []events.Event) []events.Event {
	maxStamp := f.seen
	for _, ev := range batch {
		if ev.Stamp.After(maxStamp) {
			maxStamp = ev.Stamp
		}
	}

	var out []events.Event
	skipped := 0
	printedAtMax := 0
	for _, ev := range batch {
		if ev.Stamp.Before(f.seen) {
			continue
		}
		if ev.Stamp.Equal(f.seen) && skipped < f.printedAtSeen {
			skipped++
			continue
		}
		if ev.Stamp.Equal(maxStamp) {
			printedAtMax++
		}
		out = append(out, ev)
	}

	if maxStamp.Equal(f.seen) {
		f.printedAtSeen += printedAtMax
	} else {
		f.printedAtSeen = printedAtMax
	}
	f.seen = maxStamp
	return out
}

func printEvent(cmd *cobra.Command, opts *options, ev events.Event) {
	if opts.asJSON {
		raw, err := json.Marshal(map[string]any{
			"source_id": ev.SourceID,
			"tag":       ev.Tag,
			"stamp":     ev.Stamp.Format(events.StampLayout),
			"data":      ev.Data,
		})
		if err == nil {
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		}
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s  %s  %v\n",
		ev.Stamp.Format(time.RFC3339), ev.SourceID, ev.Tag, ev.Data)
}
