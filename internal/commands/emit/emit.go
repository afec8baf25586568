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

// Package emit implements the debug subcommand that pushes a single event
// to a running listener.
package emit

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/harness/pkg/events"
)

type options struct {
	addr   string
	source string
	data   string
}

func addFlags(fs *pflag.FlagSet, opts *options) {
	fs.StringVar(&opts.addr, "addr", "", "listener address (host:port)")
	fs.StringVar(&opts.source, "source", "cli", "event source id")
	fs.StringVar(&opts.data, "data", "{}", "event data as a JSON object")
}

// NewCommand builds the emit subcommand.
func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "emit <tag>",
		Short: "Send one event to a running listener",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args[0])
		},
	}
	addFlags(cmd.Flags(), opts)
	cmd.MarkFlagRequired("addr")
	return cmd
}

func run(cmd *cobra.Command, opts *options, tag string) error {
	var data map[string]any
	if err := json.Unmarshal([]byte(opts.data), &data); err != nil {
		return fmt.Errorf("parsing --data: %w", err)
	}
	if err := events.SendEvent(opts.addr, opts.source, tag, data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s from %s to %s\n", tag, opts.source, opts.addr)
	return nil
}
