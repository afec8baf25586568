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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/harness/internal/commands/emit"
	"github.com/tombee/harness/internal/commands/listen"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "harness",
		Short: "Debug tooling for the daemon test-support library",
		Long: `harness bundles small debug utilities for the daemon supervision
library: run a standalone event listener, or push events at one, without
writing a test.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(listen.NewCommand())
	rootCmd.AddCommand(emit.NewCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "harness %s (%s)\n", version, commit)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
