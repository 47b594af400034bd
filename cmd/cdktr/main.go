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

	"github.com/cdktr-io/cdktr/internal/commands/agentcmd"
	"github.com/cdktr-io/cdktr/internal/commands/principalcmd"
	"github.com/cdktr-io/cdktr/internal/commands/workflowcmd"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cdktr",
		Short: "Operate a cdktr distributed workflow orchestration cluster",
	}

	rootCmd.AddCommand(principalcmd.NewCommand())
	rootCmd.AddCommand(agentcmd.NewCommand())
	rootCmd.AddCommand(workflowcmd.NewWorkflowsCommand())
	rootCmd.AddCommand(workflowcmd.NewAgentsCommand())
	rootCmd.AddCommand(workflowcmd.NewLogsCommand())
	rootCmd.AddCommand(newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("cdktr %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
