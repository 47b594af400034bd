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

// Package workflowcmd implements the cdktr CLI's operator-facing
// commands that talk to a running cdktr-principal: listing workflows,
// triggering a manual run, fetching recent log lines, and inspecting the agent
// registry. All of it is a thin presentation layer over
// internal/opclient.
package workflowcmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdktr-io/cdktr/internal/config"
	"github.com/cdktr-io/cdktr/internal/opclient"
	"github.com/cdktr-io/cdktr/internal/transport"
)

// NewWorkflowsCommand builds the "workflows" command (list + run).
func NewWorkflowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect and trigger workflows known to the principal",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRunCommand())
	return cmd
}

// NewAgentsCommand builds the "agents" command.
func NewAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents currently registered with the principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *opclient.Client) error {
				data, err := c.RegisteredAgents(ctx)
				if err != nil {
					return err
				}
				return printJSONTable(data)
			})
		},
	}
}

// NewLogsCommand builds the "logs" command.
func NewLogsCommand() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "logs <workflow-id>",
		Short: "Fetch recent log lines for a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := args[0]
			var startMs int64
			if since > 0 {
				startMs = time.Now().Add(-since).UnixMilli()
			}
			return withClient(func(ctx context.Context, c *opclient.Client) error {
				data, err := c.QueryLogs(ctx, opclient.LogQuery{WorkflowID: workflowID, StartMs: startMs})
				if err != nil {
					return err
				}
				return printLogLines(data)
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "Only show log lines newer than this duration ago")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows the principal has loaded",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *opclient.Client) error {
				data, err := c.ListWorkflows(ctx)
				if err != nil {
					return err
				}
				return printWorkflowTable(data)
			})
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Trigger a manual run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := args[0]
			return withClient(func(ctx context.Context, c *opclient.Client) error {
				if err := c.RunWorkflow(ctx, workflowID); err != nil {
					return err
				}
				fmt.Printf("Enqueued %s for dispatch\n", workflowID)
				return nil
			})
		},
	}
}

// withClient dials the configured principal, hands a ready opclient.Client
// to fn, and closes the connection afterward.
func withClient(fn func(ctx context.Context, c *opclient.Client) error) error {
	cfg, err := config.LoadAgent("")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.PrincipalHost, cfg.PrincipalPort)
	t, err := transport.New(addr, "cdktr-cli", transport.WithDialTimeout(cfg.DefaultTimeout))
	if err != nil {
		return fmt.Errorf("failed to connect to principal at %s: %w", addr, err)
	}
	defer t.Close()

	c := opclient.New(t, opclient.WithTimeout(cfg.DefaultTimeout))
	return fn(context.Background(), c)
}

type workflowSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
}

func printWorkflowTable(data []byte) error {
	var summaries map[string]workflowSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return fmt.Errorf("failed to decode workflow list: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
	for id, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, s.Name, s.Description)
	}
	return w.Flush()
}

func printJSONTable(data []byte) error {
	var pretty interface{}
	if err := json.Unmarshal(data, &pretty); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func printLogLines(data []byte) error {
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("failed to decode log lines: %w", err)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
