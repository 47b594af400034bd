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

// Package agentcmd implements the cdktr CLI's "agent" subcommand:
// start/stop/status for a cdktr-agent background process, mirroring
// internal/commands/principalcmd's lifecycle-management shape.
package agentcmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cdktr-io/cdktr/internal/cliui"
	"github.com/cdktr-io/cdktr/internal/config"
	"github.com/cdktr-io/cdktr/internal/lifecycle"
)

// NewCommand builds the "agent" command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage the cdktr-agent background process",
	}
	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newStatusCommand())
	return cmd
}

func pidFilePath(agentID string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	name := fmt.Sprintf("cdktr-agent-%s.pid", agentID)
	if agentID == "" {
		name = "cdktr-agent.pid"
	}
	return filepath.Join(homeDir, ".cdktr", name), nil
}

func lifecycleLogPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/cdktr-lifecycle.log"
	}
	return filepath.Join(homeDir, ".local", "share", "cdktr", "lifecycle.log")
}

func processLogPath(agentID string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/cdktr-agent.log"
	}
	return filepath.Join(homeDir, ".local", "share", "cdktr", fmt.Sprintf("agent-%s.log", agentID))
}

func newStartCommand() *cobra.Command {
	var (
		foreground    bool
		agentID       string
		agentHost     string
		principalHost string
		principalPort int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start cdktr-agent in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(agentID, agentHost, principalHost, principalPort, foreground)
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in the current terminal (no PID file)")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "Unique identifier for this agent instance")
	cmd.Flags().StringVar(&agentHost, "agent-host", "", "Hostname this agent reports to the principal")
	cmd.Flags().StringVar(&principalHost, "principal-host", "", "Host of the principal to connect to")
	cmd.Flags().IntVar(&principalPort, "principal-port", 0, "Port of the principal to connect to")

	return cmd
}

func resolveAgentID(agentID string) string {
	if agentID != "" {
		return agentID
	}
	if v := os.Getenv("CDKTR_AGENT_ID"); v != "" {
		return v
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "agent"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func runStart(agentID, agentHost, principalHost string, principalPort int, foreground bool) error {
	cfg, err := config.LoadAgent("")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if principalHost != "" {
		cfg.PrincipalHost = principalHost
	}
	if principalPort != 0 {
		cfg.PrincipalPort = principalPort
	}

	id := resolveAgentID(agentID)
	host := agentHost
	if host == "" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}

	lifecycleLog := lifecycle.NewLifecycleLogger(lifecycleLogPath())

	if foreground {
		fmt.Println("Starting cdktr-agent in foreground mode...")
		if err := lifecycleLog.LogStart("", os.Args[1:], ""); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", err)
		}
		return lifecycle.StartAgent(context.Background(), cfg, id, host, nil)
	}

	pidPath, err := pidFilePath(id)
	if err != nil {
		return err
	}
	pidMgr := lifecycle.NewPIDFileManager(pidPath)

	args := buildAgentArgs(cfg, id, host)
	if err := lifecycleLog.LogStart("", args, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", err)
	}

	existingPID, err := pidMgr.Read()
	if err == nil {
		if lifecycle.IsProcessRunning(existingPID) && lifecycle.IsCDKTRProcess(existingPID) {
			fmt.Printf("cdktr-agent %s is already running (PID %d)\n", id, existingPID)
			return nil
		}
		fmt.Fprintf(os.Stderr, "Warning: removing stale PID file (process %d not running)\n", existingPID)
		if err := pidMgr.Remove(); err != nil {
			return fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check existing agent: %w", err)
	}

	binaryPath, err := exeDir("cdktr-agent")
	if err != nil {
		return err
	}

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached(binaryPath, args, processLogPath(id))
	if err != nil {
		if logErr := lifecycleLog.LogStartFailure(err); logErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", logErr)
		}
		return fmt.Errorf("failed to spawn cdktr-agent: %w", err)
	}

	if err := pidMgr.Create(pid); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", cliui.RenderWarn(fmt.Sprintf("agent started but failed to write PID file: %v", err)))
		fmt.Println(cliui.RenderOK(fmt.Sprintf("cdktr-agent started successfully (PID %d)", pid)))
		return nil
	}

	if err := lifecycleLog.LogStartSuccess(pid, 0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", cliui.RenderWarn(fmt.Sprintf("failed to write lifecycle log: %v", err)))
	}

	fmt.Println(cliui.RenderOK(fmt.Sprintf("cdktr-agent started successfully (PID %d)", pid)))
	return nil
}

func buildAgentArgs(cfg config.Agent, agentID, agentHost string) []string {
	args := []string{"--agent-id", agentID}
	if agentHost != "" {
		args = append(args, "--agent-host", agentHost)
	}
	if cfg.PrincipalHost != "" {
		args = append(args, "--principal-host", cfg.PrincipalHost)
	}
	if cfg.PrincipalPort != 0 {
		args = append(args, "--principal-port", fmt.Sprintf("%d", cfg.PrincipalPort))
	}
	if cfg.NATSURL != "" {
		args = append(args, "--nats-url", cfg.NATSURL)
	}
	return args
}

func exeDir(name string) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return name, nil
	}
	candidate := filepath.Join(filepath.Dir(self), name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return name, nil
}

func newStopCommand() *cobra.Command {
	var (
		agentID string
		timeout time.Duration
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a cdktr-agent gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(agentID, timeout, force)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent-id", "", "Unique identifier for the agent instance to stop")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Graceful shutdown timeout before SIGKILL")
	cmd.Flags().BoolVar(&force, "force", false, "Skip graceful shutdown, send SIGKILL immediately")

	return cmd
}

func runStop(agentID string, timeout time.Duration, force bool) error {
	pidPath, err := pidFilePath(agentID)
	if err != nil {
		return err
	}

	lifecycleLog := lifecycle.NewLifecycleLogger(lifecycleLogPath())
	pidMgr := lifecycle.NewPIDFileManager(pidPath)

	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("cdktr-agent is not running (no PID file)")
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	if !lifecycle.IsProcessRunning(pid) {
		fmt.Printf("cdktr-agent process %d is not running (removing stale PID file)\n", pid)
		return pidMgr.Remove()
	}

	if !lifecycle.IsCDKTRProcess(pid) {
		return fmt.Errorf("PID %d is not a cdktr process (refusing to stop)", pid)
	}

	if err := lifecycleLog.LogStop(pid, force); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", err)
	}

	fmt.Printf("Stopping cdktr-agent (PID %d)...\n", pid)
	startTime := time.Now()

	if err := lifecycle.GracefulShutdown(pid, timeout, force); err != nil {
		if logErr := lifecycleLog.LogStopFailure(pid, err); logErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", logErr)
		}
		return fmt.Errorf("failed to stop cdktr-agent: %w", err)
	}

	if err := pidMgr.Remove(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to remove PID file: %v\n", err)
	}

	if err := lifecycleLog.LogStopSuccess(pid, time.Since(startTime)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", err)
	}

	fmt.Println(cliui.RenderOK("cdktr-agent stopped successfully"))
	return nil
}

func newStatusCommand() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a cdktr-agent is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(agentID)
		},
	}
	cmd.Flags().StringVar(&agentID, "agent-id", "", "Unique identifier for the agent instance to check")
	return cmd
}

func runStatus(agentID string) error {
	pidPath, err := pidFilePath(agentID)
	if err != nil {
		return err
	}
	pidMgr := lifecycle.NewPIDFileManager(pidPath)

	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println(cliui.RenderWarn("cdktr-agent is not running (no PID file)"))
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	info, err := lifecycle.GetProcessInfo(pid)
	if err != nil {
		return fmt.Errorf("failed to inspect process %d: %w", pid, err)
	}
	if !info.Running {
		fmt.Println(cliui.RenderWarn(fmt.Sprintf("cdktr-agent PID %d is not running (stale PID file)", pid)))
		return nil
	}

	fmt.Println(cliui.RenderOK(fmt.Sprintf("cdktr-agent running (PID %d)", pid)))
	return nil
}
