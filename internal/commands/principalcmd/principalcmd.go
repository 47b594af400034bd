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

// Package principalcmd implements the cdktr CLI's "principal"
// subcommand: start/stop/status for the cdktr-principal background
// process, built on internal/lifecycle's PID-file, spawn, and
// health-check primitives.
package principalcmd

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

// NewCommand builds the "principal" command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principal",
		Short: "Manage the cdktr-principal background process",
	}
	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newStatusCommand())
	return cmd
}

func pidFilePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".cdktr", "cdktr-principal.pid"), nil
}

func lifecycleLogPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/cdktr-lifecycle.log"
	}
	return filepath.Join(homeDir, ".local", "share", "cdktr", "lifecycle.log")
}

func processLogPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/cdktr-principal.log"
	}
	return filepath.Join(homeDir, ".local", "share", "cdktr", "principal.log")
}

func healthURL(cfg config.Principal) string {
	return fmt.Sprintf("http://%s:%d/health", cfg.Host, cfg.Port)
}

func newStartCommand() *cobra.Command {
	var (
		foreground  bool
		timeout     time.Duration
		host        string
		port        int
		workflowDir string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start cdktr-principal in the background",
		Long: `Start the cdktr-principal process in the background.

By default the principal runs detached and writes a PID file. Use
--foreground to run inline (for systemd/containers). The command is
idempotent: if the principal is already running and healthy, it exits
successfully without spawning a new instance.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(startOptions{foreground, timeout, host, port, workflowDir})
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in the current terminal (no PID file)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Health check timeout")
	cmd.Flags().StringVar(&host, "host", "", "Address to bind the wire listener to")
	cmd.Flags().IntVar(&port, "port", 0, "Port to bind the wire listener to")
	cmd.Flags().StringVar(&workflowDir, "workflows-dir", "", "Directory to scan for workflow definitions")

	return cmd
}

type startOptions struct {
	foreground  bool
	timeout     time.Duration
	host        string
	port        int
	workflowDir string
}

func runStart(opts startOptions) error {
	cfg, err := config.LoadPrincipal("")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.host != "" {
		cfg.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Port = opts.port
	}
	if opts.workflowDir != "" {
		cfg.WorkflowDir = opts.workflowDir
	}

	lifecycleLog := lifecycle.NewLifecycleLogger(lifecycleLogPath())

	if opts.foreground {
		fmt.Println("Starting cdktr-principal in foreground mode...")
		if err := lifecycleLog.LogStart("", os.Args[1:], ""); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", err)
		}
		return lifecycle.StartPrincipal(context.Background(), cfg, nil)
	}

	pidPath, err := pidFilePath()
	if err != nil {
		return err
	}
	pidMgr := lifecycle.NewPIDFileManager(pidPath)

	args := buildPrincipalArgs(cfg)
	if err := lifecycleLog.LogStart("", args, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", err)
	}

	existingPID, err := pidMgr.Read()
	if err == nil {
		if lifecycle.IsProcessRunning(existingPID) && lifecycle.IsCDKTRProcess(existingPID) {
			if err := waitForHealthy(cfg, 5*time.Second); err == nil {
				if logErr := lifecycleLog.LogAlreadyRunning(existingPID); logErr != nil {
					fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", logErr)
				}
				fmt.Printf("cdktr-principal is already running (PID %d)\n", existingPID)
				return nil
			}
			fmt.Fprintf(os.Stderr, "Warning: principal process exists (PID %d) but is unhealthy, starting new instance\n", existingPID)
		} else {
			if logErr := lifecycleLog.LogStalePID(existingPID, "process not running"); logErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", logErr)
			}
			fmt.Fprintf(os.Stderr, "Warning: removing stale PID file (process %d not running)\n", existingPID)
			if err := pidMgr.Remove(); err != nil {
				return fmt.Errorf("failed to remove stale PID file: %w", err)
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check existing principal: %w", err)
	}

	binaryPath, err := exeDir("cdktr-principal")
	if err != nil {
		return err
	}

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached(binaryPath, args, processLogPath())
	if err != nil {
		if logErr := lifecycleLog.LogStartFailure(err); logErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", logErr)
		}
		return fmt.Errorf("failed to spawn cdktr-principal: %w", err)
	}

	startTime := time.Now()
	fmt.Printf("Starting cdktr-principal (PID %d)...\n", pid)

	if err := waitForHealthy(cfg, opts.timeout); err != nil {
		_ = lifecycle.SendSignal(pid, 15)
		if logErr := lifecycleLog.LogStartFailure(err); logErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", logErr)
		}
		return fmt.Errorf("principal failed to become healthy within %v: %w", opts.timeout, err)
	}

	if err := pidMgr.Create(pid); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", cliui.RenderWarn(fmt.Sprintf("principal started but failed to write PID file: %v", err)))
		fmt.Println(cliui.RenderOK(fmt.Sprintf("cdktr-principal started successfully (PID %d)", pid)))
		return nil
	}

	if err := lifecycleLog.LogStartSuccess(pid, 0, time.Since(startTime)); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", cliui.RenderWarn(fmt.Sprintf("failed to write lifecycle log: %v", err)))
	}

	fmt.Println(cliui.RenderOK(fmt.Sprintf("cdktr-principal started successfully (PID %d)", pid)))
	return nil
}

func buildPrincipalArgs(cfg config.Principal) []string {
	var args []string
	if cfg.Host != "" {
		args = append(args, "--host", cfg.Host)
	}
	if cfg.Port != 0 {
		args = append(args, "--port", fmt.Sprintf("%d", cfg.Port))
	}
	if cfg.WorkflowDir != "" {
		args = append(args, "--workflows-dir", cfg.WorkflowDir)
	}
	if cfg.NATSURL != "" {
		args = append(args, "--nats-url", cfg.NATSURL)
	}
	if cfg.DBPath != "" {
		args = append(args, "--db-path", cfg.DBPath)
	}
	if cfg.MetricsAddr != "" {
		args = append(args, "--metrics-addr", cfg.MetricsAddr)
	}
	return args
}

func waitForHealthy(cfg config.Principal, timeout time.Duration) error {
	checker := lifecycle.NewHealthChecker(healthURL(cfg))
	return checker.WaitUntilHealthy(timeout)
}

// exeDir resolves name to a binary sitting alongside the currently
// running cdktr executable, falling back to PATH lookup.
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
		timeout time.Duration
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop cdktr-principal gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(timeout, force)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Graceful shutdown timeout before SIGKILL")
	cmd.Flags().BoolVar(&force, "force", false, "Skip graceful shutdown, send SIGKILL immediately")

	return cmd
}

func runStop(timeout time.Duration, force bool) error {
	pidPath, err := pidFilePath()
	if err != nil {
		return err
	}

	lifecycleLog := lifecycle.NewLifecycleLogger(lifecycleLogPath())
	pidMgr := lifecycle.NewPIDFileManager(pidPath)

	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("cdktr-principal is not running (no PID file)")
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	if !lifecycle.IsProcessRunning(pid) {
		if logErr := lifecycleLog.LogStalePID(pid, "process not running"); logErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", logErr)
		}
		fmt.Printf("cdktr-principal process %d is not running (removing stale PID file)\n", pid)
		return pidMgr.Remove()
	}

	if !lifecycle.IsCDKTRProcess(pid) {
		return fmt.Errorf("PID %d is not a cdktr process (refusing to stop)", pid)
	}

	if err := lifecycleLog.LogStop(pid, force); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", err)
	}

	fmt.Printf("Stopping cdktr-principal (PID %d)...\n", pid)
	startTime := time.Now()

	if err := lifecycle.GracefulShutdown(pid, timeout, force); err != nil {
		if logErr := lifecycleLog.LogStopFailure(pid, err); logErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", logErr)
		}
		return fmt.Errorf("failed to stop cdktr-principal: %w", err)
	}

	if err := pidMgr.Remove(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to remove PID file: %v\n", err)
	}

	if err := lifecycleLog.LogStopSuccess(pid, time.Since(startTime)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to write lifecycle log: %v\n", err)
	}

	fmt.Println(cliui.RenderOK("cdktr-principal stopped successfully"))
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether cdktr-principal is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func runStatus() error {
	pidPath, err := pidFilePath()
	if err != nil {
		return err
	}
	pidMgr := lifecycle.NewPIDFileManager(pidPath)

	pid, err := pidMgr.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println(cliui.RenderWarn("cdktr-principal is not running (no PID file)"))
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	info, err := lifecycle.GetProcessInfo(pid)
	if err != nil {
		return fmt.Errorf("failed to inspect process %d: %w", pid, err)
	}
	if !info.Running {
		fmt.Println(cliui.RenderWarn(fmt.Sprintf("cdktr-principal PID %d is not running (stale PID file)", pid)))
		return nil
	}

	cfg, err := config.LoadPrincipal("")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	checker := lifecycle.NewHealthChecker(healthURL(cfg))
	result := checker.Check(context.Background())
	if result.Success {
		fmt.Println(cliui.RenderOK(fmt.Sprintf("cdktr-principal running (PID %d), healthy", pid)))
	} else {
		fmt.Println(cliui.RenderWarn(fmt.Sprintf("cdktr-principal running (PID %d), unhealthy: %v", pid, result.Error)))
	}
	return nil
}
