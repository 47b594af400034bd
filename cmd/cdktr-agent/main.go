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
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cdktr-io/cdktr/internal/config"
	"github.com/cdktr-io/cdktr/internal/lifecycle"
	"github.com/cdktr-io/cdktr/internal/log"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to agent.yaml config file")
		agentID       = flag.String("agent-id", "", "Unique identifier for this agent instance")
		agentHost     = flag.String("agent-host", "", "Hostname this agent reports to the principal")
		principalHost = flag.String("principal-host", "", "Host of the principal to connect to")
		principalPort = flag.Int("principal-port", 0, "Port of the principal to connect to")
		natsURL       = flag.String("nats-url", "", "NATS server URL for log transport")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cdktr-agent %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *principalHost != "" {
		cfg.PrincipalHost = *principalHost
	}
	if *principalPort != 0 {
		cfg.PrincipalPort = *principalPort
	}
	if *natsURL != "" {
		cfg.NATSURL = *natsURL
	}

	id := *agentID
	if id == "" {
		id = os.Getenv("CDKTR_AGENT_ID")
	}
	if id == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "agent"
		}
		id = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	host := *agentHost
	if host == "" {
		hostname, err := os.Hostname()
		if err == nil {
			host = hostname
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- lifecycle.StartAgent(ctx, cfg, id, host, logger)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		cancel()
		if err := <-errCh; err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("agent exited with error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
