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
		configPath  = flag.String("config", "", "Path to principal.yaml config file")
		host        = flag.String("host", "", "Address to bind the wire listener to")
		port        = flag.Int("port", 0, "Port to bind the wire listener to")
		workflowDir = flag.String("workflows-dir", "", "Directory to scan for workflow definitions")
		natsURL     = flag.String("nats-url", "", "NATS server URL for log transport")
		dbPath      = flag.String("db-path", "", "Path to the column-store database file")
		metricsAddr = flag.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cdktr-principal %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.LoadPrincipal(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *workflowDir != "" {
		cfg.WorkflowDir = *workflowDir
	}
	if *natsURL != "" {
		cfg.NATSURL = *natsURL
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- lifecycle.StartPrincipal(ctx, cfg, logger)
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
			logger.Error("principal exited with error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
