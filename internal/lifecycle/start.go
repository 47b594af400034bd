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

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cdktr-io/cdktr/internal/agentclient"
	"github.com/cdktr-io/cdktr/internal/columnstore"
	"github.com/cdktr-io/cdktr/internal/config"
	"github.com/cdktr-io/cdktr/internal/cronsched"
	"github.com/cdktr-io/cdktr/internal/dispatchqueue"
	cdklog "github.com/cdktr-io/cdktr/internal/log"
	"github.com/cdktr-io/cdktr/internal/logbus"
	"github.com/cdktr-io/cdktr/internal/logmanager"
	"github.com/cdktr-io/cdktr/internal/metrics"
	"github.com/cdktr-io/cdktr/internal/model"
	"github.com/cdktr-io/cdktr/internal/obs"
	"github.com/cdktr-io/cdktr/internal/principal"
	"github.com/cdktr-io/cdktr/internal/registry"
	"github.com/cdktr-io/cdktr/internal/statusingest"
	"github.com/cdktr-io/cdktr/internal/taskmanager"
	"github.com/cdktr-io/cdktr/internal/transport"
	"github.com/cdktr-io/cdktr/internal/workflowstore"
)

// AgentHeartbeatInterval is how often a running agent re-announces
// itself to the principal between registrations, per spec.md §4.10's
// "reports a heartbeat periodically" note (§4.4's AGENT_HEARTBEAT
// derivation depends on it arriving more often than the registry's
// lost-agent threshold).
const AgentHeartbeatInterval = 5 * time.Second

// StartPrincipal wires every principal-side package (workflow store,
// agent registry, dispatch queue, column store, log bus/manager, status
// ingest, cron scheduler, and the wire server) and runs them until ctx
// is cancelled. It implements the "wiring" half of C15: the flag
// parsing and signal handling that calls this live in
// cmd/cdktr-principal.
func StartPrincipal(ctx context.Context, cfg config.Principal, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	workflows, err := workflowstore.FromDir(cfg.WorkflowDir, logger)
	if err != nil {
		return fmt.Errorf("lifecycle: loading workflows: %w", err)
	}

	store, err := columnstore.Open(columnstore.Config{Path: cfg.DBPath, WAL: true})
	if err != nil {
		return fmt.Errorf("lifecycle: opening column store: %w", err)
	}
	defer store.Close()

	bus, err := logbus.Connect(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("lifecycle: connecting to NATS at %s: %w", cfg.NATSURL, err)
	}
	defer bus.Close()

	agents := registry.New()
	dispatch := dispatchqueue.New[*model.Workflow]()
	statuses := statusingest.New(store)
	logs := logmanager.New(bus, store, logmanager.Config{}, logmanager.WithLogger(logger))

	provider, err := obs.NewProvider(ctx, obs.Config{ServiceName: "cdktr-principal", OTLPEndpoint: cfg.OTELEndpoint})
	if err != nil {
		logger.Warn("failed to initialize tracing provider", slog.Any("error", err))
	} else {
		defer provider.Shutdown(context.Background())
	}

	srv := principal.New(workflows, agents, dispatch, statuses, logs, principal.WithLogger(logger))

	cron := cronsched.New(func(_ context.Context, workflowID string) {
		wf, ok := workflows.Get(workflowID)
		if !ok {
			logger.Warn("cron fired for unknown workflow", slog.String("workflow_id", workflowID))
			return
		}
		dispatch.Put(wf)
		metrics.SetDispatchQueueDepth(dispatch.Size())
	}, logger)
	for _, sched := range workflows.Schedules() {
		if err := cron.AddWorkflow(sched.WorkflowID, sched.Cron, sched.StartTimeUTC); err != nil {
			logger.Error("rejecting workflow with invalid schedule",
				slog.String("workflow_id", sched.WorkflowID), slog.Any("error", err))
		}
	}

	transportSrv := transport.NewServer(&transport.ServerConfig{
		Addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Logger: logger,
	}, srv.Handle)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return logs.Start(gctx)
	})

	group.Go(func() error {
		cron.Start(gctx)
		<-gctx.Done()
		cron.Stop()
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(cfg.WorkflowDirRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := workflows.Refresh(); err != nil {
					logger.Warn("workflow directory refresh failed", slog.Any("error", err))
					continue
				}
				for _, sched := range workflows.Schedules() {
					if err := cron.AddWorkflow(sched.WorkflowID, sched.Cron, sched.StartTimeUTC); err != nil {
						logger.Error("rejecting workflow with invalid schedule on refresh",
							slog.String("workflow_id", sched.WorkflowID), slog.Any("error", err))
					}
				}
			}
		}
	})

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
		group.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- metricsSrv.ListenAndServe() }()
			select {
			case <-gctx.Done():
				return metricsSrv.Shutdown(context.Background())
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			}
		})
	}

	group.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- transportSrv.Start(gctx) }()
		select {
		case <-gctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return transportSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	})

	logger.Info("cdktr-principal started",
		slog.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
		slog.String("workflow_dir", cfg.WorkflowDir),
		slog.Int("workflow_count", workflows.Count()))

	return group.Wait()
}

// StartAgent wires the agent-side transport client, principal client,
// and task manager, and runs them until ctx is cancelled.
func StartAgent(ctx context.Context, cfg config.Agent, agentID, agentHost string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = cdklog.WithAgent(logger, agentID)

	if cfg.OTELEndpoint != "" {
		provider, err := obs.NewProvider(ctx, obs.Config{ServiceName: "cdktr-agent", OTLPEndpoint: cfg.OTELEndpoint})
		if err != nil {
			logger.Warn("failed to initialize tracing provider", slog.Any("error", err))
		} else {
			defer provider.Shutdown(context.Background())
		}
	}

	t, err := transport.New(fmt.Sprintf("%s:%d", cfg.PrincipalHost, cfg.PrincipalPort), agentID,
		transport.WithDialTimeout(cfg.DefaultTimeout))
	if err != nil {
		return fmt.Errorf("lifecycle: connecting to principal: %w", err)
	}
	defer t.Close()

	bus, err := logbus.Connect(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("lifecycle: connecting to NATS at %s: %w", cfg.NATSURL, err)
	}
	defer bus.Close()

	client := agentclient.New(t, agentID, agentHost,
		agentclient.WithTimeout(cfg.DefaultTimeout),
		agentclient.WithRetry(cfg.RetryAttempts, 2*time.Second),
		agentclient.WithLogger(logger))

	tm := taskmanager.New(client, bus, taskmanager.Config{MaxThreads: cfg.MaxConcurrency}, taskmanager.WithLogger(logger))

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return tm.Run(gctx)
	})

	group.Go(func() error {
		ticker := time.NewTicker(AgentHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := client.SendHeartbeat(gctx); err != nil {
					logger.Warn("heartbeat failed", slog.Any("error", err))
				}
			}
		}
	})

	logger.Info("cdktr-agent started",
		slog.String("principal", fmt.Sprintf("%s:%d", cfg.PrincipalHost, cfg.PrincipalPort)),
		slog.Int("max_concurrency", cfg.MaxConcurrency))

	return group.Wait()
}
