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

// Package taskmanager implements the agent task manager (C10): register
// with the principal, then loop waiting for and dispatching workflows,
// running each workflow's DAG under a bounded thread count and reporting
// workflow/task status and log lines as it goes.
package taskmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cdktr-io/cdktr/internal/dagtracker"
	"github.com/cdktr-io/cdktr/internal/executor"
	"github.com/cdktr-io/cdktr/internal/metrics"
	"github.com/cdktr-io/cdktr/internal/model"
	"github.com/cdktr-io/cdktr/internal/obs"
)

var tracer = otel.Tracer("cdktr/taskmanager")

// DefaultMaxThreads bounds concurrent task executors when Config.MaxThreads
// is unset.
const DefaultMaxThreads = 4

// DefaultPollInterval is the spin-wait sleep used both for
// wait_next_workflow polling and for the thread-counter's
// at-capacity/ready-queue-empty polling, per spec.md §5's
// "ThreadCounter... spins with bounded sleep when at capacity".
const DefaultPollInterval = 200 * time.Millisecond

// PrincipalClient is the subset of internal/agentclient.Client the task
// manager depends on.
type PrincipalClient interface {
	RegisterWithPrincipal(ctx context.Context) error
	WaitNextWorkflow(ctx context.Context, sleepInterval time.Duration) (*model.Workflow, error)
	ReportWorkflowStatus(ctx context.Context, workflowID, workflowInstanceID string, status model.RunStatus) error
	ReportTaskStatus(ctx context.Context, taskID, taskInstanceID, workflowInstanceID string, status model.RunStatus) error
}

// LogPusher is the subset of internal/logbus.Bus the task manager
// depends on to forward task output.
type LogPusher interface {
	Push(record model.LogRecord) error
}

// Config configures a TaskManager.
type Config struct {
	MaxThreads   int
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxThreads <= 0 {
		c.MaxThreads = DefaultMaxThreads
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// TaskManager owns the agent's thread_counter/max_threads concurrency
// cap of spec.md §4.10 and drives the register -> wait -> dispatch loop.
type TaskManager struct {
	client PrincipalClient
	logs   LogPusher

	maxThreads   int32
	pollInterval time.Duration
	running      atomic.Int32

	logger *slog.Logger
}

// Option configures a TaskManager.
type Option func(*TaskManager)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option { return func(tm *TaskManager) { tm.logger = l } }

// New builds a TaskManager that reports to client and publishes task
// output through logs.
func New(client PrincipalClient, logs LogPusher, cfg Config, opts ...Option) *TaskManager {
	cfg = cfg.withDefaults()
	tm := &TaskManager{
		client:       client,
		logs:         logs,
		maxThreads:   int32(cfg.MaxThreads),
		pollInterval: cfg.PollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// Run implements spec.md §4.10's start sequence: register with the
// principal (blocking until success or retry exhaustion), then loop
// wait_next_workflow -> dispatch until the wait call returns a fatal
// error, at which point running executors are drained before
// returning so the caller can terminate the process per spec.md §4.10's
// "shutdown on connection loss".
func (tm *TaskManager) Run(ctx context.Context) error {
	if err := tm.client.RegisterWithPrincipal(ctx); err != nil {
		return fmt.Errorf("taskmanager: initial registration failed: %w", err)
	}

	for {
		wf, err := tm.client.WaitNextWorkflow(ctx, tm.pollInterval)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				tm.drain()
				return ctxErr
			}
			tm.logger.Error("taskmanager: principal unreachable, draining running executors", "error", err)
			tm.drain()
			return fmt.Errorf("taskmanager: principal unreachable beyond retry budget: %w", err)
		}
		tm.dispatchWorkflow(ctx, wf)
	}
}

// drain blocks until every in-flight executor has finished.
func (tm *TaskManager) drain() {
	for tm.running.Load() > 0 {
		time.Sleep(tm.pollInterval)
	}
}

func (tm *TaskManager) acquireSlot() {
	for {
		if tm.running.Load() < tm.maxThreads {
			tm.running.Add(1)
			return
		}
		time.Sleep(tm.pollInterval)
	}
}

func (tm *TaskManager) releaseSlot() {
	tm.running.Add(-1)
}

// dispatchWorkflow builds a DAGTracker for wf and runs every task to
// completion, per spec.md §4.10: repeatedly ask for the next ready
// task, spawn a thread-counted executor for it, mark success/failure on
// completion, and continue until the tracker reports finished.
func (tm *TaskManager) dispatchWorkflow(ctx context.Context, wf *model.Workflow) {
	ctx, span := tracer.Start(ctx, obs.SpanAgentDAGExecute)
	span.SetAttributes(attribute.String("cdktr.workflow_id", wf.ID))
	defer span.End()

	tracker, err := dagtracker.New(wf)
	if err != nil {
		tm.logger.Error("taskmanager: invalid workflow DAG, skipping", "workflow_id", wf.ID, "error", err)
		return
	}

	workflowInstanceID := uuid.New().String()[:8]
	tm.reportWorkflowStatus(ctx, wf.ID, workflowInstanceID, model.StatusRunning)

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	failed := false

	for {
		taskID, ok := tracker.NextReady()
		if ok {
			task := wf.Tasks[taskID]
			tm.acquireSlot()
			wg.Add(1)
			go func(taskID string, task model.Task) {
				defer wg.Done()
				defer tm.releaseSlot()

				if tm.runTask(ctx, wf, workflowInstanceID, taskID, task) {
					_ = tracker.MarkSuccess(taskID)
				} else {
					_ = tracker.MarkFailed(taskID)
					failedMu.Lock()
					failed = true
					failedMu.Unlock()
				}
			}(taskID, task)
			continue
		}
		if tracker.IsFinished() {
			break
		}
		time.Sleep(tm.pollInterval)
	}
	wg.Wait()

	failedMu.Lock()
	finalStatus := model.StatusCompleted
	if failed {
		finalStatus = model.StatusFailed
	}
	failedMu.Unlock()
	tm.reportWorkflowStatus(ctx, wf.ID, workflowInstanceID, finalStatus)
}

// runTask executes task's configured executor, streaming its
// stdout/stderr to the log bus and reporting its running/terminal
// status, returning true only when the executor reports Success.
func (tm *TaskManager) runTask(ctx context.Context, wf *model.Workflow, workflowInstanceID, taskID string, task model.Task) bool {
	ctx, span := tracer.Start(ctx, obs.SpanAgentTaskRun)
	span.SetAttributes(attribute.String("cdktr.task_id", taskID), attribute.String("cdktr.workflow_id", wf.ID))
	defer span.End()

	taskInstanceID := uuid.New().String()[:8]
	tm.reportTaskStatus(ctx, taskID, taskInstanceID, workflowInstanceID, model.StatusRunning)

	exec, err := buildExecutor(task)
	if err != nil {
		tm.logger.Error("taskmanager: cannot build executor", "task_id", taskID, "error", err)
		tm.reportTaskStatus(ctx, taskID, taskInstanceID, workflowInstanceID, model.StatusCrashed)
		return false
	}

	stdout := make(chan string, 16)
	stderr := make(chan string, 16)
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		tm.pump(wf, workflowInstanceID, taskID, task.Name, taskInstanceID, model.LogLevelInfo, stdout)
	}()
	go func() {
		defer close(stderrDone)
		tm.pump(wf, workflowInstanceID, taskID, task.Name, taskInstanceID, model.LogLevelError, stderr)
	}()

	result := exec.Run(ctx, stdout, stderr)
	close(stdout)
	close(stderr)
	<-stdoutDone
	<-stderrDone

	metrics.RecordTaskExecuted(taskOutcomeLabel(result.Kind))
	tm.reportTaskStatus(ctx, taskID, taskInstanceID, workflowInstanceID, resultStatus(result))
	return result.Kind == executor.Success
}

func taskOutcomeLabel(kind executor.ResultKind) string {
	switch kind {
	case executor.Success:
		return metrics.TaskOutcomeSuccess
	case executor.Crashed:
		return metrics.TaskOutcomeCrashed
	default:
		return metrics.TaskOutcomeFailure
	}
}

func (tm *TaskManager) pump(wf *model.Workflow, workflowInstanceID, taskID, taskName, taskInstanceID string, level model.LogLevel, lines <-chan string) {
	for line := range lines {
		rec := model.LogRecord{
			WorkflowID:         wf.ID,
			WorkflowName:       wf.Name,
			WorkflowInstanceID: workflowInstanceID,
			TaskName:           taskName,
			TaskInstanceID:     taskInstanceID,
			TimestampMs:        time.Now().UnixMilli(),
			Level:              level,
			Payload:            line,
		}
		if err := tm.logs.Push(rec); err != nil {
			tm.logger.Warn("taskmanager: log push failed, line buffered for retry", "task_id", taskID, "error", err)
		}
	}
}

func (tm *TaskManager) reportWorkflowStatus(ctx context.Context, workflowID, workflowInstanceID string, status model.RunStatus) {
	if err := tm.client.ReportWorkflowStatus(ctx, workflowID, workflowInstanceID, status); err != nil {
		tm.logger.Warn("taskmanager: failed to report workflow status", "workflow_id", workflowID, "status", status, "error", err)
	}
}

func (tm *TaskManager) reportTaskStatus(ctx context.Context, taskID, taskInstanceID, workflowInstanceID string, status model.RunStatus) {
	if err := tm.client.ReportTaskStatus(ctx, taskID, taskInstanceID, workflowInstanceID, status); err != nil {
		tm.logger.Warn("taskmanager: failed to report task status", "task_id", taskID, "status", status, "error", err)
	}
}

func resultStatus(result executor.FlowExecutionResult) model.RunStatus {
	switch result.Kind {
	case executor.Success:
		return model.StatusCompleted
	case executor.Failure:
		return model.StatusFailed
	default:
		return model.StatusCrashed
	}
}

func buildExecutor(task model.Task) (executor.Executor, error) {
	switch task.Config.Kind {
	case model.TaskConfigSubprocess:
		sc := task.Config.Subprocess
		if sc == nil {
			return nil, fmt.Errorf("taskmanager: task %s: missing subprocess config", task.TaskID)
		}
		return &executor.SubprocessExecutor{Cmd: sc.Cmd, Args: sc.Args}, nil
	case model.TaskConfigUvPython:
		uc := task.Config.UvPython
		if uc == nil {
			return nil, fmt.Errorf("taskmanager: task %s: missing uv_python config", task.TaskID)
		}
		return &executor.UvPythonExecutor{
			ScriptPath:       uc.ScriptPath,
			Packages:         uc.Packages,
			UvPath:           uc.UvPath,
			WorkingDirectory: uc.WorkingDirectory,
			IsUvProject:      uc.IsUvProject,
		}, nil
	default:
		return nil, fmt.Errorf("taskmanager: task %s: unknown config kind %q", task.TaskID, task.Config.Kind)
	}
}
