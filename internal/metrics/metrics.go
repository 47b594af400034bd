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

// Package metrics exposes the principal's and agent's Prometheus
// counters and gauges: dispatch queue depth, registered agent count,
// task outcomes, and column-store persistence failures. Metrics are
// package-level promauto vectors, served by promhttp.Handler() on the
// debug HTTP server spec.md §6.1's CDKTR_METRICS_ADDR configures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdktr_dispatch_queue_depth",
		Help: "Number of workflows currently waiting in the principal's dispatch queue",
	})

	registeredAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdktr_registered_agents",
		Help: "Number of agents currently registered with the principal",
	})

	tasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdktr_tasks_executed_total",
			Help: "Total tasks executed by the agent, by outcome",
		},
		[]string{"outcome"},
	)

	persistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdktr_persistence_batch_failures_total",
			Help: "Total column-store batch-load failures, by table",
		},
		[]string{"table"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "cdktr_dispatch_duration_seconds",
			Help: "Wire action dispatch duration in seconds, by action",
		},
		[]string{"action"},
	)
)

// SetDispatchQueueDepth reports the dispatch queue's current length.
func SetDispatchQueueDepth(n int) {
	dispatchQueueDepth.Set(float64(n))
}

// SetRegisteredAgents reports the agent registry's current size.
func SetRegisteredAgents(n int) {
	registeredAgents.Set(float64(n))
}

// Task outcome labels for RecordTaskExecuted.
const (
	TaskOutcomeSuccess = "success"
	TaskOutcomeFailure = "failure"
	TaskOutcomeCrashed = "crashed"
)

// RecordTaskExecuted increments the task outcome counter.
func RecordTaskExecuted(outcome string) {
	tasksExecuted.WithLabelValues(outcome).Inc()
}

// RecordPersistenceFailure increments the persistence failure counter
// for table (e.g. "logstore", "run_status").
func RecordPersistenceFailure(table string) {
	persistenceFailures.WithLabelValues(table).Inc()
}

// ObserveDispatchDuration records how long action took to dispatch, in
// seconds.
func ObserveDispatchDuration(action string, seconds float64) {
	dispatchDuration.WithLabelValues(action).Observe(seconds)
}
