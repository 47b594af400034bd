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

// Package obs wires up the OpenTelemetry tracer provider shared by the
// principal and agent: a stdout exporter by default, or OTLP-over-HTTP
// when an endpoint is configured. It names the spans spec.md §4.16
// expects: principal.dispatch, agent.fetch, agent.dag.execute,
// agent.task.run.
package obs

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span names used across the principal and agent.
const (
	SpanPrincipalDispatch = "principal.dispatch"
	SpanAgentFetch        = "agent.fetch"
	SpanAgentDAGExecute   = "agent.dag.execute"
	SpanAgentTaskRun      = "agent.task.run"
)

// Config configures the tracer provider.
type Config struct {
	// ServiceName identifies this process in exported spans.
	ServiceName string
	// ServiceVersion tags the build; may be empty.
	ServiceVersion string
	// OTLPEndpoint, when non-empty, sends spans to an OTLP-over-HTTP
	// collector instead of stdout. Corresponds to CDKTR_OTEL_ENDPOINT.
	OTLPEndpoint string
	// Insecure disables TLS for the OTLP exporter.
	Insecure bool
}

// Provider wraps the OpenTelemetry SDK's TracerProvider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a Provider, installing it as the global tracer
// provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("obs: building resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("obs: building exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.OTLPEndpoint == "" {
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

// Tracer returns a tracer for the given instrumentation scope name.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans and releases resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
