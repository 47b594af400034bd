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

package obs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProviderRecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	p := &Provider{tp: tp}
	defer p.Shutdown(context.Background())

	tracer := p.Tracer("test")
	_, span := tracer.Start(context.Background(), SpanPrincipalDispatch)
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, SpanPrincipalDispatch, spans[0].Name)
}

func TestNewProviderDefaultsToStdout(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{ServiceName: "cdktr-principal"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	if p.tp == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
}
