// Package telemetry wires up OpenTelemetry tracing for the trusted
// process, with a narrow attribute set scoped to what a tool-call
// mediation pipeline actually emits. It exports to stdout rather than
// requiring an external collector; NewTracerProvider takes no exporter
// options, so stdout is the only exporter it installs.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ironcurtain/core/pkg/orchestrator"

// TracerProvider owns the SDK trace provider's lifecycle.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider builds a tracer provider that exports spans to stdout
// and installs it as the process-global provider. Disabled deployments
// can skip calling this entirely — Tracer() then falls back to OTel's
// no-op tracer, so callers never need a nil check.
func NewTracerProvider(serviceName string) (*TracerProvider, error) {
	exporter, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the package-wide tracer used by the orchestrator.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span under the orchestrator's tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// Attribute keys emitted on tool-call spans.
var (
	AttrServer      = attribute.Key("ironcurtain.backend.server")
	AttrTool        = attribute.Key("ironcurtain.backend.tool")
	AttrDecision    = attribute.Key("ironcurtain.policy.decision")
	AttrRuleName    = attribute.Key("ironcurtain.policy.rule")
	AttrEscalation  = attribute.Key("ironcurtain.escalation.outcome")
	AttrRequestID   = attribute.Key("ironcurtain.request.id")
)
