// Package observability wires structured logging and OpenTelemetry tracing
// for the write mediator. Spans cover the pipeline's critical path
// (request_write, commit_write, route/execute); metrics export is out of
// scope for this deployment, so only the trace provider is configured.
package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/cortexops/writegate"

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// New installs a trace provider as the otel global and returns it.
// Without an exporter configured, spans stay in-process; deployments that
// need export attach a span processor before Start.
func New() *Provider {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}
}

// Tracer returns the mediator's tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Shutdown flushes and stops the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
