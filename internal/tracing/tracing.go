// Package tracing wires OpenTelemetry spans for lock runs.
package tracing

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Provider owns the tracer provider selected by configuration.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// Setup builds a provider for exporter. "none" disables tracing; "stdout"
// writes finished spans as JSON to w. The provider is also installed as the
// global otel provider.
func Setup(exporter string, w io.Writer) (*Provider, error) {
	switch strings.ToLower(strings.TrimSpace(exporter)) {
	case "", "none":
		p := &Provider{tp: noop.NewTracerProvider(), shutdown: func(context.Context) error { return nil }}
		otel.SetTracerProvider(p.tp)
		return p, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", exporter)
	}
}

// Tracer returns a named tracer from the provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
