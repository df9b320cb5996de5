// Package telemetry defines the small logging/metrics/tracing surface the
// runtime depends on, so the concrete backend (Clue + OpenTelemetry, or the
// no-op implementations) can be swapped without touching runtime code. The
// client and agent entities log failures through Logger; the engine
// adapters hand Logger, Metrics and Tracer to workflow code. No runtime
// package records metrics or starts spans itself.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured, context-scoped logging. Implementations
// typically delegate to goa.design/clue/log but the interface stays small so
// tests can supply lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes the counter/timer/gauge primitives used across the
// messaging, scheduler, and plan-execute planes.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so call sites remain agnostic of the
// underlying OpenTelemetry TracerProvider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
