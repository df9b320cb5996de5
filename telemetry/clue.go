package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	clueLogger struct{}

	clueMetrics struct {
		meter metric.Meter
	}

	clueTracer struct {
		tracer trace.Tracer
	}

	clueSpan struct {
		span trace.Span
	}
)

const instrumentationName = "github.com/agentfabric/mesh"

// NewClueLogger constructs a Logger delegating to goa.design/clue/log. Callers
// install clue's format/debug settings on the context beforehand (via
// log.Context).
func NewClueLogger() Logger { return clueLogger{} }

// NewClueMetrics constructs a Metrics recorder backed by the global OTEL
// MeterProvider. Configure the provider via otel.SetMeterProvider before any
// runtime call that records metrics.
func NewClueMetrics() Metrics {
	return &clueMetrics{meter: otel.Meter(instrumentationName)}
}

// NewClueTracer constructs a Tracer backed by the global OTEL TracerProvider.
func NewClueTracer() Tracer {
	return &clueTracer{tracer: otel.Tracer(instrumentationName)}
}

func (clueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fields(msg, keyvals)...)
}

func (clueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fields(msg, keyvals)...)
}

func (clueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fielders := append(fields(msg, keyvals), log.KV{K: "severity", V: "warning"})
	log.Warn(ctx, fielders...)
}

func (clueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fields(msg, keyvals)...)
}

func fields(msg string, keyvals []any) []log.Fielder {
	out := make([]log.Fielder, 0, 1+len(keyvals)/2)
	out = append(out, log.KV{K: "msg", V: msg})
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keyvals[i])
		}
		out = append(out, log.KV{K: key, V: keyvals[i+1]})
	}
	return out
}

func (m *clueMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *clueMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	hist, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	hist.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

func (m *clueMetrics) RecordGauge(name string, value float64, tags ...string) {
	// OTEL has no synchronous gauge instrument; a single-sample histogram is
	// the common workaround for point-in-time values recorded off the hot path.
	hist, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	hist.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func tagAttrs(tags []string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		out = append(out, attribute.String(tags[i], tags[i+1]))
	}
	return out
}

func (t *clueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &clueSpan{span: span}
}

func (t *clueTracer) Span(ctx context.Context) Span {
	return &clueSpan{span: trace.SpanFromContext(ctx)}
}

func (s *clueSpan) End(opts ...trace.SpanEndOption)              { s.span.End(opts...) }
func (s *clueSpan) SetStatus(code codes.Code, description string) { s.span.SetStatus(code, description) }
func (s *clueSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }

func (s *clueSpan) AddEvent(name string, attrs ...any) {
	kvs := make([]attribute.KeyValue, 0, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", attrs[i])
		}
		kvs = append(kvs, attribute.String(key, fmt.Sprintf("%v", attrs[i+1])))
	}
	s.span.AddEvent(name, trace.WithAttributes(kvs...))
}
