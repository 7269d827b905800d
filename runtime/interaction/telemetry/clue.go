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

const instrumentationName = "goa.design/parley/interaction"

type (
	clueLogger struct{}

	otelMetrics struct {
		meter metric.Meter
	}

	otelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns a Logger backed by goa.design/clue/log. Format and
// debug settings come from the context (log.Context, log.WithFormat,
// log.WithDebug).
func NewClueLogger() Logger { return clueLogger{} }

// NewOTELMetrics returns a Metrics backed by the global OpenTelemetry
// MeterProvider.
func NewOTELMetrics() Metrics {
	return &otelMetrics{meter: otel.Meter(instrumentationName)}
}

// NewOTELTracer returns a Tracer backed by the global OpenTelemetry
// TracerProvider.
func NewOTELTracer() Tracer {
	return &otelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (clueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

func (clueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

func (clueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

func (clueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	var err error
	rest := keyvals[:0:0]
	pairs(keyvals, func(k string, v any) {
		if e, ok := v.(error); ok && k == "err" && err == nil {
			err = e
			return
		}
		rest = append(rest, k, v)
	})
	log.Error(ctx, err, fielders(msg, rest)...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fs = append(fs, log.KV{K: "msg", V: msg})
	pairs(keyvals, func(k string, v any) {
		fs = append(fs, log.KV{K: k, V: v})
	})
	return fs
}

func (m *otelMetrics) IncCounter(name string, value float64, tags ...string) {
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *otelMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	h, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return
	}
	h.Record(context.Background(), d.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

func (m *otelMetrics) RecordGauge(name string, value float64, tags ...string) {
	g, err := m.meter.Float64Gauge(name)
	if err != nil {
		return
	}
	g.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (t *otelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

func (t *otelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvAttrs(attrs)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(tags)+1)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func kvAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	pairs(keyvals, func(k string, v any) {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case nil:
			attrs = append(attrs, attribute.String(k, ""))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(val)))
		}
	})
	return attrs
}
