// Package telemetry defines the logging, metrics and tracing seams used by the
// interaction runtime. Components depend on the small interfaces below; the
// CLI wires the Clue/OpenTelemetry implementations and tests use the no-op
// ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names emitted by the runtime.
const (
	MetricCacheHit            = "parley.interaction.cache_hit"
	MetricCacheMiss           = "parley.interaction.cache_miss"
	MetricInteractionDuration = "parley.interaction.duration"
	MetricRateLimitRetry      = "parley.ratelimit.retry"
	MetricTurn                = "parley.engine.turn"
	SpanInteract              = "parley.interact"
)

type (
	// Logger emits structured log lines. keyvals alternates string keys and
	// values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges. tags alternates keys and
	// values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// pairs walks keyvals two at a time and calls fn for each string key. A
// trailing key is paired with nil; non-string keys are skipped.
func pairs(keyvals []any, fn func(k string, v any)) {
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fn(k, v)
	}
}
