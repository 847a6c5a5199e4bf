// Package telemetry defines the logging and metrics ports used throughout
// FlowForge. Implementations delegate to Clue logging and OTEL metrics; the
// interfaces are intentionally small so tests can provide lightweight stubs.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the engine, workers and
// scheduler.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for engine instrumentation.
// FlowForge records instance lifecycle counters (started, completed, failed),
// queue publish/ack/nack counters, and activity duration timers.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}
