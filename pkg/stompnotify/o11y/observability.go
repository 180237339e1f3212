// Package o11y defines the metrics and tracing interfaces the connection
// manager records through. Implementations live in the otel and prom packages.
package o11y

import (
	"context"
)

// MetricsProvider hands out named instruments. Asking for the same name
// twice returns instruments that record into the same series.
type MetricsProvider interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
	Gauge(name string) Gauge
}

// TracingProvider starts spans around connects and sends.
type TracingProvider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

type Counter interface {
	Add(ctx context.Context, value int64, labels ...Label)
}

type Histogram interface {
	Record(ctx context.Context, value float64, labels ...Label)
}

// Gauge records the current value, replacing the previous one.
type Gauge interface {
	Set(ctx context.Context, value float64, labels ...Label)
}

type Span interface {
	SetAttributes(labels ...Label)
	SetStatus(code SpanStatusCode, description string)
	End()
}

// Label is a metric label or span attribute.
type Label struct {
	Key   string
	Value string
}

// L is shorthand for building a Label.
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}

type SpanStatusCode int

const (
	SpanStatusUnset SpanStatusCode = iota
	SpanStatusOK
	SpanStatusError
)

// NopSpan records nothing.
type NopSpan struct{}

func (NopSpan) SetAttributes(labels ...Label)                     {}
func (NopSpan) SetStatus(code SpanStatusCode, description string) {}
func (NopSpan) End()                                              {}

// StartSpan starts a span on provider, or returns a NopSpan when provider is nil.
func StartSpan(ctx context.Context, provider TracingProvider, name string) (context.Context, Span) {
	if provider == nil {
		return ctx, NopSpan{}
	}
	return provider.StartSpan(ctx, name)
}
