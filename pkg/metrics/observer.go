package metrics

import "time"

// MetricsEvent is one observation: a named value with tags for grouping
// and free-form fields for detail.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer receives metrics events. Implementations must not block the
// caller; use AsyncObserver to decouple slow sinks.
type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// Flusher is implemented by sinks that buffer before export.
type Flusher interface {
	Flush() error
}

// NoopObserver discards everything.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
