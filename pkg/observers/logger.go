package observers

import (
	"log/slog"

	"github.com/voxrelay/voxrelay/pkg/metrics"
)

// LoggerObserver writes metrics events to the structured log, which is
// the default sink when no external metrics backend is configured.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log.With(slog.String("component", "metrics"))}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := make([]any, 0, 2+2*len(ev.Tags)+2*len(ev.Fields))
	attrs = append(attrs, "value", ev.Value)
	for k, v := range ev.Tags {
		attrs = append(attrs, k, v)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	o.log.Info(ev.Name, attrs...)
}

// MultiObserver fans one event out to several sinks.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, o := range m.list {
		o.RecordEvent(ev)
	}
}
