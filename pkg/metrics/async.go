package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples metrics recording from the hot path. Events
// overflowing the buffer are counted and dropped; session teardown must
// never wait on a metrics sink.
type AsyncObserver struct {
	inner   Observer
	events  chan MetricsEvent
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:  inner,
		events: make(chan MetricsEvent, buffer),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil || a.closed.Load() {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports events lost to buffer overflow.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.events)
	})
}

func (a *AsyncObserver) loop() {
	for ev := range a.events {
		a.inner.RecordEvent(ev)
	}
}
