// Package metrics provides a minimal event-observer abstraction used for
// connection, capture and turn telemetry.
package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// MultiObserver fans each event out to every child.
type MultiObserver []Observer

func (m MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, o := range m {
		if o != nil {
			o.RecordEvent(ev)
		}
	}
}

func (m MultiObserver) Flush() error {
	var first error
	for _, o := range m {
		if f, ok := o.(Flusher); ok {
			if err := f.Flush(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
