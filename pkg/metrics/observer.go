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

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// MultiObserver fans one event out to several observers.
type MultiObserver struct {
	observers []Observer
}

func NewMultiObserver(observers ...Observer) *MultiObserver {
	out := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return &MultiObserver{observers: out}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, o := range m.observers {
		o.RecordEvent(ev)
	}
}

// Event names recorded by the engine.
const (
	EventTranscriptFinal = "transcript_final"
	EventReasoningStart  = "reasoning_start"
	EventReasoningDone   = "reasoning_done"
	EventToolDispatch    = "tool_dispatch"
	EventToolResult      = "tool_result"
	EventSpeakStart      = "speak_start"
	EventSpeakDone       = "speak_done"
	EventBargeIn         = "barge_in"
	EventSessionStart    = "session_start"
	EventSessionEnd      = "session_end"
)
