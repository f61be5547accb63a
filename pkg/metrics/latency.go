package metrics

import (
	"log/slog"
	"sync"
	"time"
)

// LatencyObserver tracks, per stream, the time from the caller's final
// transcript to the first synthesized audio of the reply. Silence is the one
// forbidden failure mode, so this is the number worth watching.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*turnTrace
	log    *slog.Logger
}

type turnTrace struct {
	transcriptFinal time.Time
	reasoningDone   time.Time
	speakStart      time.Time
	traceID         string
	toolRounds      int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*turnTrace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev MetricsEvent) {
	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
	}
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[streamID]
	if t == nil {
		t = &turnTrace{}
		o.traces[streamID] = t
	}
	switch ev.Name {
	case EventTranscriptFinal:
		*t = turnTrace{transcriptFinal: ev.Time}
		if ev.Tags != nil {
			t.traceID = ev.Tags["trace_id"]
		}
	case EventToolDispatch:
		t.toolRounds++
	case EventReasoningDone:
		if t.reasoningDone.IsZero() {
			t.reasoningDone = ev.Time
		}
	case EventSpeakStart:
		if t.speakStart.IsZero() {
			t.speakStart = ev.Time
		}
		o.logTurnLocked(streamID, t)
		delete(o.traces, streamID)
	case EventSessionEnd:
		delete(o.traces, streamID)
	}
}

func (o *LatencyObserver) logTurnLocked(streamID string, t *turnTrace) {
	if t.transcriptFinal.IsZero() {
		// Greeting and fallback speech have no caller turn behind them.
		return
	}
	o.log.Info("turn_latency",
		"stream_id", streamID,
		"trace_id", t.traceID,
		"reasoning_ms", durationMs(t.transcriptFinal, t.reasoningDone),
		"response_ms", durationMs(t.transcriptFinal, t.speakStart),
		"tool_rounds", t.toolRounds,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
