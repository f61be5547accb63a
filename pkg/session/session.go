package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sanavoice/sana/pkg/adapters/stt"
	"github.com/sanavoice/sana/pkg/adapters/tts"
	"github.com/sanavoice/sana/pkg/errorsx"
	"github.com/sanavoice/sana/pkg/frames"
	"github.com/sanavoice/sana/pkg/history"
	"github.com/sanavoice/sana/pkg/llm"
	"github.com/sanavoice/sana/pkg/metrics"
	"github.com/sanavoice/sana/pkg/persona"
	"github.com/sanavoice/sana/pkg/tools"
	"github.com/sanavoice/sana/pkg/turn"
	"github.com/sanavoice/sana/pkg/vad"
)

const (
	// SystemCallStart and SystemCallEnd are the transport lifecycle events the
	// session reacts to.
	SystemCallStart = "call_start"
	SystemCallEnd   = "call_end"

	fallbackUtterance = "I'm sorry, I'm having a little trouble on my end. Could you say that again?"

	inboundBuffer = 512
)

// Sink is where the session writes assistant audio and control frames, backed
// by the call transport.
type Sink interface {
	Send(ctx context.Context, frame frames.Frame) error
}

// Config bounds the blocking work a session performs per caller turn.
type Config struct {
	MaxToolRounds int
	LLMTimeout    time.Duration
	ToolTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 3
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 15 * time.Second
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 8 * time.Second
	}
}

// Session orchestrates one phone call: caller audio in, assistant audio out,
// with transcription, reasoning and tool dispatch in between. All state
// transitions happen on the Run goroutine; adapters and tool handlers run on
// worker goroutines that report back through channels.
type Session struct {
	id       string
	streamID string
	bundle   persona.Bundle

	fsm      *turn.Machine
	hist     *history.History
	stt      stt.StreamingSTT
	tts      tts.StreamingTTS
	llm      llm.Adapter
	registry *tools.Registry
	sink     Sink
	detector *vad.Detector
	obs      metrics.Observer
	logger   *slog.Logger
	cfg      Config

	in       chan frames.Frame
	reasonCh chan reasonOutcome
	toolCh   chan toolBatch

	traceID    string
	toolRounds int
	// pending holds caller speech that finalized while a prior turn was still
	// being answered; it replays as the next turn once the session is idle.
	pending string
}

type reasonOutcome struct {
	resp     llm.Response
	err      error
	stripped bool
}

type toolBatch struct {
	results []toolOutcome
}

type toolOutcome struct {
	callID string
	name   string
	result tools.Result
}

// Deps carries everything a session needs; the engine wires one set per call.
type Deps struct {
	CallSID  string
	StreamID string
	Bundle   persona.Bundle
	STT      stt.StreamingSTT
	TTS      tts.StreamingTTS
	LLM      llm.Adapter
	Registry *tools.Registry
	Sink     Sink
	Detector *vad.Detector
	Observer metrics.Observer
	Logger   *slog.Logger
	Config   Config
}

func New(deps Deps) *Session {
	deps.Config.applyDefaults()
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Detector == nil {
		deps.Detector = vad.NewDetector(vad.Config{})
	}
	return &Session{
		id:       deps.CallSID,
		streamID: deps.StreamID,
		bundle:   deps.Bundle,
		fsm:      turn.NewMachine(),
		hist:     history.New(deps.Bundle.Instructions),
		stt:      deps.STT,
		tts:      deps.TTS,
		llm:      deps.LLM,
		registry: deps.Registry,
		sink:     deps.Sink,
		detector: deps.Detector,
		obs:      deps.Observer,
		logger:   deps.Logger.With("call_sid", deps.CallSID, "stream_id", deps.StreamID),
		cfg:      deps.Config,
		in:       make(chan frames.Frame, inboundBuffer),
		reasonCh: make(chan reasonOutcome, 1),
		toolCh:   make(chan toolBatch, 1),
	}
}

// ID returns the call SID the session serves.
func (s *Session) ID() string { return s.id }

// State exposes the current turn state, used by tests and status logging.
func (s *Session) State() turn.State { return s.fsm.State() }

// History exposes the conversation transcript.
func (s *Session) History() *history.History { return s.hist }

// Deliver hands a transport frame to the session loop. Audio frames are
// dropped when the loop is backed up; lifecycle frames block so call teardown
// is never lost.
func (s *Session) Deliver(f frames.Frame) {
	if f.Kind() == frames.KindAudio {
		select {
		case s.in <- f:
		default:
			s.logger.Warn("inbound_audio_dropped")
		}
		return
	}
	s.in <- f
}

// Run drives the session until the call ends or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if err := s.stt.Start(ctx); err != nil {
		return errorsx.Wrap(fmt.Errorf("start stt: %w", err), errorsx.ReasonSTTConnect)
	}
	if err := s.tts.Start(ctx); err != nil {
		s.stt.Close()
		return errorsx.Wrap(fmt.Errorf("start tts: %w", err), errorsx.ReasonTTSConnect)
	}
	defer s.shutdown()

	s.record(metrics.EventSessionStart, nil)
	s.logger.Info("session_started", "tenant_id", s.bundle.TenantID, "tools", s.registry.Names())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-s.in:
			if done := s.handleInbound(ctx, f); done {
				return nil
			}
		case f, ok := <-s.stt.Results():
			if !ok {
				s.logger.Warn("stt_stream_closed")
				return nil
			}
			s.handleTranscript(ctx, f)
		case f, ok := <-s.tts.Results():
			if !ok {
				s.logger.Warn("tts_stream_closed")
				return nil
			}
			s.handleSynthesis(ctx, f)
		case out := <-s.reasonCh:
			s.handleReasoning(ctx, out)
		case batch := <-s.toolCh:
			s.handleToolResults(ctx, batch)
		}
	}
}

func (s *Session) handleInbound(ctx context.Context, f frames.Frame) bool {
	switch fr := f.(type) {
	case frames.SystemFrame:
		switch fr.Name() {
		case SystemCallStart:
			s.greet(ctx)
		case SystemCallEnd:
			s.logger.Info("call_ended", "reason", fr.Meta()[frames.MetaCallEndReason])
			return true
		}
	case frames.AudioFrame:
		if err := s.stt.SendAudio(fr); err != nil {
			s.logger.Error("stt_send_failed", "error", err)
		}
		switch s.detector.Process(fr.RawPayload()) {
		case vad.EventSpeechStart:
			s.onSpeechOnset(ctx)
		case vad.EventSpeechEnd:
			s.logger.Debug("vad_speech_end")
		}
		frames.ReleaseAudioFrame(fr)
	}
	return false
}

// onSpeechOnset moves an idle session into listening, or cuts the assistant
// off mid-sentence when the caller barges in.
func (s *Session) onSpeechOnset(ctx context.Context) {
	if s.fsm.TransitionIf(turn.StateSpeaking, turn.StateListening, "barge_in") {
		s.record(metrics.EventBargeIn, nil)
		s.logger.Info("barge_in")
		if err := s.tts.Flush(); err != nil {
			s.logger.Error("tts_flush_failed", "error", err)
		}
		clear := frames.NewControlFrame(s.streamID, frames.Now(), frames.ControlClear, map[string]string{
			frames.MetaCallSID: s.id,
		})
		if err := s.sink.Send(ctx, clear); err != nil {
			s.logger.Error("transport_clear_failed", "error", err)
		}
		return
	}
	s.fsm.TransitionIf(turn.StateIdle, turn.StateListening, "speech_onset")
}

func (s *Session) handleTranscript(ctx context.Context, f frames.Frame) {
	switch fr := f.(type) {
	case frames.ControlFrame:
		switch fr.Code() {
		case frames.ControlSpeechStart:
			s.onSpeechOnset(ctx)
		case frames.ControlUtteranceEnd:
			s.logger.Debug("utterance_end")
		}
	case frames.TextFrame:
		if fr.Meta()[frames.MetaIsFinal] != "true" {
			return
		}
		s.onFinalTranscript(ctx, fr)
	}
}

func (s *Session) onFinalTranscript(ctx context.Context, fr frames.TextFrame) {
	transcript := strings.TrimSpace(fr.Text())

	// A final can arrive before the local detector fires; treat it as onset.
	s.fsm.TransitionIf(turn.StateIdle, turn.StateListening, "transcript")

	if s.fsm.State() != turn.StateListening {
		// A prior turn is still being answered. The utterance is held, not
		// dropped: it becomes the next caller turn once the session is idle.
		if transcript != "" {
			s.bufferTranscript(transcript)
		}
		return
	}
	if s.pending != "" {
		transcript = strings.TrimSpace(s.pending + " " + transcript)
		s.pending = ""
	}
	if transcript == "" {
		s.fsm.TransitionIf(turn.StateListening, turn.StateIdle, "empty_transcript")
		return
	}
	s.commitTranscript(ctx, transcript)
}

func (s *Session) commitTranscript(ctx context.Context, transcript string) {
	s.traceID = uuid.NewString()
	s.toolRounds = 0
	if err := s.fsm.Transition(turn.StateTranscribing, "final_transcript"); err != nil {
		s.logger.Error("transition_failed", "error", err)
		return
	}
	s.record(metrics.EventTranscriptFinal, nil)
	s.logger.Info("transcript_final", "trace_id", s.traceID, "chars", len(transcript))
	s.hist.AppendCaller(transcript)
	if err := s.fsm.Transition(turn.StateReasoning, "transcript_committed"); err != nil {
		s.logger.Error("transition_failed", "error", err)
		return
	}
	s.startReasoning(ctx, false)
}

func (s *Session) bufferTranscript(text string) {
	if s.pending == "" {
		s.pending = text
	} else {
		s.pending += " " + text
	}
	s.logger.Debug("transcript_buffered_busy", "state", s.fsm.State().String(), "chars", len(s.pending))
}

// replayPending promotes buffered caller speech into a fresh turn. Called at
// every transition back to idle.
func (s *Session) replayPending(ctx context.Context) {
	if s.pending == "" {
		return
	}
	if !s.fsm.TransitionIf(turn.StateIdle, turn.StateListening, "replay_buffered") {
		return
	}
	text := s.pending
	s.pending = ""
	s.logger.Info("transcript_replayed", "chars", len(text))
	s.commitTranscript(ctx, text)
}

// startReasoning launches exactly one Generate call on a worker goroutine.
// The loop only calls it from the Reasoning state, which preserves the
// single-flight guarantee.
func (s *Session) startReasoning(ctx context.Context, stripTools bool) {
	input := llm.Context{Messages: s.hist.Messages()}
	if !stripTools {
		input.Tools = s.registry.Declarations()
	}
	s.record(metrics.EventReasoningStart, nil)

	timeout := s.cfg.LLMTimeout
	go func() {
		genCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := s.llm.Generate(genCtx, input)
		if err != nil && genCtx.Err() != nil {
			err = errorsx.Wrap(err, errorsx.ReasonLLMTimeout)
		}
		s.reasonCh <- reasonOutcome{resp: resp, err: err, stripped: stripTools}
	}()
}

func (s *Session) handleReasoning(ctx context.Context, out reasonOutcome) {
	if s.fsm.State() != turn.StateReasoning {
		s.logger.Warn("reasoning_result_ignored", "state", s.fsm.State().String())
		return
	}
	s.record(metrics.EventReasoningDone, nil)

	if out.err != nil {
		s.logger.Error("reasoning_failed", "error", out.err, "reason", string(errorsx.Reason(out.err)))
		s.speakFallback(ctx)
		return
	}

	if len(out.resp.ToolCalls) > 0 {
		if out.stripped || s.toolRounds >= s.cfg.MaxToolRounds {
			s.logger.Warn("tool_budget_exhausted", "rounds", s.toolRounds)
			s.speakFallback(ctx)
			return
		}
		s.dispatchTools(ctx, out.resp.ToolCalls)
		return
	}

	text := strings.TrimSpace(out.resp.Text)
	if text == "" {
		s.logger.Warn("reasoning_empty_response")
		s.speakFallback(ctx)
		return
	}
	s.hist.AppendAssistant(text, "")
	if err := s.fsm.Transition(turn.StateSpeaking, "reply"); err != nil {
		s.logger.Error("transition_failed", "error", err)
		return
	}
	s.speak(ctx, text)
}

func (s *Session) dispatchTools(ctx context.Context, calls []llm.ToolCall) {
	s.toolRounds++
	if err := s.fsm.Transition(turn.StateToolDispatch, "tool_calls"); err != nil {
		s.logger.Error("transition_failed", "error", err)
		return
	}
	s.record(metrics.EventToolDispatch, map[string]any{"calls": len(calls)})
	for _, call := range calls {
		s.hist.AppendToolInvocation(call.ID, call.Name, call.Arguments)
		s.logger.Info("tool_dispatch", "tool", call.Name, "call_id", call.ID, "trace_id", s.traceID)
	}

	timeout := s.cfg.ToolTimeout
	registry := s.registry
	go func() {
		batch := toolBatch{results: make([]toolOutcome, 0, len(calls))}
		for _, call := range calls {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			res := registry.Invoke(callCtx, call.Name, call.Arguments)
			cancel()
			batch.results = append(batch.results, toolOutcome{callID: call.ID, name: call.Name, result: res})
		}
		s.toolCh <- batch
	}()
}

func (s *Session) handleToolResults(ctx context.Context, batch toolBatch) {
	if s.fsm.State() != turn.StateToolDispatch {
		s.logger.Warn("tool_results_ignored", "state", s.fsm.State().String())
		return
	}
	for _, out := range batch.results {
		s.hist.AppendToolResult(out.callID, out.name, out.result.OK, out.result.Payload)
		s.record(metrics.EventToolResult, map[string]any{"tool": out.name, "ok": out.result.OK})
		if out.result.Err != nil {
			s.logger.Error("tool_failed", "tool", out.name, "error", out.result.Err,
				"reason", string(errorsx.Reason(out.result.Err)))
		} else {
			s.logger.Info("tool_succeeded", "tool", out.name)
		}
	}
	if err := s.fsm.Transition(turn.StateReasoning, "tool_results"); err != nil {
		s.logger.Error("transition_failed", "error", err)
		return
	}
	s.startReasoning(ctx, s.toolRounds >= s.cfg.MaxToolRounds)
}

// greet speaks the tenant greeting as soon as the call connects, without a
// reasoning pass behind it.
func (s *Session) greet(ctx context.Context) {
	greeting := strings.TrimSpace(s.bundle.Greeting)
	if greeting == "" {
		return
	}
	if !s.fsm.TransitionIf(turn.StateIdle, turn.StateSpeaking, "greeting") {
		s.logger.Warn("greeting_skipped", "state", s.fsm.State().String())
		return
	}
	s.hist.AppendAssistant(greeting, "")
	s.speak(ctx, greeting)
}

// speakFallback apologizes locally when reasoning cannot produce a reply.
// Silence is worse than a canned sentence.
func (s *Session) speakFallback(ctx context.Context) {
	s.hist.AppendAssistant(fallbackUtterance, "")
	if err := s.fsm.Transition(turn.StateSpeaking, "fallback"); err != nil {
		s.logger.Error("transition_failed", "error", err)
		return
	}
	s.speak(ctx, fallbackUtterance)
}

func (s *Session) speak(ctx context.Context, text string) {
	s.record(metrics.EventSpeakStart, map[string]any{"chars": len(text)})
	if err := s.tts.SendText(text); err != nil {
		s.logger.Error("tts_send_failed", "error", err, "reason", string(errorsx.Reason(err)))
		if s.fsm.TransitionIf(turn.StateSpeaking, turn.StateIdle, "tts_failed") {
			s.replayPending(ctx)
		}
	}
}

func (s *Session) handleSynthesis(ctx context.Context, f frames.Frame) {
	switch fr := f.(type) {
	case frames.AudioFrame:
		if err := s.sink.Send(ctx, fr); err != nil {
			s.logger.Error("transport_send_failed", "error", err)
		}
	case frames.ControlFrame:
		if fr.Code() == frames.ControlSpeechDone {
			if s.fsm.TransitionIf(turn.StateSpeaking, turn.StateIdle, "speech_done") {
				s.record(metrics.EventSpeakDone, nil)
				s.replayPending(ctx)
			}
		}
	}
}

func (s *Session) shutdown() {
	if err := s.fsm.Transition(turn.StateEnded, "shutdown"); err != nil {
		s.logger.Error("transition_failed", "error", err)
	}
	if err := s.stt.Close(); err != nil {
		s.logger.Error("stt_close_failed", "error", err)
	}
	if err := s.tts.Close(); err != nil {
		s.logger.Error("tts_close_failed", "error", err)
	}
	s.record(metrics.EventSessionEnd, nil)
	s.logger.Info("session_ended", "turns", s.hist.Len())
}

func (s *Session) record(name string, fields map[string]any) {
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"stream_id": s.streamID,
			"call_sid":  s.id,
			"tenant_id": s.bundle.TenantID,
			"trace_id":  s.traceID,
		},
		Fields: fields,
	})
}
