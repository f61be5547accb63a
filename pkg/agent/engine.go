package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanavoice/sana/pkg/frames"
	"github.com/sanavoice/sana/pkg/logging"
	"github.com/sanavoice/sana/pkg/metrics"
	"github.com/sanavoice/sana/pkg/persona"
	"github.com/sanavoice/sana/pkg/runner"
	"github.com/sanavoice/sana/pkg/scheduling"
	"github.com/sanavoice/sana/pkg/session"
	"github.com/sanavoice/sana/pkg/tools"
	"github.com/sanavoice/sana/pkg/transports"
	"github.com/sanavoice/sana/pkg/vad"
)

// Engine routes transport frames to per-call sessions. One session exists per
// active media stream; the engine owns their lifecycle and shared services.
type Engine struct {
	cfg       Config
	transport transports.Transport
	providers *ProviderRegistry
	personas  *persona.Store
	scheduler scheduling.Provider
	obs       metrics.Observer
	asyncObs  *metrics.AsyncObserver
	logger    *slog.Logger
	runner    *runner.LifecycleRunner

	mu       sync.Mutex
	sessions map[string]*callSession
	calls    map[string]string
	wg       sync.WaitGroup
	draining atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

type callSession struct {
	sess   *session.Session
	cancel context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Transport transports.Transport
	Personas  *persona.Store
	Providers *ProviderRegistry
	Scheduler scheduling.Provider
	Observer  metrics.Observer
	Logger    *slog.Logger
}

type drainerFunc func() error

func (f drainerFunc) Drain() error { return f() }

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("missing transport")
	}
	if opts.Personas == nil {
		return nil, fmt.Errorf("missing persona store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.NewComponentLogger(logger, "engine")

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	scheduler := opts.Scheduler
	if scheduler == nil {
		var err error
		scheduler, err = providers.BuildScheduler(opts.Config.Scheduling.Provider, opts.Config.Scheduling.Settings, logger)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:       opts.Config,
		transport: opts.Transport,
		providers: providers,
		personas:  opts.Personas,
		scheduler: scheduler,
		logger:    logger,
		sessions:  map[string]*callSession{},
		calls:     map[string]string{},
	}

	if opts.Observer != nil {
		e.obs = opts.Observer
	} else {
		buffer := opts.Config.Metrics.Buffer
		if buffer <= 0 {
			buffer = 2048
		}
		multi := metrics.NewMultiObserver(
			metrics.NewLatencyObserver(logger),
			metrics.NewLoggerObserver(logger),
		)
		e.asyncObs = metrics.NewAsyncObserver(multi, buffer)
		e.obs = e.asyncObs
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Sana Agent Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if e.asyncObs != nil {
				e.asyncObs.Close()
			}
			logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", e.ActiveCalls())
		},
	}
	e.runner = runner.NewLifecycleRunner(drainerFunc(e.drain), hooks, 30*time.Second)

	return e, nil
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	if err := e.transport.Start(e.ctx); err != nil {
		return err
	}
	go e.routeTransport(e.ctx)
	go func() {
		_ = e.runner.Run(e.ctx)
	}()
	return nil
}

// Stop drains active calls first so sessions end through call_end delivery
// rather than context cancellation.
func (e *Engine) Stop() error {
	err := e.runner.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	return err
}

func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			e.dispatch(ctx, f)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, f frames.Frame) {
	if sf, ok := f.(frames.SystemFrame); ok {
		switch sf.Name() {
		case session.SystemCallStart:
			e.startCall(ctx, sf)
			return
		case session.SystemCallEnd:
			e.endCall(sf)
			return
		}
	}
	e.deliver(f)
}

func (e *Engine) startCall(ctx context.Context, sf frames.SystemFrame) {
	meta := sf.Meta()
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]
	tenantID := meta[frames.MetaTenantID]
	if streamID == "" {
		return
	}
	if e.draining.Load() {
		e.logger.Warn("call_rejected_draining", "stream_id", streamID, "call_sid", callSID)
		return
	}

	bundle := e.personas.Resolve(tenantID)

	sttAdapter, err := e.providers.BuildSTT(e.cfg.Vendors.STT.Provider, e.cfg.Vendors.STT.Settings, callSID, streamID)
	if err != nil {
		e.logger.Error("stt_build_failed", "stream_id", streamID, "error", err)
		return
	}
	ttsAdapter, err := e.providers.BuildTTS(e.cfg.Vendors.TTS.Provider, e.cfg.Vendors.TTS.Settings, callSID, streamID)
	if err != nil {
		e.logger.Error("tts_build_failed", "stream_id", streamID, "error", err)
		return
	}
	llmAdapter, err := e.providers.BuildLLM(e.cfg.Vendors.LLM.Provider, e.cfg.Vendors.LLM.Settings)
	if err != nil {
		e.logger.Error("llm_build_failed", "stream_id", streamID, "error", err)
		return
	}

	registry := tools.NewRegistry(e.logger)
	suite := tools.NewSuite(e.scheduler, bundle, e.logger)
	suite.RegisterAll(registry)

	detector := vad.NewDetector(vad.Config{
		EnergyThreshold: e.cfg.VAD.EnergyThreshold,
		OnsetFrames:     e.cfg.VAD.OnsetFrames,
		Hangover:        time.Duration(e.cfg.VAD.HangoverMS) * time.Millisecond,
	})

	sess := session.New(session.Deps{
		CallSID:  callSID,
		StreamID: streamID,
		Bundle:   bundle,
		STT:      sttAdapter,
		TTS:      ttsAdapter,
		LLM:      llmAdapter,
		Registry: registry,
		Sink:     e.transport,
		Detector: detector,
		Observer: e.obs,
		Logger:   e.logger,
		Config: session.Config{
			MaxToolRounds: e.cfg.Session.MaxToolRounds,
			LLMTimeout:    time.Duration(e.cfg.Session.LLMTimeoutMS) * time.Millisecond,
			ToolTimeout:   time.Duration(e.cfg.Session.ToolTimeoutMS) * time.Millisecond,
		},
	})

	sctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if _, exists := e.sessions[streamID]; exists {
		e.mu.Unlock()
		cancel()
		e.logger.Warn("duplicate_stream_start", "stream_id", streamID)
		return
	}
	e.sessions[streamID] = &callSession{sess: sess, cancel: cancel}
	if callSID != "" {
		e.calls[callSID] = streamID
	}
	e.mu.Unlock()

	e.logger.Info("call_started",
		"stream_id", streamID,
		"call_sid", callSID,
		"tenant_id", bundle.TenantID,
		"agent_name", bundle.AgentName,
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		if err := sess.Run(sctx); err != nil {
			e.logger.Error("session_failed", "stream_id", streamID, "error", err)
		}
		e.mu.Lock()
		delete(e.sessions, streamID)
		if callSID != "" {
			delete(e.calls, callSID)
		}
		e.mu.Unlock()
		e.logger.Info("call_finished", "stream_id", streamID, "call_sid", callSID)
	}()

	sess.Deliver(sf)
}

func (e *Engine) endCall(sf frames.SystemFrame) {
	meta := sf.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		e.mu.Lock()
		streamID = e.calls[meta[frames.MetaCallSID]]
		e.mu.Unlock()
	}
	e.mu.Lock()
	cs := e.sessions[streamID]
	e.mu.Unlock()
	if cs == nil {
		return
	}
	cs.sess.Deliver(sf)
}

func (e *Engine) deliver(f frames.Frame) {
	streamID := f.Meta()[frames.MetaStreamID]
	e.mu.Lock()
	cs := e.sessions[streamID]
	e.mu.Unlock()
	if cs == nil {
		frames.ReleaseAudioFrame(f)
		return
	}
	cs.sess.Deliver(f)
}

// drain stops accepting calls, asks every active session to wind down, and
// waits for them to finish.
func (e *Engine) drain() error {
	e.draining.Store(true)
	_ = e.transport.Stop()

	e.mu.Lock()
	for streamID, cs := range e.sessions {
		end := frames.NewSystemFrame(streamID, frames.Now(), session.SystemCallEnd, map[string]string{
			frames.MetaStreamID:      streamID,
			frames.MetaCallEndReason: "shutdown",
		})
		cs.sess.Deliver(end)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		e.logger.Warn("drain_timeout", "active_calls", e.ActiveCalls())
		e.mu.Lock()
		for _, cs := range e.sessions {
			cs.cancel()
		}
		e.mu.Unlock()
	}
	return nil
}
