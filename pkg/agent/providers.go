package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sanavoice/sana/pkg/adapters/stt"
	"github.com/sanavoice/sana/pkg/adapters/tts"
	"github.com/sanavoice/sana/pkg/configutil"
	"github.com/sanavoice/sana/pkg/llm"
	"github.com/sanavoice/sana/pkg/providers/deepgram"
	"github.com/sanavoice/sana/pkg/providers/elevenlabs"
	"github.com/sanavoice/sana/pkg/providers/mock"
	"github.com/sanavoice/sana/pkg/providers/openai"
	"github.com/sanavoice/sana/pkg/resilience"
	"github.com/sanavoice/sana/pkg/scheduling"
)

type STTFactory func(settings map[string]any, callSID, streamID string) (stt.StreamingSTT, error)

type TTSFactory func(settings map[string]any, callSID, streamID string) (tts.StreamingTTS, error)

type LLMFactory func(settings map[string]any) (llm.Adapter, error)

type SchedulerFactory func(settings map[string]any, logger *slog.Logger) (scheduling.Provider, error)

// ProviderRegistry maps vendor names from config to adapter constructors.
// Custom vendors can be registered before the engine starts.
type ProviderRegistry struct {
	mu         sync.RWMutex
	stt        map[string]STTFactory
	tts        map[string]TTSFactory
	llm        map[string]LLMFactory
	schedulers map[string]SchedulerFactory
}

func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{
		stt:        map[string]STTFactory{},
		tts:        map[string]TTSFactory{},
		llm:        map[string]LLMFactory{},
		schedulers: map[string]SchedulerFactory{},
	}
	r.RegisterSTT("deepgram", buildDeepgramSTT)
	r.RegisterSTT("mock", func(_ map[string]any, _, streamID string) (stt.StreamingSTT, error) {
		return mock.NewSTT(streamID), nil
	})
	r.RegisterTTS("elevenlabs", buildElevenLabsTTS)
	r.RegisterTTS("mock", func(_ map[string]any, _, streamID string) (tts.StreamingTTS, error) {
		return mock.NewTTS(streamID), nil
	})
	r.RegisterLLM("openai", buildOpenAILLM)
	r.RegisterLLM("mock", func(map[string]any) (llm.Adapter, error) {
		return mock.NewLLM(), nil
	})
	r.RegisterScheduler("calendly", buildCalendlyScheduler)
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, f STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = f
}

func (r *ProviderRegistry) RegisterTTS(name string, f TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = f
}

func (r *ProviderRegistry) RegisterLLM(name string, f LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = f
}

func (r *ProviderRegistry) RegisterScheduler(name string, f SchedulerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedulers[name] = f
}

func (r *ProviderRegistry) BuildSTT(name string, settings map[string]any, callSID, streamID string) (stt.StreamingSTT, error) {
	r.mu.RLock()
	f, ok := r.stt[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown stt provider %q", name)
	}
	return f(settings, callSID, streamID)
}

func (r *ProviderRegistry) BuildTTS(name string, settings map[string]any, callSID, streamID string) (tts.StreamingTTS, error) {
	r.mu.RLock()
	f, ok := r.tts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tts provider %q", name)
	}
	return f(settings, callSID, streamID)
}

func (r *ProviderRegistry) BuildLLM(name string, settings map[string]any) (llm.Adapter, error) {
	r.mu.RLock()
	f, ok := r.llm[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
	return f(settings)
}

func (r *ProviderRegistry) BuildScheduler(name string, settings map[string]any, logger *slog.Logger) (scheduling.Provider, error) {
	r.mu.RLock()
	f, ok := r.schedulers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown scheduling provider %q", name)
	}
	return f(settings, logger)
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

func buildDeepgramSTT(settings map[string]any, callSID, streamID string) (stt.StreamingSTT, error) {
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "vad_events", "utterance_end_ms"},
	}); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	var s deepgramSettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	return deepgram.New(deepgram.Config{
		APIKey:         s.APIKey,
		Model:          s.Model,
		Language:       s.Language,
		SampleRate:     s.SampleRate,
		Encoding:       s.Encoding,
		Interim:        s.Interim,
		VADEvents:      s.VADEvents,
		UtteranceEndMS: s.UtteranceEndMS,
		StreamID:       streamID,
		CallSID:        callSID,
	}), nil
}

type elevenLabsSettings struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	SampleRate   int    `mapstructure:"sample_rate"`
}

func buildElevenLabsTTS(settings map[string]any, callSID, streamID string) (tts.StreamingTTS, error) {
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "output_format", "sample_rate"},
	}); err != nil {
		return nil, fmt.Errorf("elevenlabs settings: %w", err)
	}
	var s elevenLabsSettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("elevenlabs settings: %w", err)
	}
	return elevenlabs.New(elevenlabs.Config{
		APIKey:       s.APIKey,
		VoiceID:      s.VoiceID,
		ModelID:      s.ModelID,
		OutputFormat: s.OutputFormat,
		SampleRate:   s.SampleRate,
		StreamID:     streamID,
		CallSID:      callSID,
	}), nil
}

type openAISettings struct {
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	BaseURL           string `mapstructure:"base_url"`
	UseCircuitBreaker *bool  `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms"`
}

func buildOpenAILLM(settings map[string]any) (llm.Adapter, error) {
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"},
	}); err != nil {
		return nil, fmt.Errorf("openai settings: %w", err)
	}
	var s openAISettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("openai settings: %w", err)
	}
	adapter := openai.NewAdapter(s.APIKey, s.Model)
	if s.BaseURL != "" {
		adapter.BaseURL = s.BaseURL
	}
	if !configutil.BoolValue(s.UseCircuitBreaker, true) {
		return adapter, nil
	}
	var breaker *resilience.CircuitBreaker
	if s.CircuitThreshold > 0 || s.CircuitCooldownMS > 0 {
		cooldown := time.Duration(s.CircuitCooldownMS) * time.Millisecond
		breaker = resilience.NewCircuitBreaker(s.CircuitThreshold, cooldown)
	}
	return llm.NewCircuitBreakerAdapter(adapter, breaker), nil
}

type calendlySettings struct {
	Token   string `mapstructure:"token"`
	BaseURL string `mapstructure:"base_url"`
}

func buildCalendlyScheduler(settings map[string]any, logger *slog.Logger) (scheduling.Provider, error) {
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"token"},
		Optional: []string{"base_url"},
	}); err != nil {
		return nil, fmt.Errorf("calendly settings: %w", err)
	}
	var s calendlySettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, fmt.Errorf("calendly settings: %w", err)
	}
	var opts []scheduling.CalendlyOption
	if s.BaseURL != "" {
		opts = append(opts, scheduling.WithCalendlyBaseURL(s.BaseURL))
	}
	return scheduling.NewCalendlyClient(s.Token, logger, opts...), nil
}
