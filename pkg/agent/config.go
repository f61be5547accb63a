package agent

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/sanavoice/sana/pkg/transports/twilio"
)

type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	// TenantsFile points at the YAML file holding the per-practice persona
	// bundles. A "default" tenant entry is required.
	TenantsFile string `mapstructure:"tenants_file"`

	Vendors    VendorsConfig `mapstructure:"vendors"`
	Scheduling VendorConfig  `mapstructure:"scheduling"`
	Transport  twilio.Config `mapstructure:"transport"`
	Session    SessionConfig `mapstructure:"session"`
	VAD        VADConfig     `mapstructure:"vad"`
	Metrics    MetricsConfig `mapstructure:"metrics"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type SessionConfig struct {
	MaxToolRounds int `mapstructure:"max_tool_rounds"`
	LLMTimeoutMS  int `mapstructure:"llm_timeout_ms"`
	ToolTimeoutMS int `mapstructure:"tool_timeout_ms"`
}

type VADConfig struct {
	EnergyThreshold float64 `mapstructure:"energy_threshold"`
	OnsetFrames     int     `mapstructure:"onset_frames"`
	HangoverMS      int     `mapstructure:"hangover_ms"`
}

type MetricsConfig struct {
	Buffer int `mapstructure:"buffer"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("tenants_file", "tenants.yaml")
	v.SetDefault("scheduling.provider", "calendly")
	v.SetDefault("session.max_tool_rounds", 3)
	v.SetDefault("session.llm_timeout_ms", 15000)
	v.SetDefault("session.tool_timeout_ms", 8000)
	v.SetDefault("vad.energy_threshold", 900)
	v.SetDefault("vad.onset_frames", 3)
	v.SetDefault("vad.hangover_ms", 700)
	v.SetDefault("metrics.buffer", 2048)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if strings.TrimSpace(c.Scheduling.Provider) == "" {
		return fmt.Errorf("scheduling.provider is required")
	}
	if strings.TrimSpace(c.TenantsFile) == "" {
		return fmt.Errorf("tenants_file is required")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Scheduling.Settings = expandSettings(cfg.Scheduling.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
