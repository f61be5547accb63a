package configutil

import (
	"strings"
	"testing"
)

func TestValidateSettingsKeyMatchingIsRelaxed(t *testing.T) {
	schema := Schema{Required: []string{"api_key"}, Optional: []string{"sample_rate"}}
	input := map[string]any{
		"API-Key":    "secret",
		"sampleRate": 8000,
	}
	if err := ValidateSettings(input, schema); err != nil {
		t.Fatalf("relaxed key forms must validate: %v", err)
	}
}

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	schema := Schema{Required: []string{"api_key", "voice_id"}, Optional: []string{"model_id"}}
	err := ValidateSettings(map[string]any{
		"voice_id": "  ",
		"bogus":    true,
	}, schema)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"api_key", "voice_id", "bogus"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func TestValidateSettingsAllowUnknown(t *testing.T) {
	schema := Schema{Required: []string{"token"}, AllowUnknown: true}
	if err := ValidateSettings(map[string]any{"token": "t", "extra": 1}, schema); err != nil {
		t.Fatalf("unknown keys must pass when allowed: %v", err)
	}
}

func TestDecodeSettingsWeakTyping(t *testing.T) {
	var out struct {
		APIKey     string `mapstructure:"api_key"`
		SampleRate int    `mapstructure:"sample_rate"`
		Interim    bool   `mapstructure:"interim"`
	}
	input := map[string]any{
		"api-key":     "secret",
		"sample_rate": "8000",
		"Interim":     "true",
	}
	if err := DecodeSettings(input, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "secret" || out.SampleRate != 8000 || !out.Interim {
		t.Fatalf("unexpected decode result %+v", out)
	}
}

func TestOptionalValueFallbacks(t *testing.T) {
	if BoolValue(nil, true) != true {
		t.Fatal("nil bool must fall back")
	}
	f := false
	if BoolValue(&f, true) != false {
		t.Fatal("set bool must win over fallback")
	}
	if IntValue(nil, 7) != 7 {
		t.Fatal("nil int must fall back")
	}
	n := 3
	if IntValue(&n, 7) != 3 {
		t.Fatal("set int must win over fallback")
	}
	if err := RequireString(" ", "vendors.llm.settings.api_key"); err == nil {
		t.Fatal("blank required string must fail")
	}
}
