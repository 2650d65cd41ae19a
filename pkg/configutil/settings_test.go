package configutil

import (
	"strings"
	"testing"
	"time"
)

func TestValidateSettingsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings(map[string]any{
		"api_key": "",
		"extra":   1,
	}, Schema{Required: []string{"api_key", "model"}, Optional: []string{"voice_id"}})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "api_key") || !strings.Contains(msg, "model") {
		t.Fatalf("expected missing keys reported, got %q", msg)
	}
	if !strings.Contains(msg, "extra") {
		t.Fatalf("expected unknown key reported, got %q", msg)
	}
}

func TestValidateSettingsKeyNormalization(t *testing.T) {
	err := ValidateSettings(map[string]any{
		"API-Key": "x",
	}, Schema{Required: []string{"api_key"}})
	if err != nil {
		t.Fatalf("expected normalized key match, got %v", err)
	}
}

func TestDecodeSettingsWeakTyping(t *testing.T) {
	var out struct {
		SampleRate int    `mapstructure:"sample_rate"`
		Model      string `mapstructure:"model"`
	}
	err := DecodeSettings(map[string]any{
		"sample-rate": "16000",
		"Model":       "nova-2",
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SampleRate != 16000 || out.Model != "nova-2" {
		t.Fatalf("unexpected decode result: %+v", out)
	}
}

func TestMillisValue(t *testing.T) {
	if got := MillisValue(0, time.Second); got != time.Second {
		t.Fatalf("expected fallback, got %s", got)
	}
	if got := MillisValue(250, time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", got)
	}
}
