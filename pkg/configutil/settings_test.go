package configutil

import "testing"

type vendorSettings struct {
	APIKey         string `mapstructure:"api_key"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Interim        *bool  `mapstructure:"interim"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	in := map[string]any{
		"apiKey":      "dg-secret",
		"Sample-Rate": "16000",
	}
	var s vendorSettings
	if err := DecodeSettings(in, &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.APIKey != "dg-secret" {
		t.Fatalf("api key = %q", s.APIKey)
	}
	if s.SampleRate != 16000 {
		t.Fatalf("weakly typed sample rate = %d", s.SampleRate)
	}
}

func TestDecodeSettingsEmptyInputIsNoop(t *testing.T) {
	s := vendorSettings{APIKey: "keep"}
	if err := DecodeSettings(nil, &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.APIKey != "keep" {
		t.Fatalf("empty input must leave the struct untouched")
	}
}

func TestOptionalValueFallbacks(t *testing.T) {
	var s vendorSettings
	if got := BoolValue(s.Interim, true); !got {
		t.Fatalf("unset bool must fall back to true")
	}
	if got := IntValue(s.UtteranceEndMS, 1000); got != 1000 {
		t.Fatalf("unset int fallback = %d", got)
	}
	on := false
	ms := 2500
	if got := BoolValue(&on, true); got {
		t.Fatalf("set bool must win over fallback")
	}
	if got := IntValue(&ms, 1000); got != 2500 {
		t.Fatalf("set int fallback = %d", got)
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("  ", "vendors.stt.settings.api_key"); err == nil {
		t.Fatalf("expected error for blank value")
	}
	if err := RequireString("ok", "vendors.stt.settings.api_key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
