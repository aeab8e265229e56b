package voxstream

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: wss://gateway.example.com/stt
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Gateway.MaxReconnectAttempts != 5 {
		t.Fatalf("max_reconnect_attempts = %d, want 5", cfg.Gateway.MaxReconnectAttempts)
	}
	if cfg.Gateway.BackoffBaseMS != 1000 || cfg.Gateway.BackoffCapMS != 30000 {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Gateway)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.FlushIntervalMS != 5000 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Streaming.Encoding != "LINEAR16" || !cfg.Streaming.InterimResults {
		t.Fatalf("unexpected streaming defaults: %+v", cfg.Streaming)
	}
	if cfg.Vendors.STT.Provider != "gateway" {
		t.Fatalf("provider = %q, want gateway", cfg.Vendors.STT.Provider)
	}
	// Auto-reconnect defaults on, so the orchestrator must not also manage
	// recovery.
	if cfg.Streaming.ManagedRecovery {
		t.Fatalf("managed recovery must be off when the client auto-reconnects")
	}
}

func TestLoadConfigManagedRecoveryVariant(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: wss://gateway.example.com/stt
  auto_reconnect: false
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Streaming.ManagedRecovery {
		t.Fatalf("disabling auto_reconnect must enable managed recovery")
	}
}

func TestLoadConfigTokenEnvFallback(t *testing.T) {
	t.Setenv("VOXSTREAM_TOKEN", "env-token")
	path := writeConfig(t, `
gateway:
  url: wss://gateway.example.com/stt
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Gateway.Token != "env-token" {
		t.Fatalf("token = %q, want env fallback", cfg.Gateway.Token)
	}
}

func TestLoadConfigExpandsVendorSettings(t *testing.T) {
	t.Setenv("DG_KEY", "secret-key")
	path := writeConfig(t, `
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${DG_KEY}
      model: nova-2
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Vendors.STT.Settings["api_key"] != "secret-key" {
		t.Fatalf("api_key = %v, want expanded env value", cfg.Vendors.STT.Settings["api_key"])
	}
}

func TestLoadConfigRejectsGatewayWithoutURL(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for missing gateway url")
	}
}
