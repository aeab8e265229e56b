package voxstream

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/voxstream/voxstream/pkg/capture"
	"github.com/voxstream/voxstream/pkg/orchestrator"
	"github.com/voxstream/voxstream/pkg/session"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Gateway       session.Config      `mapstructure:"gateway"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Streaming     orchestrator.Config `mapstructure:"streaming"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type AudioConfig struct {
	SampleRate      int    `mapstructure:"sample_rate"`
	Channels        int    `mapstructure:"channels"`
	Device          string `mapstructure:"device"`
	InputFormat     string `mapstructure:"input_format"`
	FFmpegPath      string `mapstructure:"ffmpeg_path"`
	ChunkMS         int    `mapstructure:"chunk_ms"`
	FlushIntervalMS int    `mapstructure:"flush_interval_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
}

type ObservabilityConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("gateway.auth_mode", "header")
	v.SetDefault("gateway.auto_reconnect", true)
	v.SetDefault("gateway.max_reconnect_attempts", 5)
	v.SetDefault("gateway.backoff_base_ms", 1000)
	v.SetDefault("gateway.backoff_cap_ms", 30000)
	v.SetDefault("gateway.pending_capacity", 50)
	v.SetDefault("gateway.heartbeat_interval_ms", 0)
	v.SetDefault("gateway.drain_delay_ms", 10)

	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.device", "default")
	v.SetDefault("audio.input_format", "pulse")
	v.SetDefault("audio.chunk_ms", 100)
	v.SetDefault("audio.flush_interval_ms", 5000)

	v.SetDefault("streaming.language", "en-US")
	v.SetDefault("streaming.sample_rate", 16000)
	v.SetDefault("streaming.encoding", "LINEAR16")
	v.SetDefault("streaming.enable_automatic_punctuation", true)
	v.SetDefault("streaming.interim_results", true)
	v.SetDefault("streaming.recovery_attempts", 5)
	v.SetDefault("streaming.recovery_base_ms", 1000)
	v.SetDefault("streaming.recovery_cap_ms", 30000)
	v.SetDefault("streaming.resend_delay_ms", 1000)

	v.SetDefault("vendors.stt.provider", "gateway")
	v.SetDefault("observability.metrics_path", "")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	// The managed-recovery variant is implied by the client variant: when
	// the client does not reconnect on its own, the orchestrator must.
	cfg.Streaming.ManagedRecovery = !cfg.Gateway.AutoReconnect

	if cfg.Gateway.Token == "" {
		cfg.Gateway.Token = os.Getenv("VOXSTREAM_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	provider := strings.TrimSpace(c.Vendors.STT.Provider)
	if provider == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if provider == "gateway" && strings.TrimSpace(c.Gateway.URL) == "" {
		return fmt.Errorf("gateway.url is required for the gateway provider")
	}
	return nil
}

// CaptureConfig builds the pump configuration for a session.
func (c Config) CaptureConfig(sessionID string) capture.Config {
	return capture.Config{
		Constraints: capture.Constraints{
			SampleRate: c.Audio.SampleRate,
			Channels:   c.Audio.Channels,
			DeviceName: c.Audio.Device,
		},
		SessionID:       sessionID,
		ChunkMS:         c.Audio.ChunkMS,
		FlushIntervalMS: c.Audio.FlushIntervalMS,
	}
}

func expandEnvStrings(cfg *Config) {
	cfg.Gateway.URL = os.ExpandEnv(cfg.Gateway.URL)
	cfg.Gateway.Token = os.ExpandEnv(cfg.Gateway.Token)
	cfg.Audio.Device = os.ExpandEnv(cfg.Audio.Device)
	cfg.Observability.MetricsPath = os.ExpandEnv(cfg.Observability.MetricsPath)
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, val := range settings {
		settings[k] = expandAny(val)
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
		for k, inner := range val {
			val[k] = expandAny(inner)
		}
		return val
	default:
		return v
	}
}
