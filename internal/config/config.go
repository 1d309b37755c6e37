package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice assistant service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	AllowAnyOrigin bool

	AssistantMode string
	SettingsPath  string
	RecordingsDir string

	AudioDevice          string
	AudioSampleRate      int
	AudioFrameBytes      int
	AudioPreSpeechFrames int

	OpenAIAPIKey            string
	OpenAIBaseURL           string
	OpenAIChatModel         string
	OpenAISTTModel          string
	OpenAIStreamCompletions bool

	RealtimeURL               string
	RealtimeServerVAD         bool
	RealtimeAzure             bool
	RealtimeInPlaceUpdate     bool
	RealtimeMultiToolCalls    bool
	RealtimeConnectTimeout    time.Duration
	RealtimeReconcileInterval time.Duration

	DatabaseURL   string
	ChatRedactPII bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voxline"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		AllowAnyOrigin:   false,
		AssistantMode:    strings.ToLower(envOrDefault("ASSISTANT_MODE", "auto")),
		SettingsPath:     envOrDefault("SETTINGS_PATH", "voxline.yaml"),
		RecordingsDir:    stringsTrimSpace("RECORDINGS_DIR"),
		AudioDevice:      strings.ToLower(envOrDefault("AUDIO_DEVICE", "auto")),
		// Native capture rate; 16 kHz listeners get a resampled copy.
		AudioSampleRate:         24000,
		AudioFrameBytes:         1532,
		AudioPreSpeechFrames:    25,
		OpenAIAPIKey:            stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:           envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIChatModel:         envOrDefault("OPENAI_CHAT_MODEL", "gpt-4o"),
		OpenAISTTModel:          envOrDefault("OPENAI_STT_MODEL", "whisper-1"),
		OpenAIStreamCompletions: true,
		RealtimeURL: envOrDefault("REALTIME_URL",
			"wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"),
		RealtimeInPlaceUpdate:     true,
		RealtimeConnectTimeout:    10 * time.Second,
		RealtimeReconcileInterval: 500 * time.Millisecond,
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		ChatRedactPII:             true,
		ShutdownTimeout:           15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.AudioSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioFrameBytes, err = intFromEnv("AUDIO_FRAME_BYTES", cfg.AudioFrameBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioPreSpeechFrames, err = intFromEnv("AUDIO_PRE_SPEECH_FRAMES", cfg.AudioPreSpeechFrames)
	if err != nil {
		return Config{}, err
	}

	cfg.OpenAIStreamCompletions, err = boolFromEnv("OPENAI_STREAM_COMPLETIONS", cfg.OpenAIStreamCompletions)
	if err != nil {
		return Config{}, err
	}

	cfg.ChatRedactPII, err = boolFromEnv("CHAT_REDACT_PII", cfg.ChatRedactPII)
	if err != nil {
		return Config{}, err
	}

	cfg.RealtimeServerVAD, err = boolFromEnv("REALTIME_SERVER_VAD", cfg.RealtimeServerVAD)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeAzure, err = boolFromEnv("REALTIME_AZURE", cfg.RealtimeAzure)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeInPlaceUpdate, err = boolFromEnv("REALTIME_IN_PLACE_UPDATE", cfg.RealtimeInPlaceUpdate)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeMultiToolCalls, err = boolFromEnv("REALTIME_MULTI_TOOL_CALLS", cfg.RealtimeMultiToolCalls)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeConnectTimeout, err = durationFromEnv("REALTIME_CONNECT_TIMEOUT", cfg.RealtimeConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeReconcileInterval, err = durationFromEnv("REALTIME_RECONCILE_INTERVAL", cfg.RealtimeReconcileInterval)
	if err != nil {
		return Config{}, err
	}

	switch cfg.AssistantMode {
	case "auto", "realtime", "completion":
	default:
		return Config{}, fmt.Errorf("ASSISTANT_MODE must be one of auto|realtime|completion, got %q", cfg.AssistantMode)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug|info|warn|error, got %q", cfg.LogLevel)
	}
	switch cfg.AudioDevice {
	case "auto", "miniaudio", "none":
	default:
		return Config{}, fmt.Errorf("AUDIO_DEVICE must be one of auto|miniaudio|none, got %q", cfg.AudioDevice)
	}
	if cfg.AudioSampleRate != 16000 && cfg.AudioSampleRate != 24000 {
		return Config{}, fmt.Errorf("AUDIO_SAMPLE_RATE must be 16000 or 24000")
	}
	if cfg.AudioFrameBytes <= 0 || cfg.AudioFrameBytes%2 != 0 {
		return Config{}, fmt.Errorf("AUDIO_FRAME_BYTES must be a positive even number")
	}
	if cfg.AudioPreSpeechFrames <= 0 {
		return Config{}, fmt.Errorf("AUDIO_PRE_SPEECH_FRAMES must be positive")
	}
	if cfg.RealtimeConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("REALTIME_CONNECT_TIMEOUT must be positive")
	}
	// The provider session must not be reconfigured more than twice a second.
	if cfg.RealtimeReconcileInterval < 500*time.Millisecond {
		return Config{}, fmt.Errorf("REALTIME_RECONCILE_INTERVAL must be at least 500ms")
	}

	return cfg, nil
}

// RealtimeEnabled reports whether the realtime session should drive turns.
func (c Config) RealtimeEnabled() bool {
	switch c.AssistantMode {
	case "realtime":
		return true
	case "completion":
		return false
	default:
		return c.OpenAIAPIKey != "" && c.RealtimeURL != ""
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
