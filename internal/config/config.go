// Package config loads service configuration from environment variables,
// optionally layered on top of a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Engine        EngineConfig        `yaml:"engine"`
	Session       SessionConfig       `yaml:"session"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig contains the TCP listener and admission settings.
type ServiceConfig struct {
	Principal   string `yaml:"principal"`
	ListenAddr  string `yaml:"listen_addr"`
	MaxSessions int    `yaml:"max_sessions"`
	Overflow    string `yaml:"overflow"`      // reject, queue
	QueueWaitMs int    `yaml:"queue_wait_ms"` // only with overflow=queue
}

// EngineConfig selects and tunes the transcription backend.
type EngineConfig struct {
	Provider         string `yaml:"provider"` // mock, whispercpp, google
	Model            string `yaml:"model"`
	ModelDir         string `yaml:"model_dir"`
	DataDir          string `yaml:"data_dir"`
	Device           string `yaml:"device"`       // cpu, cuda
	ComputeType      string `yaml:"compute_type"` // default, int8, float16
	Language         string `yaml:"language"`
	BeamSize         int    `yaml:"beam_size"`
	InitialPrompt    string `yaml:"initial_prompt"`
	Threads          int    `yaml:"threads"` // 0 = auto
	QueueDepth       int    `yaml:"queue_depth"`
	Workers          int    `yaml:"workers"`
	DecodeTimeoutSec int    `yaml:"decode_timeout_sec"`
}

// SessionConfig bounds one transcription pass.
type SessionConfig struct {
	WindowMs       int   `yaml:"window_ms"`
	MaxAudioBytes  int64 `yaml:"max_audio_bytes"`
	MaxDurationSec int   `yaml:"max_duration_sec"`
	RetryDecode    bool  `yaml:"retry_decode"`
}

// KafkaConfig contains transcript fan-out configuration.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPartial string   `yaml:"topic_partial"`
	TopicFinal   string   `yaml:"topic_final"`
	Principal    string   `yaml:"principal"`
}

// ObservabilityConfig contains logging and HTTP endpoint configuration.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json, console
	HTTPPort    string `yaml:"http_port"`
	HTTPEnabled bool   `yaml:"http_enabled"`
}

func defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Principal:   "svc-stt-bridge",
			ListenAddr:  "0.0.0.0:10300",
			MaxSessions: 10,
			Overflow:    "reject",
			QueueWaitMs: 5000,
		},
		Engine: EngineConfig{
			Provider:         "mock",
			Model:            "small",
			Device:           "cpu",
			ComputeType:      "default",
			BeamSize:         5,
			Threads:          0,
			QueueDepth:       8,
			Workers:          1,
			DecodeTimeoutSec: 30,
		},
		Session: SessionConfig{
			WindowMs:       100,
			MaxAudioBytes:  10 * 1024 * 1024,
			MaxDurationSec: 300,
			RetryDecode:    true,
		},
		Kafka: KafkaConfig{
			Enabled:      false,
			TopicPartial: "stt.transcript.partial",
			TopicFinal:   "stt.transcript.final",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			HTTPPort:    "9090",
			HTTPEnabled: true,
		},
	}
}

// Load builds configuration from defaults overridden by environment
// variables.
func Load() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// LoadFile layers a YAML file over the defaults, then applies environment
// overrides and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Service.Principal = envOrDefault("SERVICE_PRINCIPAL", cfg.Service.Principal)
	cfg.Service.ListenAddr = envOrDefault("LISTEN_ADDR", cfg.Service.ListenAddr)
	cfg.Service.MaxSessions = envOrDefaultInt("MAX_SESSIONS", cfg.Service.MaxSessions)
	cfg.Service.Overflow = envOrDefault("OVERFLOW_POLICY", cfg.Service.Overflow)
	cfg.Service.QueueWaitMs = envOrDefaultInt("QUEUE_WAIT_MS", cfg.Service.QueueWaitMs)

	cfg.Engine.Provider = envOrDefault("ENGINE_PROVIDER", cfg.Engine.Provider)
	cfg.Engine.Model = envOrDefault("ENGINE_MODEL", cfg.Engine.Model)
	cfg.Engine.ModelDir = envOrDefault("ENGINE_MODEL_DIR", cfg.Engine.ModelDir)
	cfg.Engine.DataDir = envOrDefault("ENGINE_DATA_DIR", cfg.Engine.DataDir)
	cfg.Engine.Device = envOrDefault("ENGINE_DEVICE", cfg.Engine.Device)
	cfg.Engine.ComputeType = envOrDefault("ENGINE_COMPUTE_TYPE", cfg.Engine.ComputeType)
	cfg.Engine.Language = envOrDefault("ENGINE_LANGUAGE", cfg.Engine.Language)
	cfg.Engine.BeamSize = envOrDefaultInt("ENGINE_BEAM_SIZE", cfg.Engine.BeamSize)
	cfg.Engine.InitialPrompt = envOrDefault("ENGINE_INITIAL_PROMPT", cfg.Engine.InitialPrompt)
	cfg.Engine.Threads = envOrDefaultInt("ENGINE_THREADS", cfg.Engine.Threads)
	cfg.Engine.QueueDepth = envOrDefaultInt("ENGINE_QUEUE_DEPTH", cfg.Engine.QueueDepth)
	cfg.Engine.Workers = envOrDefaultInt("ENGINE_WORKERS", cfg.Engine.Workers)
	cfg.Engine.DecodeTimeoutSec = envOrDefaultInt("ENGINE_DECODE_TIMEOUT_SEC", cfg.Engine.DecodeTimeoutSec)

	cfg.Session.WindowMs = envOrDefaultInt("SESSION_WINDOW_MS", cfg.Session.WindowMs)
	cfg.Session.MaxAudioBytes = envOrDefaultInt64("SESSION_MAX_AUDIO_BYTES", cfg.Session.MaxAudioBytes)
	cfg.Session.MaxDurationSec = envOrDefaultInt("SESSION_MAX_DURATION_SEC", cfg.Session.MaxDurationSec)
	cfg.Session.RetryDecode = envOrDefaultBool("SESSION_RETRY_DECODE", cfg.Session.RetryDecode)

	cfg.Kafka.Enabled = envOrDefaultBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = envOrDefaultList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.TopicPartial = envOrDefault("KAFKA_TOPIC_PARTIAL", cfg.Kafka.TopicPartial)
	cfg.Kafka.TopicFinal = envOrDefault("KAFKA_TOPIC_FINAL", cfg.Kafka.TopicFinal)
	cfg.Kafka.Principal = envOrDefault("KAFKA_PRINCIPAL", cfg.Kafka.Principal)
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = cfg.Service.Principal
	}

	cfg.Observability.LogLevel = envOrDefault("LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.LogFormat = envOrDefault("LOG_FORMAT", cfg.Observability.LogFormat)
	cfg.Observability.HTTPPort = envOrDefault("HTTP_PORT", cfg.Observability.HTTPPort)
	cfg.Observability.HTTPEnabled = envOrDefaultBool("HTTP_ENABLED", cfg.Observability.HTTPEnabled)
}

// Validate performs validation of the configuration.
func (c *Config) Validate() error {
	if err := c.Service.Validate(); err != nil {
		return fmt.Errorf("service config: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("kafka config: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability config: %w", err)
	}
	return nil
}

// Validate validates service configuration.
func (s *ServiceConfig) Validate() error {
	if s.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}
	if s.Overflow != "reject" && s.Overflow != "queue" {
		return fmt.Errorf("overflow must be 'reject' or 'queue', got '%s'", s.Overflow)
	}
	if s.Overflow == "queue" && s.QueueWaitMs < 1 {
		return fmt.Errorf("queue_wait_ms must be positive with overflow=queue, got %d", s.QueueWaitMs)
	}
	return nil
}

// Validate validates engine configuration.
func (e *EngineConfig) Validate() error {
	validProviders := map[string]bool{"mock": true, "whispercpp": true, "google": true}
	if !validProviders[e.Provider] {
		return fmt.Errorf("provider must be one of [mock, whispercpp, google], got '%s'", e.Provider)
	}
	if e.Device != "cpu" && e.Device != "cuda" {
		return fmt.Errorf("device must be 'cpu' or 'cuda', got '%s'", e.Device)
	}
	if e.BeamSize < 1 {
		return fmt.Errorf("beam_size must be at least 1, got %d", e.BeamSize)
	}
	if e.Threads < 0 {
		return fmt.Errorf("threads cannot be negative, got %d", e.Threads)
	}
	if e.QueueDepth < 1 {
		return fmt.Errorf("queue_depth must be at least 1, got %d", e.QueueDepth)
	}
	if e.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", e.Workers)
	}
	if e.DecodeTimeoutSec < 1 {
		return fmt.Errorf("decode_timeout_sec must be at least 1, got %d", e.DecodeTimeoutSec)
	}
	return nil
}

// Validate validates session configuration.
func (s *SessionConfig) Validate() error {
	if s.WindowMs < 10 {
		return fmt.Errorf("window_ms must be at least 10, got %d", s.WindowMs)
	}
	if s.MaxAudioBytes < 1 {
		return fmt.Errorf("max_audio_bytes must be positive, got %d", s.MaxAudioBytes)
	}
	if s.MaxDurationSec < 1 {
		return fmt.Errorf("max_duration_sec must be at least 1, got %d", s.MaxDurationSec)
	}
	return nil
}

// Validate validates Kafka configuration.
func (k *KafkaConfig) Validate() error {
	if !k.Enabled {
		return nil
	}
	if len(k.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty when Kafka is enabled")
	}
	if k.TopicPartial == "" || k.TopicFinal == "" {
		return fmt.Errorf("topic_partial and topic_final cannot be empty when Kafka is enabled")
	}
	return nil
}

// Validate validates observability configuration.
func (o *ObservabilityConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[o.LogLevel] {
		return fmt.Errorf("log_level must be one of [debug, info, warn, error], got '%s'", o.LogLevel)
	}
	if o.LogFormat != "json" && o.LogFormat != "console" {
		return fmt.Errorf("log_format must be 'json' or 'console', got '%s'", o.LogFormat)
	}
	if o.HTTPEnabled && o.HTTPPort == "" {
		return fmt.Errorf("http_port cannot be empty when HTTP is enabled")
	}
	return nil
}

// GetQueueWait returns the admission queue wait as a time.Duration.
func (s *ServiceConfig) GetQueueWait() time.Duration {
	return time.Duration(s.QueueWaitMs) * time.Millisecond
}

// GetWindow returns the decode window as a time.Duration.
func (s *SessionConfig) GetWindow() time.Duration {
	return time.Duration(s.WindowMs) * time.Millisecond
}

// GetMaxDuration returns the pass duration limit as a time.Duration.
func (s *SessionConfig) GetMaxDuration() time.Duration {
	return time.Duration(s.MaxDurationSec) * time.Second
}

// GetDecodeTimeout returns the per-window decode timeout as a time.Duration.
func (e *EngineConfig) GetDecodeTimeout() time.Duration {
	return time.Duration(e.DecodeTimeoutSec) * time.Second
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
