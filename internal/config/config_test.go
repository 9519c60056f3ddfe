package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var testEnvVars = []string{
	"SERVICE_PRINCIPAL", "LISTEN_ADDR", "MAX_SESSIONS", "OVERFLOW_POLICY", "QUEUE_WAIT_MS",
	"ENGINE_PROVIDER", "ENGINE_MODEL", "ENGINE_DEVICE", "ENGINE_LANGUAGE",
	"ENGINE_BEAM_SIZE", "ENGINE_QUEUE_DEPTH", "ENGINE_WORKERS", "ENGINE_DECODE_TIMEOUT_SEC",
	"SESSION_WINDOW_MS", "SESSION_MAX_AUDIO_BYTES", "SESSION_MAX_DURATION_SEC", "SESSION_RETRY_DECODE",
	"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_TOPIC_PARTIAL", "KAFKA_TOPIC_FINAL", "KAFKA_PRINCIPAL",
	"LOG_LEVEL", "LOG_FORMAT", "HTTP_PORT", "HTTP_ENABLED",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range testEnvVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Service.Principal != "svc-stt-bridge" {
		t.Errorf("expected default principal 'svc-stt-bridge', got %s", cfg.Service.Principal)
	}
	if cfg.Service.ListenAddr != "0.0.0.0:10300" {
		t.Errorf("expected default listen addr '0.0.0.0:10300', got %s", cfg.Service.ListenAddr)
	}
	if cfg.Service.MaxSessions != 10 {
		t.Errorf("expected default max sessions 10, got %d", cfg.Service.MaxSessions)
	}
	if cfg.Service.Overflow != "reject" {
		t.Errorf("expected default overflow 'reject', got %s", cfg.Service.Overflow)
	}

	if cfg.Engine.Provider != "mock" {
		t.Errorf("expected default provider 'mock', got %s", cfg.Engine.Provider)
	}
	if cfg.Engine.Device != "cpu" {
		t.Errorf("expected default device 'cpu', got %s", cfg.Engine.Device)
	}
	if cfg.Engine.BeamSize != 5 {
		t.Errorf("expected default beam size 5, got %d", cfg.Engine.BeamSize)
	}
	if cfg.Engine.GetDecodeTimeout() != 30*time.Second {
		t.Errorf("expected default decode timeout 30s, got %v", cfg.Engine.GetDecodeTimeout())
	}

	if cfg.Session.GetWindow() != 100*time.Millisecond {
		t.Errorf("expected default window 100ms, got %v", cfg.Session.GetWindow())
	}
	if cfg.Session.MaxAudioBytes != 10*1024*1024 {
		t.Errorf("expected default max audio bytes 10MB, got %d", cfg.Session.MaxAudioBytes)
	}
	if cfg.Session.GetMaxDuration() != 5*time.Minute {
		t.Errorf("expected default max duration 5m, got %v", cfg.Session.GetMaxDuration())
	}
	if !cfg.Session.RetryDecode {
		t.Error("expected retry decode enabled by default")
	}

	if cfg.Kafka.Enabled {
		t.Error("expected Kafka disabled by default")
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	os.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	os.Setenv("LISTEN_ADDR", "127.0.0.1:7777")
	os.Setenv("MAX_SESSIONS", "25")
	os.Setenv("OVERFLOW_POLICY", "queue")
	os.Setenv("ENGINE_PROVIDER", "whispercpp")
	os.Setenv("ENGINE_MODEL", "medium")
	os.Setenv("ENGINE_DEVICE", "cuda")
	os.Setenv("ENGINE_LANGUAGE", "de")
	os.Setenv("SESSION_WINDOW_MS", "250")
	os.Setenv("SESSION_RETRY_DECODE", "false")
	os.Setenv("KAFKA_ENABLED", "true")
	os.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	os.Setenv("LOG_LEVEL", "debug")
	defer clearEnv(t)

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.ListenAddr != "127.0.0.1:7777" {
		t.Errorf("expected listen addr '127.0.0.1:7777', got %s", cfg.Service.ListenAddr)
	}
	if cfg.Service.MaxSessions != 25 {
		t.Errorf("expected max sessions 25, got %d", cfg.Service.MaxSessions)
	}
	if cfg.Service.Overflow != "queue" {
		t.Errorf("expected overflow 'queue', got %s", cfg.Service.Overflow)
	}
	if cfg.Engine.Provider != "whispercpp" {
		t.Errorf("expected provider 'whispercpp', got %s", cfg.Engine.Provider)
	}
	if cfg.Engine.Model != "medium" {
		t.Errorf("expected model 'medium', got %s", cfg.Engine.Model)
	}
	if cfg.Engine.Device != "cuda" {
		t.Errorf("expected device 'cuda', got %s", cfg.Engine.Device)
	}
	if cfg.Engine.Language != "de" {
		t.Errorf("expected language 'de', got %s", cfg.Engine.Language)
	}
	if cfg.Session.GetWindow() != 250*time.Millisecond {
		t.Errorf("expected window 250ms, got %v", cfg.Session.GetWindow())
	}
	if cfg.Session.RetryDecode {
		t.Error("expected retry decode disabled")
	}
	if !cfg.Kafka.Enabled {
		t.Error("expected Kafka enabled")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[0] != "k1:9092" || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("expected brokers [k1:9092 k2:9092], got %v", cfg.Kafka.Brokers)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("MAX_SESSIONS", "not-a-number")
	os.Setenv("SESSION_WINDOW_MS", "invalid")
	os.Setenv("SESSION_MAX_AUDIO_BYTES", "invalid")
	os.Setenv("SESSION_RETRY_DECODE", "invalid")
	defer clearEnv(t)

	cfg := Load()

	if cfg.Service.MaxSessions != 10 {
		t.Errorf("expected default max sessions on invalid input, got %d", cfg.Service.MaxSessions)
	}
	if cfg.Session.WindowMs != 100 {
		t.Errorf("expected default window on invalid input, got %d", cfg.Session.WindowMs)
	}
	if cfg.Session.MaxAudioBytes != 10*1024*1024 {
		t.Errorf("expected default max audio bytes on invalid input, got %d", cfg.Session.MaxAudioBytes)
	}
	if !cfg.Session.RetryDecode {
		t.Error("expected default retry decode on invalid input")
	}
}

func TestLoad_KafkaPrincipal_FallsBackToServicePrincipal(t *testing.T) {
	clearEnv(t)
	os.Setenv("SERVICE_PRINCIPAL", "my-service")
	defer clearEnv(t)

	cfg := Load()

	if cfg.Kafka.Principal != "my-service" {
		t.Errorf("expected Kafka principal to fall back to service principal, got %s", cfg.Kafka.Principal)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	content := `
service:
  listen_addr: "127.0.0.1:10301"
  max_sessions: 4
engine:
  provider: whispercpp
  model: base
session:
  window_ms: 500
kafka:
  enabled: true
  brokers: ["localhost:9092"]
observability:
  log_level: warn
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Service.ListenAddr != "127.0.0.1:10301" {
		t.Errorf("expected listen addr from file, got %s", cfg.Service.ListenAddr)
	}
	if cfg.Service.MaxSessions != 4 {
		t.Errorf("expected max sessions 4, got %d", cfg.Service.MaxSessions)
	}
	if cfg.Engine.Provider != "whispercpp" {
		t.Errorf("expected provider 'whispercpp', got %s", cfg.Engine.Provider)
	}
	if cfg.Session.WindowMs != 500 {
		t.Errorf("expected window 500ms, got %d", cfg.Session.WindowMs)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 1 {
		t.Errorf("expected Kafka enabled with one broker, got %+v", cfg.Kafka)
	}
	if cfg.Observability.LogLevel != "warn" {
		t.Errorf("expected log level 'warn', got %s", cfg.Observability.LogLevel)
	}
	// Untouched sections keep their defaults.
	if cfg.Engine.BeamSize != 5 {
		t.Errorf("expected default beam size, got %d", cfg.Engine.BeamSize)
	}
}

func TestLoadFile_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	os.Setenv("MAX_SESSIONS", "99")
	defer clearEnv(t)

	content := "service:\n  max_sessions: 4\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Service.MaxSessions != 99 {
		t.Errorf("expected env to override file, got %d", cfg.Service.MaxSessions)
	}
}

func TestLoadFile_NotFound(t *testing.T) {
	if _, err := LoadFile("nonexistent.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"zero sessions", func(c *Config) { c.Service.MaxSessions = 0 }, true},
		{"bad overflow", func(c *Config) { c.Service.Overflow = "drop" }, true},
		{"queue without wait", func(c *Config) { c.Service.Overflow = "queue"; c.Service.QueueWaitMs = 0 }, true},
		{"bad provider", func(c *Config) { c.Engine.Provider = "vosk" }, true},
		{"bad device", func(c *Config) { c.Engine.Device = "tpu" }, true},
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }, true},
		{"tiny window", func(c *Config) { c.Session.WindowMs = 5 }, true},
		{"kafka enabled without brokers", func(c *Config) { c.Kafka.Enabled = true }, true},
		{"bad log level", func(c *Config) { c.Observability.LogLevel = "trace" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "TEST_BOOL_VAR"
			if tt.envValue != "" {
				os.Setenv(key, tt.envValue)
			} else {
				os.Unsetenv(key)
			}
			defer os.Unsetenv(key)

			got := envOrDefaultBool(key, tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}
