package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// SyncConfig tunes the transcript tailer and change notifier.
type SyncConfig struct {
	// PollIntervalSeconds is the backup polling cadence for transcript
	// changes. The poll timer runs even while the push watcher is attached.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// DebounceMillis is the quiescent window that coalesces rapid
	// successive transcript writes into a single sync cycle.
	DebounceMillis int `yaml:"debounce_millis"`

	// TailLines bounds how many trailing transcript lines a sync reads.
	TailLines int `yaml:"tail_lines"`

	// DedupCacheSize caps the broadcast fingerprint cache. Oldest entries
	// are evicted first once the cap is exceeded.
	DedupCacheSize int `yaml:"dedup_cache_size"`
}

// QueueConfig tunes the outbound delivery retry queue.
type QueueConfig struct {
	Capacity             int `yaml:"capacity"`
	DrainIntervalSeconds int `yaml:"drain_interval_seconds"`
}

// SessionConfig tunes the session registry and connection liveness checks.
type SessionConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	IdleMaxAgeMinutes        int `yaml:"idle_max_age_minutes"`
	ReapIntervalMinutes      int `yaml:"reap_interval_minutes"`
}

// AgentConfig points at the external agent executor.
type AgentConfig struct {
	BaseURL               string `yaml:"base_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// SpeechConfig points at the external speech (transcription) service.
type SpeechConfig struct {
	BaseURL               string `yaml:"base_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// TranscriptPath is the shared append-only JSONL conversation log.
	// It is also written to by the external WhatsApp bridge.
	TranscriptPath string `yaml:"transcript_path"`

	// OriginTag marks transcript entries authored by this relay so the
	// tailer never echoes them back to the surface that produced them.
	OriginTag string `yaml:"origin_tag"`

	Sync      SyncConfig      `yaml:"sync"`
	Queue     QueueConfig     `yaml:"queue"`
	Session   SessionConfig   `yaml:"session"`
	Agent     AgentConfig     `yaml:"agent"`
	Speech    SpeechConfig    `yaml:"speech"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Load reads config.yaml from the relay home directory, applies environment
// overrides, and fills in defaults. A missing config file is not an error:
// every tunable has a safe default so the relay runs unconfigured.
func Load() (*Config, error) {
	homeDir := os.Getenv("VOXRELAY_HOME")
	if homeDir == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		homeDir = filepath.Join(userHome, ".voxrelay")
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg := &Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Run on defaults.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VOXRELAY_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("VOXRELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VOXRELAY_TRANSCRIPT"); v != "" {
		cfg.TranscriptPath = v
	}
	if v := os.Getenv("VOXRELAY_AGENT_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}
	if v := os.Getenv("VOXRELAY_SPEECH_URL"); v != "" {
		cfg.Speech.BaseURL = v
	}
	if v := os.Getenv("VOXRELAY_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Capacity = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TranscriptPath == "" {
		cfg.TranscriptPath = filepath.Join(cfg.HomeDir, "transcript.jsonl")
	}
	if cfg.OriginTag == "" {
		cfg.OriginTag = "web"
	}
	if cfg.Sync.PollIntervalSeconds <= 0 {
		cfg.Sync.PollIntervalSeconds = 5
	}
	if cfg.Sync.DebounceMillis <= 0 {
		cfg.Sync.DebounceMillis = 400
	}
	if cfg.Sync.TailLines <= 0 {
		cfg.Sync.TailLines = 200
	}
	if cfg.Sync.DedupCacheSize <= 0 {
		cfg.Sync.DedupCacheSize = 500
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 50
	}
	if cfg.Queue.DrainIntervalSeconds <= 0 {
		cfg.Queue.DrainIntervalSeconds = 10
	}
	if cfg.Session.HeartbeatIntervalSeconds <= 0 {
		cfg.Session.HeartbeatIntervalSeconds = 30
	}
	if cfg.Session.IdleMaxAgeMinutes <= 0 {
		cfg.Session.IdleMaxAgeMinutes = 24 * 60
	}
	if cfg.Session.ReapIntervalMinutes <= 0 {
		cfg.Session.ReapIntervalMinutes = 10
	}
	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = "http://127.0.0.1:8791"
	}
	if cfg.Agent.RequestTimeoutSeconds <= 0 {
		cfg.Agent.RequestTimeoutSeconds = 120
	}
	if cfg.Speech.BaseURL == "" {
		cfg.Speech.BaseURL = "http://127.0.0.1:8792"
	}
	if cfg.Speech.RequestTimeoutSeconds <= 0 {
		cfg.Speech.RequestTimeoutSeconds = 60
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "voxrelay"
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// PollInterval returns the notifier's backup polling cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalSeconds) * time.Second
}

// DebounceWindow returns the sync coalescing window.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Sync.DebounceMillis) * time.Millisecond
}

// DrainInterval returns the outbound queue's retry-check cadence.
func (c *Config) DrainInterval() time.Duration {
	return time.Duration(c.Queue.DrainIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the connection liveness probe cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Session.HeartbeatIntervalSeconds) * time.Second
}

// IdleMaxAge returns how long a session may sit idle before the reaper
// removes it.
func (c *Config) IdleMaxAge() time.Duration {
	return time.Duration(c.Session.IdleMaxAgeMinutes) * time.Minute
}

// ReapInterval returns the idle reaper sweep cadence.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.Session.ReapIntervalMinutes) * time.Minute
}

// RequestTimeout returns the per-request timeout for agent executor calls.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Agent.RequestTimeoutSeconds) * time.Second
}

// Fingerprint returns a short stable hash of the serialized config, exposed
// on /healthz so operators can confirm which config a daemon is running.
func (c *Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "unknown"
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%x", h.Sum64())
}
