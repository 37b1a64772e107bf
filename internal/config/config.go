// Package config provides configuration loading for operatord.
//
// Configuration is an explicitly constructed value built once at process
// start and passed through constructors. There is no package-level
// singleton; components receive only the sections they need.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the operatord daemon.
type Config struct {
	Server    ServerConfig             `koanf:"server"`
	Logging   LoggingConfig            `koanf:"logging"`
	Telemetry TelemetryConfig          `koanf:"telemetry"`
	NATS      NATSConfig               `koanf:"nats"`
	Scheduler SchedulerConfig          `koanf:"scheduler"`
	Backends  map[string]BackendConfig `koanf:"backends"`
	Memory    MemoryConfig             `koanf:"memory"`
	Gate      GateConfig               `koanf:"gate"`
	Tools     ToolsConfig              `koanf:"tools"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
	Insecure       bool   `koanf:"insecure"`
}

// NATSConfig controls the message broker connection shared by the security
// gate channel and task lifecycle events.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`

	// RequestTimeout bounds the initial broker dial.
	RequestTimeout Duration `koanf:"request_timeout"`
}

// SchedulerConfig controls the bounded task pool.
type SchedulerConfig struct {
	MaxConcurrent  int      `koanf:"max_concurrent"`
	PollInterval   Duration `koanf:"poll_interval"`
	MaxRetries     int      `koanf:"max_retries"`
	RetryDelay     Duration `koanf:"retry_delay"`
	SlotTimeout    Duration `koanf:"slot_timeout"`
	DefaultBackend string   `koanf:"default_backend"`

	// Routes maps a goal intent (browser, filesystem, ui_automation,
	// generic) to the backend that should run it. Unrouted intents fall
	// back to DefaultBackend.
	Routes map[string]string `koanf:"routes"`
}

// BackendConfig describes one named reasoning backend.
//
// RateLimit is the maximum number of requests admitted per trailing
// 60-second window by the resource governor.
type BackendConfig struct {
	Provider  string   `koanf:"provider"` // anthropic | openai | local
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	BaseURL   string   `koanf:"base_url"`
	RateLimit int      `koanf:"rate_limit"`
	Timeout   Duration `koanf:"timeout"`
}

// MemoryConfig controls the memory gateway.
type MemoryConfig struct {
	Provider        string           `koanf:"provider"` // chromem | qdrant
	Path            string           `koanf:"path"`
	VectorSize      int              `koanf:"vector_size"`
	ScopeMaxEntries int              `koanf:"scope_max_entries"`
	DefaultTTL      Duration         `koanf:"default_ttl"`
	Qdrant          QdrantConfig     `koanf:"qdrant"`
	Embeddings      EmbeddingsConfig `koanf:"embeddings"`
}

// QdrantConfig holds connection settings for the qdrant memory backend.
type QdrantConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// EmbeddingsConfig describes the embedder used by the memory gateway.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // local | openai
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
}

// GateConfig controls the security gate worker and client.
//
// The gate fails open by default: unrecognized message kinds and reply
// timeouts resolve to ALLOW. Set fail_closed to true to resolve them to
// BLOCK instead. The default is deliberate and must stay overridable.
type GateConfig struct {
	RulesPath      string             `koanf:"rules_path"`
	Rules          []string           `koanf:"rules"`
	FailClosed     bool               `koanf:"fail_closed"`
	RequestTimeout Duration           `koanf:"request_timeout"`
	ViolationsPath string             `koanf:"violations_path"`
	Notifications  NotificationConfig `koanf:"notifications"`
}

// NotificationConfig selects the alert channels raised on DENY verdicts.
type NotificationConfig struct {
	Log        bool   `koanf:"log"`
	NATS       bool   `koanf:"nats"`
	WebhookURL string `koanf:"webhook_url"`
}

// ToolsConfig controls tool manifest discovery.
type ToolsConfig struct {
	ManifestDir string `koanf:"manifest_dir"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Scheduler.MaxRetries < 1 {
		return fmt.Errorf("scheduler.max_retries must be at least 1, got %d", c.Scheduler.MaxRetries)
	}
	if c.Scheduler.PollInterval.Duration() <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}
	for name, b := range c.Backends {
		if b.RateLimit <= 0 {
			return fmt.Errorf("backend %q: rate_limit must be positive, got %d", name, b.RateLimit)
		}
		switch b.Provider {
		case "anthropic", "openai", "local":
		default:
			return fmt.Errorf("backend %q: unknown provider %q", name, b.Provider)
		}
	}
	if _, ok := c.Backends[c.Scheduler.DefaultBackend]; !ok {
		return fmt.Errorf("scheduler.default_backend %q is not a configured backend", c.Scheduler.DefaultBackend)
	}
	switch c.Memory.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("memory.provider must be chromem or qdrant, got %q", c.Memory.Provider)
	}
	if c.Memory.ScopeMaxEntries <= 0 {
		return fmt.Errorf("memory.scope_max_entries must be positive")
	}
	if c.Gate.RequestTimeout.Duration() <= 0 {
		return fmt.Errorf("gate.request_timeout must be positive")
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8710
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "operatord"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
		cfg.Telemetry.Insecure = true
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.RequestTimeout == 0 {
		cfg.NATS.RequestTimeout = Duration(5 * time.Second)
	}

	if cfg.Scheduler.MaxConcurrent == 0 {
		cfg.Scheduler.MaxConcurrent = 4
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = Duration(time.Second)
	}
	if cfg.Scheduler.MaxRetries == 0 {
		cfg.Scheduler.MaxRetries = 3
	}
	if cfg.Scheduler.RetryDelay == 0 {
		cfg.Scheduler.RetryDelay = Duration(2 * time.Second)
	}
	if cfg.Scheduler.SlotTimeout == 0 {
		cfg.Scheduler.SlotTimeout = Duration(30 * time.Second)
	}

	if cfg.Backends == nil {
		cfg.Backends = map[string]BackendConfig{
			"local": {
				Provider:  "local",
				Model:     "llama3",
				BaseURL:   "http://localhost:11434",
				RateLimit: 600,
			},
		}
	}
	for name, b := range cfg.Backends {
		if b.Timeout == 0 {
			b.Timeout = Duration(120 * time.Second)
			cfg.Backends[name] = b
		}
	}
	if cfg.Scheduler.DefaultBackend == "" {
		// Deterministic pick is impossible over a map; prefer "local" when
		// present, otherwise validation forces an explicit choice.
		if _, ok := cfg.Backends["local"]; ok {
			cfg.Scheduler.DefaultBackend = "local"
		}
	}

	if cfg.Memory.Provider == "" {
		cfg.Memory.Provider = "chromem"
	}
	if cfg.Memory.Path == "" {
		cfg.Memory.Path = "~/.config/operatord/memory"
	}
	if cfg.Memory.VectorSize == 0 {
		cfg.Memory.VectorSize = 384
	}
	if cfg.Memory.ScopeMaxEntries == 0 {
		cfg.Memory.ScopeMaxEntries = 500
	}
	if cfg.Memory.DefaultTTL == 0 {
		cfg.Memory.DefaultTTL = Duration(720 * time.Hour)
	}
	if cfg.Memory.Qdrant.Host == "" {
		cfg.Memory.Qdrant.Host = "localhost"
	}
	if cfg.Memory.Qdrant.Port == 0 {
		cfg.Memory.Qdrant.Port = 6334
	}
	if cfg.Memory.Embeddings.Provider == "" {
		cfg.Memory.Embeddings.Provider = "local"
	}
	if cfg.Memory.Embeddings.Model == "" {
		cfg.Memory.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}

	if cfg.Gate.RequestTimeout == 0 {
		cfg.Gate.RequestTimeout = Duration(3 * time.Second)
	}
	if !cfg.Gate.Notifications.Log && !cfg.Gate.Notifications.NATS && cfg.Gate.Notifications.WebhookURL == "" {
		cfg.Gate.Notifications.Log = true
	}

	if cfg.Tools.ManifestDir == "" {
		cfg.Tools.ManifestDir = "~/.config/operatord/tools"
	}
}
