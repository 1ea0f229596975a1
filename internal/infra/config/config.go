package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds settings for the generation backend connection.
type ServerConfig struct {
	BaseURL     string        `yaml:"base_url"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	// RequestsPerSecond caps outbound request rate; 0 = default.
	RequestsPerSecond float64    `yaml:"requests_per_second"`
	Pool              PoolConfig `yaml:"pool"`
}

// PoolConfig holds HTTP connection pool settings for the backend client.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// GenerationConfig holds generation session settings.
type GenerationConfig struct {
	// Streaming selects live token streaming; false collapses each turn
	// to a single round trip with the same session contract.
	Streaming bool `yaml:"streaming"`
	// ContextLength is the requested context window; 0 = backend default.
	ContextLength int `yaml:"context_length"`
	// IdleTimeout is how long a stream may go without data before it is
	// treated as a timeout failure.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// SystemPrompt seeds new conversations when non-empty.
	SystemPrompt string `yaml:"system_prompt"`
}

// RecoveryConfig holds circuit breaker and recovery settings.
type RecoveryConfig struct {
	// MaxFailures is the number of consecutive failures before a
	// subsystem's circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// OpenTimeout is how long the circuit stays open before a half-open probe.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// Interval is the cyclic period of the closed state for clearing
	// failure counts. 0 = failures never reset until the circuit opens.
	Interval time.Duration `yaml:"interval"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// FilesConfig holds attachment processing settings.
type FilesConfig struct {
	MaxFileBytes int64    `yaml:"max_file_bytes"`
	AllowedExts  []string `yaml:"allowed_exts"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Generation GenerationConfig `yaml:"generation"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Store      StoreConfig      `yaml:"store"`
	Files      FilesConfig      `yaml:"files"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// Default returns a configuration with sensible local defaults applied.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses a YAML config file, applies defaults, and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:11434"
	}
	if c.Server.ConnTimeout == 0 {
		c.Server.ConnTimeout = 5 * time.Second
	}
	if c.Server.RespTimeout == 0 {
		// Long response timeout: first request may trigger model loading.
		c.Server.RespTimeout = 300 * time.Second
	}
	if c.Server.RequestsPerSecond == 0 {
		c.Server.RequestsPerSecond = 5
	}
	if c.Generation.IdleTimeout == 0 {
		c.Generation.IdleTimeout = 60 * time.Second
	}
	if c.Recovery.MaxFailures == 0 {
		c.Recovery.MaxFailures = 5
	}
	if c.Recovery.OpenTimeout == 0 {
		c.Recovery.OpenTimeout = 30 * time.Second
	}
	if c.Recovery.Interval == 0 {
		c.Recovery.Interval = 60 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = "ollamaverse.db"
	}
	if c.Files.MaxFileBytes == 0 {
		c.Files.MaxFileBytes = 512 * 1024
	}
	if len(c.Files.AllowedExts) == 0 {
		c.Files.AllowedExts = []string{".txt", ".md", ".json", ".csv", ".log", ".yaml", ".yml"}
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Logger.Output == "" {
		c.Logger.Output = "stderr"
	}
}

// Validate checks the configuration for values that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.Server.RequestsPerSecond < 0 {
		return fmt.Errorf("server.requests_per_second must be >= 0")
	}
	if c.Generation.ContextLength < 0 {
		return fmt.Errorf("generation.context_length must be >= 0")
	}
	switch c.Logger.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logger.format must be text or json, got %q", c.Logger.Format)
	}
	if c.Tracer.Enabled {
		switch c.Tracer.Exporter {
		case "stdout", "noop", "":
		default:
			return fmt.Errorf("tracer.exporter must be stdout or noop, got %q", c.Tracer.Exporter)
		}
	}
	return nil
}
