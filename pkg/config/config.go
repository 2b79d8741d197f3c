package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config is the top-level emgdash configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Indicators IndicatorsConfig `yaml:"indicators"`
	Notes      NotesConfig      `yaml:"notes"`
	Buckets    []BucketConfig   `yaml:"buckets"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"` // default ":8080"
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxDownloadRaw  string        `yaml:"max_download_size"` // e.g. "256MB"
	MaxDownloadSize int64         `yaml:"-"`
}

// LoggingConfig configures the default slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// TelemetryConfig configures identity-resolution traces.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Sink           string        `yaml:"sink"` // "stdout", "file", "http", "log", "nop"
	FilePath       string        `yaml:"file_path"`
	Endpoint       string        `yaml:"endpoint"`
	SampleResolved float64       `yaml:"sample_resolved"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
}

// DiscoveryConfig tunes bucket discovery passes.
type DiscoveryConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	PageSize       int           `yaml:"page_size"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	SubdirPattern  string        `yaml:"subdir_pattern"`
	Extensions     []string      `yaml:"extensions"`
}

// IndicatorsConfig configures the note-count cache.
type IndicatorsConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// NotesConfig selects the note-count source.
type NotesConfig struct {
	Backend string `yaml:"backend"` // "postgres", "badger", "none"
	DSN     string `yaml:"dsn"`     // postgres connection string
	Dir     string `yaml:"dir"`     // badger directory; empty = in-memory
}

// BucketAuthConfig is the auth section of a bucket.
type BucketAuthConfig struct {
	Method    string `yaml:"method"` // none, static, bearer
	Token     string `yaml:"token,omitempty"`
	TokenEnv  string `yaml:"token_env,omitempty"`
	TokenFile string `yaml:"token_file,omitempty"`
	// VerifyKeyEnv names the env var holding the HMAC key that per-request
	// bearer tokens must be signed with. Bearer buckets only.
	VerifyKeyEnv string `yaml:"verify_key_env,omitempty"`
}

// BucketConfig describes a single session-file bucket.
//
// Type "s3-native" uses the AWS SDK directly and reads per-object metadata.
// Any other type is an rclone backend ("s3", "local", "googlecloudstorage",
// "azureblob") configured through Config.
type BucketConfig struct {
	Name          string            `yaml:"name"`
	Type          string            `yaml:"type"`
	Root          string            `yaml:"root"`
	PublicBaseURL string            `yaml:"public_base_url"`
	Config        map[string]string `yaml:"config"`
	Auth          BucketAuthConfig  `yaml:"auth"`

	// s3-native only.
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyEnv    string `yaml:"access_key_env"`
	SecretKeyEnv    string `yaml:"secret_key_env"`
	MetadataWorkers int    `yaml:"metadata_workers"`
}

// Bucket returns the bucket config with the given name.
func (c *Config) Bucket(name string) (BucketConfig, bool) {
	for _, b := range c.Buckets {
		if b.Name == name {
			return b, true
		}
	}
	return BucketConfig{}, false
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.Server.MaxDownloadSize < 0 {
		return fmt.Errorf("config: max_download_size must be positive, got %d", c.Server.MaxDownloadSize)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}
	switch c.Telemetry.Sink {
	case "", "stdout", "file", "http", "log", "nop":
	default:
		return fmt.Errorf("config: unknown telemetry.sink %q", c.Telemetry.Sink)
	}
	if c.Telemetry.SampleResolved > 1.0 {
		return fmt.Errorf("config: telemetry.sample_resolved must be <= 1.0")
	}

	if c.Discovery.Timeout < 0 || c.Discovery.PageSize < 0 || c.Discovery.MaxConcurrency < 0 {
		return fmt.Errorf("config: discovery timeout, page_size and max_concurrency must not be negative")
	}
	if _, err := regexp.Compile(c.Discovery.SubdirPattern); err != nil {
		return fmt.Errorf("config: invalid discovery.subdir_pattern %q: %w", c.Discovery.SubdirPattern, err)
	}
	for _, ext := range c.Discovery.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("config: discovery extension %q must start with '.'", ext)
		}
	}

	switch c.Notes.Backend {
	case "", "none", "badger":
	case "postgres":
		if c.Notes.DSN == "" {
			return fmt.Errorf("config: notes.backend postgres requires dsn")
		}
	default:
		return fmt.Errorf("config: unknown notes.backend %q", c.Notes.Backend)
	}

	names := make(map[string]bool)
	for _, b := range c.Buckets {
		if b.Name == "" {
			return fmt.Errorf("config: bucket name cannot be empty")
		}
		if b.Type == "" {
			return fmt.Errorf("config: bucket %q has empty type", b.Name)
		}
		if names[b.Name] {
			return fmt.Errorf("config: duplicate bucket name %q", b.Name)
		}
		names[b.Name] = true

		if b.MetadataWorkers < 0 {
			return fmt.Errorf("config: bucket %q: metadata_workers must not be negative", b.Name)
		}
		if err := validateAuthConfig(b.Name, b.Auth); err != nil {
			return err
		}
	}
	return nil
}

// validateAuthConfig checks that required fields are set for each auth method.
func validateAuthConfig(bucket string, auth BucketAuthConfig) error {
	if auth.VerifyKeyEnv != "" && auth.Method != "bearer" {
		return fmt.Errorf("config: bucket %q: verify_key_env requires method bearer", bucket)
	}

	switch auth.Method {
	case "", "none":
		// No validation needed
	case "static":
		if auth.Token == "" {
			return fmt.Errorf("config: bucket %q: static requires token", bucket)
		}
	case "bearer":
		if auth.Token == "" && auth.TokenEnv == "" && auth.TokenFile == "" && auth.VerifyKeyEnv == "" {
			return fmt.Errorf("config: bucket %q: bearer requires token, token_env, token_file or verify_key_env", bucket)
		}
	default:
		return fmt.Errorf("config: bucket %q: unknown auth method %q", bucket, auth.Method)
	}
	return nil
}
