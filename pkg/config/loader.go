package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses an emgdash configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse expands, decodes, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.parseSizes(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	// Downloads stream whole C3D files; allow well past the discovery budget.
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 2 * time.Minute
	}
	if c.Server.MaxDownloadRaw == "" {
		c.Server.MaxDownloadRaw = "256MB"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 20 * time.Second
	}
	if c.Discovery.PageSize == 0 {
		c.Discovery.PageSize = 100
	}
	if c.Discovery.MaxConcurrency == 0 {
		c.Discovery.MaxConcurrency = 16
	}
	if c.Discovery.SubdirPattern == "" {
		c.Discovery.SubdirPattern = `^P\d{3}$`
	}
	if len(c.Discovery.Extensions) == 0 {
		c.Discovery.Extensions = []string{".c3d"}
	}
	if c.Indicators.DefaultTTL == 0 {
		c.Indicators.DefaultTTL = 30 * time.Second
	}
	if c.Notes.Backend == "" {
		c.Notes.Backend = "none"
	}
	for i := range c.Buckets {
		if c.Buckets[i].Auth.Method == "" {
			c.Buckets[i].Auth.Method = "none"
		}
	}
}

// parseSizes converts human-readable size strings to int64 bytes.
// Returns an error if any user-provided size string is invalid.
func (c *Config) parseSizes() error {
	v, err := ParseSize(c.Server.MaxDownloadRaw)
	if err != nil {
		return fmt.Errorf("config: invalid server.max_download_size %q: %w", c.Server.MaxDownloadRaw, err)
	}
	c.Server.MaxDownloadSize = v
	return nil
}

// ParseSize converts a human-readable size like "2TB", "500GB", "4MB" to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr := strings.TrimSuffix(s, m.suffix)
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
			}
			return int64(num * float64(m.mult)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
	}
	return n, nil
}
