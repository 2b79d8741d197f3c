// Package app wires configuration into a running session service. It is
// shared by the server and the ctl binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/ghostlyemg/emgdash/pkg/auth"
	"github.com/ghostlyemg/emgdash/pkg/backend"
	"github.com/ghostlyemg/emgdash/pkg/config"
	"github.com/ghostlyemg/emgdash/pkg/discovery"
	"github.com/ghostlyemg/emgdash/pkg/indicator"
	"github.com/ghostlyemg/emgdash/pkg/notes"
	"github.com/ghostlyemg/emgdash/pkg/sessions"
	"github.com/ghostlyemg/emgdash/pkg/telemetry"
)

// App holds every long-lived component built from a Config.
type App struct {
	Config   *config.Config
	Auth     *auth.Manager
	Registry *backend.Registry
	Counter  notes.Counter
	Traces   *telemetry.Collector
	Service  *sessions.Service
}

// New builds the auth manager, buckets, note counter and session service.
// On error every component created so far is closed.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// ── Auth Manager ──────────────────────────────────────────────
	a.Auth = auth.NewManager()
	a.Auth.RegisterProvider(auth.NewBearerProvider())
	a.Auth.RegisterProvider(auth.NewStaticProvider())
	a.Auth.RegisterProvider(auth.NewNoneProvider())
	slog.Info("Auth manager initialized", "component", "app", "providers", a.Auth.ProviderCount())

	// ── Buckets (with auth wrapping) ──────────────────────────────
	a.Registry = backend.NewRegistry()
	for _, bcfg := range cfg.Buckets {
		be, err := NewBackend(ctx, bcfg)
		if err != nil {
			return nil, fmt.Errorf("app.New: bucket %s: %w", bcfg.Name, err)
		}

		authCfg := auth.ProviderConfig{
			Method:    bcfg.Auth.Method,
			Token:     bcfg.Auth.Token,
			TokenEnv:  bcfg.Auth.TokenEnv,
			TokenFile: bcfg.Auth.TokenFile,
		}
		if env := bcfg.Auth.VerifyKeyEnv; env != "" {
			key := os.Getenv(env)
			if key == "" {
				be.Close()
				return nil, fmt.Errorf("app.New: bucket %s: verify key env %s is empty", bcfg.Name, env)
			}
			authCfg.VerifyKey = []byte(key)
		}
		if authCfg.Method == "" {
			authCfg.Method = "none"
		}
		a.Auth.SetBucketAuth(bcfg.Name, authCfg)

		if err := a.Registry.Register(backend.NewAuthenticatedBackend(be, a.Auth)); err != nil {
			be.Close()
			return nil, fmt.Errorf("app.New: %w", err)
		}
		slog.Info("Bucket registered", "component", "app", "bucket", bcfg.Name, "type", bcfg.Type, "auth", authCfg.Method)
	}

	// ── Notes ─────────────────────────────────────────────────────
	counter, err := NewCounter(ctx, cfg.Notes)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.Counter = counter

	// ── Telemetry ─────────────────────────────────────────────────
	if cfg.Telemetry.Enabled {
		tc, terr := telemetry.NewCollector(telemetry.CollectorConfig{
			Enabled:        true,
			Sink:           cfg.Telemetry.Sink,
			FilePath:       cfg.Telemetry.FilePath,
			Endpoint:       cfg.Telemetry.Endpoint,
			SampleResolved: cfg.Telemetry.SampleResolved,
			BatchSize:      cfg.Telemetry.BatchSize,
			FlushInterval:  cfg.Telemetry.FlushInterval,
		})
		if terr != nil {
			slog.Warn("Telemetry collector failed to initialize", "component", "app", "error", terr)
		} else {
			a.Traces = tc
			slog.Info("Telemetry enabled", "component", "app", "sink", cfg.Telemetry.Sink)
		}
	}

	opts, err := DiscoveryOptions(cfg.Discovery)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}

	a.Service = sessions.NewService(sessions.Config{
		Registry:   a.Registry,
		Authorizer: a.Auth,
		Discovery:  opts,
		Counter:    a.Counter,
		Cache:      indicator.New[notes.Counts](),
		DefaultTTL: cfg.Indicators.DefaultTTL,
		Traces:     a.Traces,
	})
	ok = true
	return a, nil
}

// Close releases the telemetry collector, note counter and buckets.
func (a *App) Close() error {
	var errs []error
	if a.Traces != nil {
		errs = append(errs, a.Traces.Close())
	}
	if a.Counter != nil {
		errs = append(errs, a.Counter.Close())
	}
	if a.Registry != nil {
		errs = append(errs, a.Registry.Close())
	}
	return errors.Join(errs...)
}

// NewBackend creates the store client for one bucket. Type "s3-native" uses
// the AWS SDK; every other type is handed to rclone.
func NewBackend(ctx context.Context, bcfg config.BucketConfig) (backend.Backend, error) {
	if bcfg.Type == "s3-native" {
		s3cfg := backend.S3Config{
			Name:            bcfg.Name,
			Bucket:          bcfg.Bucket,
			Endpoint:        bcfg.Endpoint,
			Region:          bcfg.Region,
			PublicBaseURL:   bcfg.PublicBaseURL,
			MetadataWorkers: bcfg.MetadataWorkers,
		}
		if bcfg.AccessKeyEnv != "" {
			s3cfg.AccessKey = os.Getenv(bcfg.AccessKeyEnv)
			s3cfg.SecretKey = os.Getenv(bcfg.SecretKeyEnv)
		}
		return backend.NewS3Backend(ctx, s3cfg)
	}

	remotePath := bcfg.Root
	if remotePath == "" {
		remotePath = bcfg.Config["root"]
	}
	return backend.NewRcloneBackend(bcfg.Name, bcfg.Type, remotePath, bcfg.PublicBaseURL, bcfg.Config)
}

// NewCounter opens the configured note-count source. Backend "none" yields a
// nil Counter, which makes indicator requests a configuration error.
func NewCounter(ctx context.Context, cfg config.NotesConfig) (notes.Counter, error) {
	switch cfg.Backend {
	case "postgres":
		pc, err := notes.NewPostgresCounter(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return pc, nil
	case "badger":
		bc, err := notes.OpenBadgerCounter(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return bc, nil
	case "", "none":
		return nil, nil
	}
	return nil, fmt.Errorf("app.NewCounter: unknown notes backend %q", cfg.Backend)
}

// DiscoveryOptions converts the discovery config section.
func DiscoveryOptions(cfg config.DiscoveryConfig) (discovery.Options, error) {
	opts := discovery.Options{
		Timeout:        cfg.Timeout,
		PageSize:       cfg.PageSize,
		MaxConcurrency: cfg.MaxConcurrency,
		Extensions:     cfg.Extensions,
	}
	if cfg.SubdirPattern != "" {
		re, err := regexp.Compile(cfg.SubdirPattern)
		if err != nil {
			return opts, fmt.Errorf("app.DiscoveryOptions: subdir_pattern: %w", err)
		}
		opts.SubdirPattern = re
	}
	return opts, nil
}
