package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// StaticProvider serves an opaque token straight from config.
// Used for service accounts and local dev.
type StaticProvider struct{}

// NewStaticProvider creates a static session provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

func (p *StaticProvider) Name() string                      { return "static" }
func (p *StaticProvider) SupportsMethod(method string) bool { return method == "static" }

func (p *StaticProvider) Resolve(_ context.Context, _ string, cfg ProviderConfig) (*Session, error) {
	return &Session{
		AccessToken: cfg.Token,
		Provider:    "static",
		// ExpiresAt zero => never expires
	}, nil
}

// BearerProvider reads a JWT issued by the auth collaborator from config,
// an environment variable or a file, and takes its expiry from the token.
type BearerProvider struct{}

// NewBearerProvider creates a bearer token provider.
func NewBearerProvider() *BearerProvider {
	return &BearerProvider{}
}

func (p *BearerProvider) Name() string                      { return "bearer" }
func (p *BearerProvider) SupportsMethod(method string) bool { return method == "bearer" }

func (p *BearerProvider) Resolve(_ context.Context, bucket string, cfg ProviderConfig) (*Session, error) {
	tok := cfg.Token
	if tok == "" && cfg.TokenEnv != "" {
		tok = os.Getenv(cfg.TokenEnv)
	}
	if tok == "" && cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("bearer.Resolve: read %s: %w", cfg.TokenFile, err)
		}
		tok = strings.TrimSpace(string(data))
	}
	if tok == "" {
		return nil, fmt.Errorf("bearer.Resolve: bucket %s: %w", bucket, ErrNoSession)
	}
	return ParseBearer(tok)
}

// NoneProvider handles buckets that require no auth (e.g., local filesystem).
type NoneProvider struct{}

// NewNoneProvider creates a no-auth provider.
func NewNoneProvider() *NoneProvider {
	return &NoneProvider{}
}

func (p *NoneProvider) Name() string                      { return "none" }
func (p *NoneProvider) SupportsMethod(method string) bool { return method == "none" || method == "" }

func (p *NoneProvider) Resolve(_ context.Context, _ string, _ ProviderConfig) (*Session, error) {
	return &Session{
		Provider: "none",
	}, nil
}
