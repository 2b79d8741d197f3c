package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ghostlyemg/emgdash/pkg/auth"
)

// credentialUpdater is implemented by backends that accept session updates.
type credentialUpdater interface {
	UpdateCredentials(sess *auth.Session)
}

// AuthenticatedBackend wraps a Backend with a session check before each
// network operation. Operations fail fast, without touching the store, when
// no usable session exists.
type AuthenticatedBackend struct {
	inner   Backend
	authMgr *auth.Manager

	mu       sync.Mutex
	lastSess *auth.Session
}

// NewAuthenticatedBackend wraps a backend with session checks.
func NewAuthenticatedBackend(inner Backend, authMgr *auth.Manager) *AuthenticatedBackend {
	return &AuthenticatedBackend{
		inner:   inner,
		authMgr: authMgr,
	}
}

// refreshIfNeeded checks the session and pushes it to the inner backend.
func (ab *AuthenticatedBackend) refreshIfNeeded(ctx context.Context) error {
	sess, err := ab.authMgr.Session(ctx, ab.inner.Name())
	if err != nil {
		return fmt.Errorf("auth check for %s: %w", ab.inner.Name(), err)
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.lastSess != nil && ab.lastSess.AccessToken == sess.AccessToken && !ab.lastSess.IsExpired(time.Minute) {
		return nil
	}

	if sess.Provider != "none" {
		if cu, ok := ab.inner.(credentialUpdater); ok {
			cu.UpdateCredentials(sess)
		}
		slog.Debug("Auth session refreshed",
			"component", "backend",
			"bucket", ab.inner.Name(),
			"provider", sess.Provider,
		)
	}

	ab.lastSess = sess
	return nil
}

func (ab *AuthenticatedBackend) Name() string { return ab.inner.Name() }
func (ab *AuthenticatedBackend) Type() string { return ab.inner.Type() }

func (ab *AuthenticatedBackend) List(ctx context.Context, prefix string, opts ListOptions) ([]ObjectInfo, error) {
	if err := ab.refreshIfNeeded(ctx); err != nil {
		return nil, err
	}
	return ab.inner.List(ctx, prefix, opts)
}

func (ab *AuthenticatedBackend) Download(ctx context.Context, path string, opts DownloadOptions) ([]byte, error) {
	if err := ab.refreshIfNeeded(ctx); err != nil {
		return nil, err
	}
	return ab.inner.Download(ctx, path, opts)
}

func (ab *AuthenticatedBackend) PublicURL(path string) string {
	return ab.inner.PublicURL(path)
}

func (ab *AuthenticatedBackend) Close() error {
	return ab.inner.Close()
}
