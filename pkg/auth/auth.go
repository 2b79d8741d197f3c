package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghostlyemg/emgdash/pkg/metrics"
)

var (
	// ErrNoSession is returned when no bearer credential is available.
	ErrNoSession = errors.New("no authenticated session")
	// ErrSessionExpired is returned when the available credential has expired.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidToken is returned when a request token fails verification.
	ErrInvalidToken = fmt.Errorf("invalid bearer token: %w", ErrNoSession)
)

// Session is the bearer credential supplied by the external auth collaborator.
type Session struct {
	AccessToken string
	Subject     string
	ExpiresAt   time.Time // zero => never expires
	Provider    string    // "bearer", "static", "request", "none"
}

// IsExpired returns true if the session has expired or will expire within the buffer.
func (s *Session) IsExpired(buffer time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(buffer).After(s.ExpiresAt)
}

// Provider resolves a session for a bucket.
type Provider interface {
	// Name returns the provider name (e.g., "bearer").
	Name() string

	// Resolve returns the current session for the given bucket.
	Resolve(ctx context.Context, bucket string, cfg ProviderConfig) (*Session, error)

	// SupportsMethod returns true if this provider handles the given auth method.
	SupportsMethod(method string) bool
}

// ProviderConfig is the auth section from a bucket's config.
type ProviderConfig struct {
	Method    string
	Token     string
	TokenEnv  string
	TokenFile string
	// VerifyKey is the HMAC key request tokens must be signed with. Only
	// bearer buckets with a key accept request tokens.
	VerifyKey []byte
}

type tokenKey struct{}

// ContextWithToken returns a context carrying a request-scoped bearer token.
// Manager.Session honors it only for bearer buckets with a VerifyKey.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the request-scoped bearer token, if any.
func TokenFromContext(ctx context.Context) string {
	tok, _ := ctx.Value(tokenKey{}).(string)
	return tok
}

// Manager hands out sessions for buckets.
type Manager struct {
	providers []Provider
	cache     sync.Map // bucket -> *Session

	mu         sync.Mutex
	bucketCfgs map[string]ProviderConfig

	// Per-bucket refresh mutexes to prevent thundering herd
	refreshMu sync.Map // bucket -> *sync.Mutex

	// Sessions this close to expiry are re-resolved.
	refreshBuffer time.Duration
}

// NewManager creates an auth manager.
func NewManager() *Manager {
	return &Manager{
		bucketCfgs:    make(map[string]ProviderConfig),
		refreshBuffer: 30 * time.Second,
	}
}

// RegisterProvider adds a session provider.
func (m *Manager) RegisterProvider(p Provider) {
	m.providers = append(m.providers, p)
}

// ProviderCount returns the number of registered providers.
func (m *Manager) ProviderCount() int {
	return len(m.providers)
}

// SetBucketAuth configures auth for a specific bucket.
func (m *Manager) SetBucketAuth(bucket string, cfg ProviderConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucketCfgs[bucket] = cfg
}

// Session returns a usable session for the named bucket. The bucket's
// configured method decides how: a request token on ctx is used only when the
// bucket is a bearer bucket with a VerifyKey, and must carry a valid
// signature. The returned error wraps ErrNoSession or ErrSessionExpired when
// no usable credential exists.
func (m *Manager) Session(ctx context.Context, bucket string) (*Session, error) {
	m.mu.Lock()
	cfg, ok := m.bucketCfgs[bucket]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("auth.Session: no auth config for bucket %s: %w", bucket, ErrNoSession)
	}

	if tok := TokenFromContext(ctx); tok != "" && cfg.Method == "bearer" && len(cfg.VerifyKey) > 0 {
		sess, err := VerifyBearer(tok, cfg.VerifyKey)
		if err != nil {
			metrics.AuthRefreshes.WithLabelValues("request", "failure").Inc()
			return nil, fmt.Errorf("auth.Session: request token for bucket %s: %w", bucket, err)
		}
		sess.Provider = "request"
		return checkSession(sess)
	}

	// Fast path
	if cached, ok := m.cache.Load(bucket); ok {
		sess := cached.(*Session)
		if !sess.IsExpired(m.refreshBuffer) {
			return sess, nil
		}
	}

	muIface, _ := m.refreshMu.LoadOrStore(bucket, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	// Another goroutine may have refreshed while we waited.
	if cached, ok := m.cache.Load(bucket); ok {
		sess := cached.(*Session)
		if !sess.IsExpired(m.refreshBuffer) {
			return sess, nil
		}
	}

	for _, p := range m.providers {
		if !p.SupportsMethod(cfg.Method) {
			continue
		}
		sess, err := p.Resolve(ctx, bucket, cfg)
		if err != nil {
			metrics.AuthRefreshes.WithLabelValues(p.Name(), "failure").Inc()
			return nil, fmt.Errorf("auth.Session: provider %s: %w", p.Name(), err)
		}
		sess, err = checkSession(sess)
		if err != nil {
			metrics.AuthRefreshes.WithLabelValues(p.Name(), "failure").Inc()
			return nil, fmt.Errorf("auth.Session: provider %s: %w", p.Name(), err)
		}
		m.cache.Store(bucket, sess)
		metrics.AuthRefreshes.WithLabelValues(p.Name(), "success").Inc()
		return sess, nil
	}

	return nil, fmt.Errorf("auth.Session: no provider supports method %q for bucket %s", cfg.Method, bucket)
}

// InvalidateCache removes the cached session for a bucket.
func (m *Manager) InvalidateCache(bucket string) {
	m.cache.Delete(bucket)
}

func checkSession(sess *Session) (*Session, error) {
	if sess == nil || (sess.AccessToken == "" && sess.Provider != "none") {
		return nil, ErrNoSession
	}
	if sess.IsExpired(0) {
		return nil, fmt.Errorf("expired at %s: %w", sess.ExpiresAt.Format(time.RFC3339), ErrSessionExpired)
	}
	return sess, nil
}
