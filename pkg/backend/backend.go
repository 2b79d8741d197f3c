package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when an object, prefix or bucket does not exist.
var ErrNotFound = errors.New("not found")

// ErrTooLarge is returned when an object exceeds DownloadOptions.MaxSize.
var ErrTooLarge = errors.New("object too large")

// ObjectInfo describes a remote object or directory-shaped entry.
type ObjectInfo struct {
	Path      string
	Size      int64
	CreatedAt time.Time
	ModTime   time.Time
	IsDir     bool
	// TherapistID is the legacy flat therapist field, for stores that keep
	// one beside the metadata blob. Account or owner IDs never go here.
	TherapistID string
	// Metadata is the object's embedded user metadata. Nil when the store
	// returned none.
	Metadata map[string]string
}

// ListOptions bounds a single listing call.
type ListOptions struct {
	// Limit caps the number of entries returned. Zero means no cap.
	Limit int
	// SortByName orders entries by name before the limit is applied.
	SortByName bool
}

// DownloadOptions bounds a single download.
type DownloadOptions struct {
	// MaxSize caps the object size in bytes. Zero means no cap.
	MaxSize int64
}

// readLimited reads r to EOF, failing with ErrTooLarge as soon as more than
// limit bytes arrive. At most limit+1 bytes are buffered.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("more than %d bytes: %w", limit, ErrTooLarge)
	}
	return data, nil
}

// Backend abstracts one bucket in a remote object store. It carries no
// business logic.
type Backend interface {
	// Name returns the configured bucket name of this backend.
	Name() string

	// Type returns the backend type (e.g. "s3", "local", "googlecloudstorage").
	Type() string

	// List returns direct children under the given prefix (delimiter-based).
	// Returned paths are relative to prefix.
	List(ctx context.Context, prefix string, opts ListOptions) ([]ObjectInfo, error)

	// Download returns the full contents of an object. Objects larger than
	// opts.MaxSize fail with ErrTooLarge without being read in full.
	Download(ctx context.Context, path string, opts DownloadOptions) ([]byte, error)

	// PublicURL returns a URL the UI can use to fetch the object directly.
	// Empty when the bucket has no public base URL configured.
	PublicURL(path string) string

	// Close releases resources held by this backend.
	Close() error
}

// Registry manages backends keyed by bucket name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry, keyed by its Name().
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend.Registry: bucket %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

// Get returns a backend by bucket name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend.Registry: bucket %q: %w", name, ErrNotFound)
	}
	return b, nil
}

// All returns a copy of all registered backends.
func (r *Registry) All() map[string]Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := make(map[string]Backend, len(r.backends))
	for k, v := range r.backends {
		m[k] = v
	}
	return m
}

// Close closes all registered backends.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, b := range r.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// joinURL appends an object path to a public base URL.
func joinURL(base, path string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
