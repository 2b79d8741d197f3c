package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ghostlyemg/emgdash/pkg/metrics"

	// Register rclone backends via blank imports.
	_ "github.com/rclone/rclone/backend/azureblob"
	_ "github.com/rclone/rclone/backend/googlecloudstorage"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/s3"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configmap"
)

// RcloneBackend wraps an rclone fs.Fs as a Backend.
type RcloneBackend struct {
	name          string
	backType      string
	publicBaseURL string
	rfs           fs.Fs
}

// NewRcloneBackend creates a backend from config.
// backendType is the rclone backend name (e.g. "azureblob", "s3", "local").
// remotePath is the bucket/container + optional prefix.
// params maps rclone config keys to values.
func NewRcloneBackend(name, backendType, remotePath, publicBaseURL string, params map[string]string) (*RcloneBackend, error) {
	m := configmap.Simple(params)

	regInfo, err := fs.Find(backendType)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: unknown type %q: %w", backendType, err)
	}

	rfs, err := regInfo.NewFs(context.Background(), name, remotePath, m)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: create %q (%s): %w", name, backendType, err)
	}

	slog.Info("Backend created",
		"component", "backend", "bucket", name,
		"type", backendType, "path", remotePath,
	)

	return &RcloneBackend{
		name:          name,
		backType:      backendType,
		publicBaseURL: publicBaseURL,
		rfs:           rfs,
	}, nil
}

func (b *RcloneBackend) Name() string { return b.name }
func (b *RcloneBackend) Type() string { return b.backType }

// List returns objects and directories under the given prefix.
func (b *RcloneBackend) List(ctx context.Context, prefix string, opts ListOptions) ([]ObjectInfo, error) {
	start := time.Now()
	entries, err := b.rfs.List(ctx, prefix)
	metrics.BackendRequestDuration.WithLabelValues(b.name, "list").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.name, "list").Inc()
		if errors.Is(err, fs.ErrorDirNotFound) {
			return nil, fmt.Errorf("backend %s: List %q: %w", b.name, prefix, ErrNotFound)
		}
		return nil, fmt.Errorf("backend %s: List %q: %w", b.name, prefix, err)
	}

	if opts.SortByName {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Remote() < entries[j].Remote()
		})
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	result := make([]ObjectInfo, 0, len(entries))
	for _, entry := range entries {
		oi := ObjectInfo{
			Path:    entry.Remote(),
			ModTime: entry.ModTime(ctx),
		}

		switch e := entry.(type) {
		case fs.Object:
			oi.Size = e.Size()
			md, mdErr := fs.GetMetadata(ctx, e)
			if mdErr != nil {
				slog.Debug("metadata read failed",
					"component", "backend", "bucket", b.name,
					"path", e.Remote(), "error", mdErr)
			} else if len(md) > 0 {
				oi.Metadata = map[string]string(md)
				if bt, ok := md["btime"]; ok {
					if t, err := time.Parse(time.RFC3339Nano, bt); err == nil {
						oi.CreatedAt = t
					}
				}
			}
		case fs.Directory:
			oi.IsDir = true
			oi.Size = e.Size()
		}
		if oi.CreatedAt.IsZero() {
			oi.CreatedAt = oi.ModTime
		}

		// Strip prefix to get just the child name.
		if prefix != "" {
			oi.Path = strings.TrimPrefix(oi.Path, prefix)
			oi.Path = strings.TrimPrefix(oi.Path, "/")
		}

		result = append(result, oi)
	}

	return result, nil
}

// Download reads the entire object into memory.
func (b *RcloneBackend) Download(ctx context.Context, path string, opts DownloadOptions) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.BackendRequestDuration.WithLabelValues(b.name, "download").Observe(time.Since(start).Seconds())
	}()

	obj, err := b.rfs.NewObject(ctx, path)
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.name, "download").Inc()
		if errors.Is(err, fs.ErrorObjectNotFound) {
			return nil, fmt.Errorf("backend %s: Download %q: %w", b.name, path, ErrNotFound)
		}
		return nil, fmt.Errorf("backend %s: Download %q: %w", b.name, path, err)
	}
	if opts.MaxSize > 0 && obj.Size() > opts.MaxSize {
		return nil, fmt.Errorf("backend %s: Download %q: %d bytes: %w", b.name, path, obj.Size(), ErrTooLarge)
	}

	rc, err := obj.Open(ctx)
	if err != nil {
		metrics.BackendErrors.WithLabelValues(b.name, "download").Inc()
		return nil, fmt.Errorf("backend %s: Download %q open: %w", b.name, path, err)
	}
	defer rc.Close()

	data, err := readLimited(rc, opts.MaxSize)
	if err != nil {
		if !errors.Is(err, ErrTooLarge) {
			metrics.BackendErrors.WithLabelValues(b.name, "download").Inc()
		}
		return nil, fmt.Errorf("backend %s: Download %q read: %w", b.name, path, err)
	}
	return data, nil
}

// PublicURL joins the configured public base URL with path.
func (b *RcloneBackend) PublicURL(path string) string {
	return joinURL(b.publicBaseURL, path)
}

// Close releases resources.
func (b *RcloneBackend) Close() error {
	slog.Info("Backend closed", "component", "backend", "bucket", b.name)
	return nil
}
