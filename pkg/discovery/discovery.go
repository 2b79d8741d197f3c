// Package discovery enumerates session files in a bucket whose layout may be
// flat or nested one level deep.
//
// A pass lists the bucket root, picks out patient-shaped folders, and lists
// each of them concurrently. Folder-level failures are collected as
// PartialFailure entries; the pass only fails when no file was recovered.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ghostlyemg/emgdash/pkg/auth"
	"github.com/ghostlyemg/emgdash/pkg/backend"
	"github.com/ghostlyemg/emgdash/pkg/metrics"
)

// Defaults for Options.
const (
	DefaultTimeout        = 20 * time.Second
	DefaultPageSize       = 100
	DefaultMaxConcurrency = 16
)

// DefaultSubdirPattern matches patient folders such as "P001".
var DefaultSubdirPattern = regexp.MustCompile(`^P\d{3}$`)

// Options tunes a discovery pass.
type Options struct {
	// Timeout bounds the whole pass, root listing and fan-out together.
	Timeout time.Duration
	// PageSize caps entries returned by each listing.
	PageSize int
	// MaxConcurrency caps in-flight subdirectory listings.
	MaxConcurrency int
	// SubdirPattern selects which root folders are listed.
	SubdirPattern *regexp.Regexp
	// Extensions are the session-file suffixes, compared case-insensitively.
	Extensions []string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.SubdirPattern == nil {
		o.SubdirPattern = DefaultSubdirPattern
	}
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".c3d"}
	}
	return o
}

// Record is one object as returned by the store, with its full path.
type Record struct {
	Path      string
	SizeBytes uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	// Metadata is nil when the object carries none.
	Metadata map[string]string
	// TherapistID is the legacy flat therapist field. May be empty.
	TherapistID string
}

// Result is the outcome of one pass.
type Result struct {
	Files           []Record
	PartialFailures []PartialFailure
}

// HasError reports whether the pass recovered nothing while something failed.
// An empty bucket is not an error.
func (r *Result) HasError() bool {
	return len(r.Files) == 0 && len(r.PartialFailures) > 0
}

// Authorizer supplies the session checked before any store call.
// *auth.Manager satisfies it.
type Authorizer interface {
	Session(ctx context.Context, bucket string) (*auth.Session, error)
}

// Engine runs discovery passes against one bucket.
type Engine struct {
	be    backend.Backend
	authz Authorizer
	opts  Options
}

// NewEngine creates an engine for be. authz may be nil for buckets that need
// no credentials.
func NewEngine(be backend.Backend, authz Authorizer, opts Options) *Engine {
	return &Engine{be: be, authz: authz, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

type subResult struct {
	files []Record
	err   error
}

// Discover runs one two-level pass. It returns a *TotalDiscoveryError when no
// file was recovered and a listing failed, and an error wrapping ErrAuth when
// no session is available. Otherwise failures are reported in the Result.
func (e *Engine) Discover(ctx context.Context) (*Result, error) {
	bucket := e.be.Name()
	start := time.Now()
	defer func() {
		metrics.DiscoveryDuration.WithLabelValues(bucket).Observe(time.Since(start).Seconds())
	}()

	if e.authz != nil {
		if _, err := e.authz.Session(ctx, bucket); err != nil {
			return nil, fmt.Errorf("discovery.Discover: bucket %q: %w: %w", bucket, ErrAuth, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	res := &Result{}

	root, err := e.be.List(ctx, "", backend.ListOptions{Limit: e.opts.PageSize, SortByName: true})
	if err != nil {
		f := newFailure(RootLabel, err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			f = newFailure(DeadlineLabel, fmt.Errorf("discovery timed out after %s: %w", e.opts.Timeout, ctx.Err()))
		}
		res.PartialFailures = append(res.PartialFailures, f)
		return e.finish(bucket, res)
	}

	var subdirs []string
	for _, oi := range root {
		switch {
		case e.isFile(oi):
			res.Files = append(res.Files, toRecord("", oi))
		case e.isCandidate(oi):
			subdirs = append(subdirs, oi.Path)
		}
	}

	if len(subdirs) > 0 {
		e.fanOut(ctx, subdirs, res)
	}
	return e.finish(bucket, res)
}

// fanOut lists every candidate subdirectory and merges the outcomes into res
// in root listing order.
func (e *Engine) fanOut(ctx context.Context, subdirs []string, res *Result) {
	var (
		mu      sync.Mutex
		results = make(map[string]subResult, len(subdirs))
		wg      sync.WaitGroup
		sem     = make(chan struct{}, e.opts.MaxConcurrency)
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, dir := range subdirs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(dir string) {
				defer wg.Done()
				defer func() { <-sem }()

				files, err := e.listSubdir(ctx, dir)
				mu.Lock()
				results[dir] = subResult{files: files, err: err}
				mu.Unlock()
			}(dir)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	for _, dir := range subdirs {
		r, ok := results[dir]
		if !ok {
			continue
		}
		if r.err != nil {
			if timedOut && errors.Is(r.err, context.DeadlineExceeded) {
				continue
			}
			res.PartialFailures = append(res.PartialFailures, newFailure(dir, r.err))
			continue
		}
		res.Files = append(res.Files, r.files...)
	}
	if timedOut {
		res.PartialFailures = append(res.PartialFailures, newFailure(DeadlineLabel,
			fmt.Errorf("discovery timed out after %s: %w", e.opts.Timeout, context.DeadlineExceeded)))
	}
}

func (e *Engine) listSubdir(ctx context.Context, dir string) ([]Record, error) {
	entries, err := e.be.List(ctx, dir, backend.ListOptions{Limit: e.opts.PageSize, SortByName: true})
	if err != nil {
		slog.Warn("Subdirectory listing failed",
			"component", "discovery", "bucket", e.be.Name(), "subdirectory", dir, "error", err)
		return nil, err
	}
	var out []Record
	for _, oi := range entries {
		if e.isFile(oi) {
			out = append(out, toRecord(dir, oi))
		}
	}
	return out, nil
}

func (e *Engine) finish(bucket string, res *Result) (*Result, error) {
	metrics.DiscoveryFiles.WithLabelValues(bucket).Set(float64(len(res.Files)))
	for _, f := range res.PartialFailures {
		metrics.DiscoveryPartialFailures.WithLabelValues(bucket, string(f.Kind)).Inc()
	}

	if res.HasError() {
		metrics.DiscoveryTotalFailures.WithLabelValues(bucket).Inc()
		slog.Error("Discovery recovered no files",
			"component", "discovery", "bucket", bucket, "failures", len(res.PartialFailures))
		return res, &TotalDiscoveryError{Bucket: bucket, Failures: res.PartialFailures}
	}

	slog.Debug("Discovery complete",
		"component", "discovery", "bucket", bucket,
		"files", len(res.Files), "partial_failures", len(res.PartialFailures))
	return res, nil
}

// isFile reports whether an entry is a session file: a known extension, or
// any non-directory object that carries a size.
func (e *Engine) isFile(oi backend.ObjectInfo) bool {
	if oi.IsDir {
		return false
	}
	return e.hasExtension(oi.Path) || oi.Size > 0
}

// isCandidate reports whether an entry is a folder worth listing.
func (e *Engine) isCandidate(oi backend.ObjectInfo) bool {
	name := strings.TrimSuffix(oi.Path, "/")
	return path.Ext(name) == "" && e.opts.SubdirPattern.MatchString(name)
}

func (e *Engine) hasExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range e.opts.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func toRecord(dir string, oi backend.ObjectInfo) Record {
	p := oi.Path
	if dir != "" {
		p = dir + "/" + p
	}
	var size uint64
	if oi.Size > 0 {
		size = uint64(oi.Size)
	}
	return Record{
		Path:        p,
		SizeBytes:   size,
		CreatedAt:   oi.CreatedAt,
		UpdatedAt:   oi.ModTime,
		Metadata:    oi.Metadata,
		TherapistID: oi.TherapistID,
	}
}
