// Package sessions composes discovery and identity resolution into the
// session list and indicator operations consumed by the dashboard.
//
// The service is stateless across calls: every listing re-derives files and
// identities from the store. Only note-count indicators are cached.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ghostlyemg/emgdash/pkg/backend"
	"github.com/ghostlyemg/emgdash/pkg/discovery"
	"github.com/ghostlyemg/emgdash/pkg/identity"
	"github.com/ghostlyemg/emgdash/pkg/indicator"
	"github.com/ghostlyemg/emgdash/pkg/metrics"
	"github.com/ghostlyemg/emgdash/pkg/notes"
	"github.com/ghostlyemg/emgdash/pkg/telemetry"
)

// DefaultIndicatorTTL applies when GetIndicators is called without a ttl.
const DefaultIndicatorTTL = 30 * time.Second

// SessionFile is one resolved recording. Values are built once per listing
// and never mutated.
type SessionFile struct {
	Path          string    `json:"path"`
	SizeBytes     uint64    `json:"size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	PatientCode   string    `json:"patient_code"`
	TherapistCode string    `json:"therapist_code"`
	// SessionTimestamp is nil when unknown; it is never a placeholder date.
	SessionTimestamp *time.Time       `json:"session_timestamp"`
	SourceMetadata   map[string]string `json:"source_metadata,omitempty"`
}

// Warning is a user-facing note about a listing that did not complete.
type Warning struct {
	Subdirectory string                `json:"subdirectory"`
	Kind         discovery.FailureKind `json:"kind"`
	Message      string                `json:"message"`
}

// Listing is the result of ListSessions.
type Listing struct {
	PassID   string        `json:"pass_id"`
	Files    []SessionFile `json:"files"`
	Warnings []Warning     `json:"warnings"`
}

// Indicators are note counts for the requested files and patients.
type Indicators struct {
	FileNoteCounts    map[string]int `json:"file_note_counts"`
	PatientNoteCounts map[string]int `json:"patient_note_counts"`
}

// Config wires a Service.
type Config struct {
	Registry *backend.Registry
	// Authorizer is checked before any store call. Nil skips the check.
	Authorizer discovery.Authorizer
	Discovery  discovery.Options
	// Counter backs GetIndicators. Nil makes GetIndicators a
	// ConfigurationError.
	Counter notes.Counter
	// Cache fronts Counter. A fresh cache is created when nil.
	Cache      *indicator.Cache[notes.Counts]
	DefaultTTL time.Duration
	// Traces receives one event per resolved file. May be nil.
	Traces *telemetry.Collector
}

// Service implements the session operations.
type Service struct {
	registry   *backend.Registry
	authz      discovery.Authorizer
	discOpts   discovery.Options
	counter    notes.Counter
	cache      *indicator.Cache[notes.Counts]
	defaultTTL time.Duration
	traces     *telemetry.Collector
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	if cfg.Cache == nil {
		cfg.Cache = indicator.New[notes.Counts]()
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultIndicatorTTL
	}
	return &Service{
		registry:   cfg.Registry,
		authz:      cfg.Authorizer,
		discOpts:   cfg.Discovery,
		counter:    cfg.Counter,
		cache:      cfg.Cache,
		defaultTTL: cfg.DefaultTTL,
		traces:     cfg.Traces,
	}
}

// Buckets returns the configured bucket names.
func (s *Service) Buckets() []string {
	if s.registry == nil {
		return nil
	}
	all := s.registry.All()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	return names
}

func (s *Service) bucket(name string) (backend.Backend, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &ConfigurationError{Reason: "bucket name is empty"}
	}
	if s.registry == nil {
		return nil, &ConfigurationError{Bucket: name, Reason: "no buckets configured"}
	}
	be, err := s.registry.Get(name)
	if err != nil {
		return nil, &ConfigurationError{Bucket: name, Reason: "bucket is not configured", Err: err}
	}
	return be, nil
}

// ListSessions discovers and resolves every session file in bucket. Partial
// listing failures are returned as warnings next to the recovered files.
// The result is not sorted.
func (s *Service) ListSessions(ctx context.Context, bucket string) (*Listing, error) {
	be, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}

	passID := uuid.NewString()
	log := slog.With("component", "sessions", "bucket", bucket, "pass", passID)

	res, err := discovery.NewEngine(be, s.authz, s.discOpts).Discover(ctx)
	if err != nil {
		err = classify(bucket, err)
		log.Warn("Session listing failed", "error", err)
		return nil, err
	}

	listing := &Listing{
		PassID:   passID,
		Files:    make([]SessionFile, 0, len(res.Files)),
		Warnings: warnings(res.PartialFailures),
	}

	seen := make(map[string]struct{}, len(res.Files))
	now := time.Now()
	var markers, dupes int
	for _, rec := range res.Files {
		if isMarker(rec.Path) {
			markers++
			continue
		}
		if _, ok := seen[rec.Path]; ok {
			dupes++
			continue
		}
		seen[rec.Path] = struct{}{}

		id := identity.Resolve(identity.Input{
			Path:        rec.Path,
			TherapistID: rec.TherapistID,
			Metadata:    rec.Metadata,
		})
		observe(id)
		s.traces.Record(telemetry.ResolutionEvent{
			Timestamp:        now,
			PassID:           passID,
			Bucket:           bucket,
			Path:             rec.Path,
			PatientCode:      id.PatientCode,
			PatientSource:    string(id.Trace.Patient),
			TherapistCode:    id.TherapistCode,
			TherapistSource:  string(id.Trace.Therapist),
			SessionTimestamp: id.SessionTimestamp,
			TimestampSource:  string(id.Trace.Timestamp),
		})

		listing.Files = append(listing.Files, SessionFile{
			Path:             rec.Path,
			SizeBytes:        rec.SizeBytes,
			CreatedAt:        rec.CreatedAt,
			UpdatedAt:        rec.UpdatedAt,
			PatientCode:      id.PatientCode,
			TherapistCode:    id.TherapistCode,
			SessionTimestamp: id.SessionTimestamp,
			SourceMetadata:   copyMap(rec.Metadata),
		})
	}

	log.Info("Sessions listed",
		"files", len(listing.Files),
		"warnings", len(listing.Warnings),
		"markers_skipped", markers,
		"duplicates_skipped", dupes,
	)
	return listing, nil
}

// GetIndicators returns note counts for filePaths and patientCodes, served
// from cache for ttl. Request order does not affect caching. Every requested
// identifier appears in the result.
func (s *Service) GetIndicators(ctx context.Context, filePaths, patientCodes []string, ttl time.Duration) (*Indicators, error) {
	if s.counter == nil {
		return nil, &ConfigurationError{Reason: "no note counter configured"}
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	key := indicator.Key(filePaths, patientCodes)
	counts, err := s.cache.GetOrCompute(ctx, key, ttl, func(ctx context.Context) (notes.Counts, error) {
		return s.counter.CountNotes(ctx, filePaths, patientCodes)
	})
	if err != nil {
		return nil, fmt.Errorf("sessions.GetIndicators: %w", err)
	}

	out := &Indicators{
		FileNoteCounts:    make(map[string]int, len(filePaths)),
		PatientNoteCounts: make(map[string]int, len(patientCodes)),
	}
	for _, p := range filePaths {
		out.FileNoteCounts[p] = counts.ByFile[p]
	}
	for _, p := range patientCodes {
		out.PatientNoteCounts[p] = counts.ByPatient[p]
	}
	return out, nil
}

// PublicURL returns a direct URL for an object in bucket.
func (s *Service) PublicURL(bucket, objectPath string) (string, error) {
	be, err := s.bucket(bucket)
	if err != nil {
		return "", err
	}
	u := be.PublicURL(objectPath)
	if u == "" {
		return "", &ConfigurationError{Bucket: bucket, Reason: "bucket has no public base URL"}
	}
	return u, nil
}

// Download returns an object's contents. Objects over opts.MaxSize fail with
// an error wrapping backend.ErrTooLarge.
func (s *Service) Download(ctx context.Context, bucket, objectPath string, opts backend.DownloadOptions) ([]byte, error) {
	be, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	if s.authz != nil {
		if _, err := s.authz.Session(ctx, bucket); err != nil {
			return nil, &AuthError{Bucket: bucket, Err: err}
		}
	}
	data, err := be.Download(ctx, objectPath, opts)
	if err != nil {
		return nil, classify(bucket, fmt.Errorf("sessions.Download: %w", err))
	}
	return data, nil
}

// isMarker reports whether p names a folder placeholder such as
// ".emptyFolderPlaceholder" or ".keep".
func isMarker(p string) bool {
	return strings.HasPrefix(path.Base(p), ".")
}

func warnings(failures []discovery.PartialFailure) []Warning {
	out := make([]Warning, 0, len(failures))
	for _, f := range failures {
		w := Warning{Subdirectory: f.Subdirectory, Kind: f.Kind}
		switch f.Subdirectory {
		case discovery.DeadlineLabel:
			w.Message = "Listing timed out; some files may be missing"
		default:
			w.Message = fmt.Sprintf("Files could not be listed from subdirectory %s: %s", f.Subdirectory, f.Error)
		}
		out = append(out, w)
	}
	return out
}

func observe(id identity.Identity) {
	metrics.IdentityResolutions.WithLabelValues("patient", string(id.Trace.Patient)).Inc()
	metrics.IdentityResolutions.WithLabelValues("therapist", string(id.Trace.Therapist)).Inc()
	metrics.IdentityResolutions.WithLabelValues("session_timestamp", string(id.Trace.Timestamp)).Inc()
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
