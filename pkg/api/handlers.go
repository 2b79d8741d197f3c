package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ghostlyemg/emgdash/pkg/backend"
	"github.com/ghostlyemg/emgdash/pkg/discovery"
	"github.com/ghostlyemg/emgdash/pkg/sessions"
)

// Actions tell the UI what to do about an error.
const (
	ActionSignIn             = "sign_in"
	ActionCheckConfiguration = "check_configuration"
	ActionRetry              = "retry"
	ActionNone               = "none"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Action string `json:"action"`
}

// GET /api/v1/buckets
func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	names := s.svc.Buckets()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string][]string{"buckets": names})
}

// GET /api/v1/buckets/{bucket}/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	listing, err := s.svc.ListSessions(r.Context(), chi.URLParam(r, "bucket"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// GET /api/v1/indicators?file=..&patient=..&ttl=30s
func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var ttl time.Duration
	if raw := q.Get("ttl"); raw != "" {
		d, err := parseTTL(raw)
		if err != nil {
			writeBadRequest(w, "invalid ttl: "+err.Error())
			return
		}
		ttl = d
	}
	ind, err := s.svc.GetIndicators(r.Context(), q["file"], q["patient"], ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ind)
}

// GET /api/v1/buckets/{bucket}/url?path=..
func (s *Server) handlePublicURL(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeBadRequest(w, "path is required")
		return
	}
	u, err := s.svc.PublicURL(chi.URLParam(r, "bucket"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": u})
}

// GET /api/v1/buckets/{bucket}/download?path=..
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	if p == "" {
		writeBadRequest(w, "path is required")
		return
	}
	data, err := s.svc.Download(r.Context(), chi.URLParam(r, "bucket"), p,
		backend.DownloadOptions{MaxSize: s.cfg.MaxDownloadSize})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(p)+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ─── Helpers ──────────────────────────────────────────────────

// parseTTL accepts a Go duration ("30s") or whole seconds ("30").
func parseTTL(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// StatusFor maps a service error to its HTTP status and error body.
func StatusFor(err error) (int, ErrorBody) {
	body := ErrorBody{Error: err.Error()}

	var authErr *sessions.AuthError
	var cfgErr *sessions.ConfigurationError
	var total *discovery.TotalDiscoveryError
	switch {
	case errors.As(err, &authErr):
		body.Kind, body.Action = string(discovery.KindAuth), ActionSignIn
		return http.StatusUnauthorized, body
	case errors.As(err, &cfgErr):
		body.Kind, body.Action = "configuration", ActionCheckConfiguration
		return http.StatusInternalServerError, body
	case errors.As(err, &total):
		body.Kind, body.Action = string(total.Kind()), ActionRetry
		return http.StatusServiceUnavailable, body
	case errors.Is(err, backend.ErrNotFound):
		body.Kind, body.Action = string(discovery.KindNotFound), ActionNone
		return http.StatusNotFound, body
	case errors.Is(err, backend.ErrTooLarge):
		body.Error = "object exceeds max_download_size"
		body.Kind, body.Action = "too_large", ActionNone
		return http.StatusRequestEntityTooLarge, body
	}
	body.Kind, body.Action = string(discovery.Classify(err)), ActionRetry
	return http.StatusServiceUnavailable, body
}

func writeError(w http.ResponseWriter, err error) {
	status, body := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Warn("request failed", "component", "api", "status", status, "kind", body.Kind, "error", err)
	}
	writeJSON(w, status, body)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Error: msg, Kind: "bad_request", Action: ActionNone})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", "component", "api", "error", err)
	}
}
