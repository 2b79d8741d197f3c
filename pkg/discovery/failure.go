package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ghostlyemg/emgdash/pkg/auth"
	"github.com/ghostlyemg/emgdash/pkg/backend"
)

// ErrAuth marks a discovery call rejected before any store request because
// no usable session exists.
var ErrAuth = errors.New("discovery: not authenticated")

// FailureKind classifies a listing failure for the user-facing action.
type FailureKind string

const (
	KindAuth       FailureKind = "auth"
	KindNotFound   FailureKind = "not_found"
	KindPermission FailureKind = "permission"
	KindTimeout    FailureKind = "timeout"
	KindTransient  FailureKind = "transient"
)

// Subdirectory labels used in failure entries that are not tied to one
// candidate folder.
const (
	RootLabel     = "/"
	DeadlineLabel = "*"
)

// PartialFailure is one listing that did not complete.
type PartialFailure struct {
	Subdirectory string      `json:"subdirectory"`
	Error        string      `json:"error"`
	Kind         FailureKind `json:"kind"`

	err error
}

func newFailure(sub string, err error) PartialFailure {
	return PartialFailure{Subdirectory: sub, Error: err.Error(), Kind: Classify(err), err: err}
}

// Unwrap returns the underlying error, if it was captured.
func (f PartialFailure) Unwrap() error { return f.err }

// TotalDiscoveryError is returned when a pass recovered no files and at least
// one listing failed.
type TotalDiscoveryError struct {
	Bucket   string
	Failures []PartialFailure
}

func (e *TotalDiscoveryError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Subdirectory, f.Error))
	}
	return fmt.Sprintf("discovery: bucket %q: no files recovered (%s)", e.Bucket, strings.Join(parts, "; "))
}

// Unwrap exposes the captured listing errors to errors.Is / errors.As.
func (e *TotalDiscoveryError) Unwrap() []error {
	var errs []error
	for _, f := range e.Failures {
		if f.err != nil {
			errs = append(errs, f.err)
		}
	}
	return errs
}

// Kind reports the kind of the first failure, which is the root listing
// whenever the root failed.
func (e *TotalDiscoveryError) Kind() FailureKind {
	if len(e.Failures) == 0 {
		return KindTransient
	}
	return e.Failures[0].Kind
}

var (
	authMarkers       = []string{"401", "unauthorized", "jwt expired", "invalidtoken", "invalid token", "expiredtoken", "token expired"}
	permissionMarkers = []string{"403", "forbidden", "accessdenied", "access denied", "permission denied"}
	notFoundMarkers   = []string{"404", "nosuchbucket", "bucket not found", "nosuchkey", "not found"}
	timeoutMarkers    = []string{"timeout", "timed out", "deadline exceeded"}
)

// Classify maps a listing error to a FailureKind. Sentinel errors are checked
// first; remaining errors are matched on message content since object store
// SDKs rarely expose typed errors for these cases.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrAuth), errors.Is(err, auth.ErrNoSession), errors.Is(err, auth.ErrSessionExpired):
		return KindAuth
	case errors.Is(err, backend.ErrNotFound):
		return KindNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, authMarkers):
		return KindAuth
	case containsAny(msg, permissionMarkers):
		return KindPermission
	case containsAny(msg, notFoundMarkers):
		return KindNotFound
	case containsAny(msg, timeoutMarkers):
		return KindTimeout
	}
	return KindTransient
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
