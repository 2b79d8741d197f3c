package sessions

import (
	"errors"
	"fmt"

	"github.com/ghostlyemg/emgdash/pkg/auth"
	"github.com/ghostlyemg/emgdash/pkg/discovery"
)

// ConfigurationError means the bucket is missing or misconfigured. Retrying
// will not help.
type ConfigurationError struct {
	Bucket string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("sessions: bucket %q: %s", e.Bucket, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// AuthError means no usable session exists. The caller must sign in again.
type AuthError struct {
	Bucket string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("sessions: bucket %q: authentication required: %v", e.Bucket, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// classify converts store and discovery errors into the package's error
// types. Errors it does not recognize are returned unchanged.
func classify(bucket string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, discovery.ErrAuth) || errors.Is(err, auth.ErrNoSession) || errors.Is(err, auth.ErrSessionExpired) {
		return &AuthError{Bucket: bucket, Err: err}
	}

	var total *discovery.TotalDiscoveryError
	if errors.As(err, &total) {
		switch total.Kind() {
		case discovery.KindAuth:
			return &AuthError{Bucket: bucket, Err: err}
		case discovery.KindNotFound, discovery.KindPermission:
			if len(total.Failures) > 0 && total.Failures[0].Subdirectory == discovery.RootLabel {
				return &ConfigurationError{Bucket: bucket, Reason: "bucket root is not listable", Err: err}
			}
		}
		return err
	}

	if discovery.Classify(err) == discovery.KindAuth {
		return &AuthError{Bucket: bucket, Err: err}
	}
	return err
}

// IsRetryable reports whether err is a failure the caller may retry as-is.
func IsRetryable(err error) bool {
	var cfgErr *ConfigurationError
	var authErr *AuthError
	return err != nil && !errors.As(err, &cfgErr) && !errors.As(err, &authErr)
}
