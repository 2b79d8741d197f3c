package app

import (
	"context"
	"errors"
	"time"

	"github.com/ghostlyemg/emgdash/pkg/auth"
	"github.com/ghostlyemg/emgdash/pkg/backend"
	"github.com/ghostlyemg/emgdash/pkg/metrics"
)

const healthTimeout = 5 * time.Second

// RegisterHealthChecks adds one /healthz check per bucket that lists the
// bucket root. Buckets that need a per-request session report ok while no
// session is available, since the store was not reached.
func (a *App) RegisterHealthChecks() {
	for name, be := range a.Registry.All() {
		metrics.RegisterHealthCheck("bucket:"+name, BucketCheck(be))
	}
}

// BucketCheck returns a health check that lists the root of be.
func BucketCheck(be backend.Backend) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()
		_, err := be.List(ctx, "", backend.ListOptions{Limit: 1})
		if errors.Is(err, auth.ErrNoSession) {
			return nil
		}
		return err
	}
}
