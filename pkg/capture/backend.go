package capture

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mcpscope/mcpscope/pkg/logging"
)

// WriteResult reports the outcome of one backend write. A backend never
// returns an error from Write: a failure is flagged here so the capture
// pipeline can log it and keep proxying.
type WriteResult struct {
	// Backend names the backend that performed the write.
	Backend string `json:"backend"`

	// Detail is a backend-specific success note (row id, file path).
	Detail string `json:"detail,omitempty"`

	// Err is set when the write failed. It never propagates to the
	// proxy request path.
	Err error `json:"-"`
}

// Failed reports whether the write failed.
func (r WriteResult) Failed() bool {
	return r.Err != nil
}

// Backend is the storage contract both log stores satisfy, so the gateway
// can swap persistence strategies without touching the builder or the
// query engine.
type Backend interface {
	// Initialize performs idempotent setup for the given location
	// (database path or directory).
	Initialize(ctx context.Context, location string) error

	// Write persists one record. Failures are reported inside the
	// result, never as an error.
	Write(ctx context.Context, rec *Record) WriteResult

	// Close releases resources, best-effort.
	Close() error
}

// Sinks fans a record out to multiple backends. Each backend's failure is
// isolated: one failing store never prevents the others from writing.
type Sinks struct {
	backends []Backend
	log      *slog.Logger
}

// NewSinks creates a fan-out writer over the given backends.
func NewSinks(log *slog.Logger, backends ...Backend) *Sinks {
	if log == nil {
		log = logging.Nop()
	}
	return &Sinks{
		backends: backends,
		log:      logging.Component(log, "capture"),
	}
}

// Write persists the record to every backend, logging failures at warn
// level. The capture path is fire-and-forget: results are returned for
// inspection but no error ever surfaces to the caller.
func (s *Sinks) Write(ctx context.Context, rec *Record) []WriteResult {
	results := make([]WriteResult, 0, len(s.backends))
	for _, backend := range s.backends {
		res := backend.Write(ctx, rec)
		if res.Failed() {
			s.log.Warn("capture write failed",
				"backend", res.Backend,
				"method", rec.Method,
				"server", rec.Metadata.ServerName,
				"error", res.Err)
		}
		results = append(results, res)
	}
	return results
}

// Close closes all backends, joining any errors.
func (s *Sinks) Close() error {
	var errs []error
	for _, backend := range s.backends {
		if err := backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
