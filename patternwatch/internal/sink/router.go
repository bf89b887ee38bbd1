package sink

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/phl/patternwatch/results"
)

// Router delivers each report to every sink concurrently, so a slow
// webhook does not hold up the WebSocket clients. Failures are logged and
// joined.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

// Len returns the number of sinks.
func (r *Router) Len() int { return len(r.sinks) }

func (r *Router) Send(ctx context.Context, rep results.Report) error {
	errs := make([]error, len(r.sinks))
	var g errgroup.Group
	for i, s := range r.sinks {
		g.Go(func() error {
			if err := s.Send(ctx, rep); err != nil {
				r.logger.Warn("sink: report not delivered", "page", rep.PageID, "run_id", rep.RunID, "sink", i, "error", err)
				errs[i] = err
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (r *Router) Close() error {
	var errs []error
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
