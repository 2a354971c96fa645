// Package runner executes scrape runs end to end: it resolves the provider,
// flips its status for the duration of the run, drives the extraction
// pipeline, and persists rows, task bookkeeping and errors.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LopatKing/cinema-scrapers/internal"
	"github.com/LopatKing/cinema-scrapers/internal/scraper"
	"github.com/LopatKing/cinema-scrapers/internal/store"
)

// ErrRunInProgress means the provider already has a live run; a second one
// is not started.
var ErrRunInProgress = errors.New("runner: scrape already in progress")

const defaultRunTimeout = 45 * time.Minute

type Runner struct {
	registry scraper.Registry
	store    *store.Store
	timeout  time.Duration
}

type Option func(*Runner)

// WithTimeout caps the wall-clock duration of one run.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func New(registry scraper.Registry, st *store.Store, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		store:    st,
		timeout:  defaultRunTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Scan runs one provider's full pipeline for the requested date and
// persists the outcome.
//
// At most one run per provider is ever live: the status flip to in-progress
// is a single conditional update, and a Scan that loses the claim returns
// ErrRunInProgress. The status is restored to available no matter how the
// run ends; a failed stage is
// logged to the error table, never raised past this boundary. The returned
// task reflects the completed run.
func (r *Runner) Scan(ctx context.Context, req internal.ScrapeRequest) (store.Task, error) {
	s, err := r.registry.GetScraper(req.Provider)
	if err != nil {
		return store.Task{}, err
	}
	if _, err := r.store.EnsureProvider(ctx, req.Provider, s.Country()); err != nil {
		return store.Task{}, err
	}
	claimed, err := r.store.ClaimProvider(ctx, req.Provider)
	if err != nil {
		return store.Task{}, err
	}
	if !claimed {
		return store.Task{}, fmt.Errorf("%w: %s", ErrRunInProgress, req.Provider)
	}
	defer func() {
		// Status restore must survive run cancellation, so it gets its own
		// short-lived context.
		restoreCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.SetProviderStatus(restoreCtx, req.Provider, store.StatusAvailable); err != nil {
			slog.Error("failed to restore provider status", "provider", req.Provider, "error", err)
		}
	}()

	task, err := r.store.StartTask(ctx, req)
	if err != nil {
		return store.Task{}, err
	}
	slog.Info("scrape run started", "provider", req.Provider, "date", req.DateString(), "task", task.ID)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rows, runErr := scraper.Run(runCtx, s, req)

	if len(rows) > 0 {
		if err := r.store.SaveReports(ctx, task, rows); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}
	if runErr != nil {
		slog.Error("scrape run failed", "provider", req.Provider, "task", task.ID, "error", runErr)
		if err := r.store.RecordError(ctx, req.Provider, "pipeline", runErr); err != nil {
			slog.Error("failed to record scrape error", "provider", req.Provider, "error", err)
		}
	}
	if err := r.store.FinishTask(ctx, task.ID, len(rows), runErr); err != nil {
		return store.Task{}, err
	}

	finished, _, err := r.store.LatestTask(ctx, req.Provider)
	if err != nil {
		return store.Task{}, err
	}
	slog.Info("scrape run finished", "provider", req.Provider, "task", task.ID, "rows", len(rows))
	return finished, nil
}
