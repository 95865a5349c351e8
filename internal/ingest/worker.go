// Package ingest runs the background jobs that enrich captured entries.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/flashbox/internal/failure"
	"github.com/kalambet/flashbox/internal/metrics"
	"github.com/kalambet/flashbox/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// EntryProcessor fills in the extracted text of an entry.
type EntryProcessor interface {
	Clip(ctx context.Context, entryID string) (storage.Entry, error)
	ExtractPDF(ctx context.Context, entryID string) (storage.Entry, error)
}

var jobTypes = []string{storage.JobClipURL, storage.JobExtractPDF}

// Worker processes clip_url and extract_pdf jobs from the SQLite job queue.
type Worker struct {
	store      JobStore
	processor  EntryProcessor
	poll       time.Duration
	jobTimeout time.Duration
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms. If jobTimeout is <= 0, a
// single job may run for at most one minute.
func NewWorker(store JobStore, processor EntryProcessor, pollInterval, jobTimeout time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if jobTimeout <= 0 {
		jobTimeout = time.Minute
	}
	return &Worker{
		store:      store,
		processor:  processor,
		poll:       pollInterval,
		jobTimeout: jobTimeout,
		logger:     slog.Default(),
	}
}

// WithMetrics records processed jobs in m.
func (w *Worker) WithMetrics(m *metrics.Collector) *Worker {
	w.metrics = m
	return w
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, jobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	jctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	err = w.processJob(jctx, job)
	cancel()
	w.metrics.JobProcessed(job.Type, err)

	// Bookkeeping outlives a shutdown that interrupted the job itself.
	bctx := context.WithoutCancel(ctx)
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(bctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(bctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	entryID, err := job.EntryID()
	if err != nil {
		return err
	}

	var e storage.Entry
	switch job.Type {
	case storage.JobClipURL:
		e, err = w.processor.Clip(ctx, entryID)
	case storage.JobExtractPDF:
		e, err = w.processor.ExtractPDF(ctx, entryID)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}

	switch {
	case err == nil:
		w.logger.Info("entry enriched", "job", job.Type, "entry_id", e.ID, "title", e.Title)
		return nil
	case errors.Is(err, failure.ErrNotFound):
		// The entry was deleted or synced away before its job ran.
		w.logger.Debug("entry gone, skipping job", "job", job.Type, "entry_id", entryID)
		return nil
	case errors.Is(err, failure.ErrValidation):
		w.logger.Warn("job cannot apply to entry", "job", job.Type, "entry_id", entryID, "error", err)
		return nil
	}
	return fmt.Errorf("%s %s: %w", job.Type, entryID, err)
}
