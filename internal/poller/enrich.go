package poller

import (
	"context"
	"log/slog"
	"time"

	"github.com/amishk599/gigradar/internal/metrics"
	"github.com/amishk599/gigradar/internal/model"
)

// EnrichOptions bounds the fixer-upper pass.
type EnrichOptions struct {
	MaxAge    time.Duration // jobs older than this are no longer retried
	BatchSize int
}

// Enricher looks up hiring rates on job detail pages.
type Enricher struct {
	source model.JobSource
	store  model.JobStore
	opts   EnrichOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewEnricher creates an enricher reading from source and writing late
// rates back to store.
func NewEnricher(source model.JobSource, store model.JobStore, opts EnrichOptions, logger *slog.Logger) *Enricher {
	if opts.BatchSize < 1 {
		opts.BatchSize = 20
	}
	return &Enricher{
		source: source,
		store:  store,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Enrich fetches the job's detail page. On failure the job is returned
// unchanged with its rate still unknown; the failure is logged, not returned.
func (e *Enricher) Enrich(ctx context.Context, job model.Job) model.Job {
	out, err := e.source.Detail(ctx, job)
	if err != nil {
		metrics.Enrichments.WithLabelValues("failed").Inc()
		e.logger.Warn("enrichment failed, keeping null hiring rate", "job_id", job.ID, "error", err)
		return job
	}
	if out.HiringRate.Known() {
		metrics.Enrichments.WithLabelValues("rated").Inc()
	} else {
		metrics.Enrichments.WithLabelValues("unrated").Inc()
	}
	return out
}

// FixRates retries enrichment for recent jobs whose hiring rate is still
// null. It returns the jobs that gained a rate in this pass.
func (e *Enricher) FixRates(ctx context.Context) ([]model.Job, error) {
	since := e.now().Add(-e.opts.MaxAge)
	jobs, err := e.store.JobsMissingRate(ctx, since, e.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	var rated []model.Job
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		enriched := e.Enrich(ctx, job)
		changed, err := e.store.UpdateHiringRate(ctx, job.ID, enriched.HiringRate)
		if err != nil {
			e.logger.Error("saving hiring rate", "job_id", job.ID, "error", err)
			continue
		}
		if changed {
			rated = append(rated, enriched)
		}
	}

	if len(jobs) > 0 {
		e.logger.Info("fixer-upper enrichment pass", "candidates", len(jobs), "rated", len(rated))
	}
	return rated, nil
}
