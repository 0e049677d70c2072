package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amishk599/gigradar/internal/metrics"
	"github.com/amishk599/gigradar/internal/model"
)

// Options bounds one category scrape.
type Options struct {
	MaxPages int // hard pagination ceiling per full scrape
}

// CategoryPoller owns the scrape pipeline for a single category:
// newest-check → paginate → enrich → commit jobs and cursor.
type CategoryPoller struct {
	Category model.Category
	source   model.JobSource
	store    model.JobStore
	enricher *Enricher
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewCategoryPoller creates a poller wired with all its dependencies.
func NewCategoryPoller(
	category model.Category,
	source model.JobSource,
	store model.JobStore,
	enricher *Enricher,
	opts Options,
	logger *slog.Logger,
) *CategoryPoller {
	if opts.MaxPages < 1 {
		opts.MaxPages = 1
	}
	return &CategoryPoller{
		Category: category,
		source:   source,
		store:    store,
		enricher: enricher,
		opts:     opts,
		logger:   logger.With("category", category.Name),
		now:      time.Now,
	}
}

// Poll runs one cycle for the category. With full unset it only scrapes
// when the newest listing entry is above the cursor. It returns the jobs
// that should be handed to matching.
func (p *CategoryPoller) Poll(ctx context.Context, full bool) ([]model.Job, error) {
	if !full {
		newest, changed, err := p.CheckNewest(ctx)
		if err != nil {
			return nil, err
		}
		if !changed {
			p.logger.Debug("newest unchanged, skipping full scrape", "newest_id", newest)
			return nil, nil
		}
		p.logger.Info("new job detected, doing full scrape", "newest_id", newest)
	}
	return p.FullScrape(ctx)
}

// CheckNewest fetches only the newest listing entry and reports whether it
// is above the stored cursor. A category with no cursor always counts as
// changed.
func (p *CategoryPoller) CheckNewest(ctx context.Context) (int64, bool, error) {
	cursor, ok, err := p.store.Cursor(ctx, p.Category.ID)
	if err != nil {
		return 0, false, fmt.Errorf("checking %s: %w", p.Category.Name, err)
	}
	job, err := p.source.Newest(ctx, p.Category)
	if err != nil {
		return 0, false, fmt.Errorf("checking %s: %w", p.Category.Name, err)
	}
	return job.ID, !ok || job.ID > cursor, nil
}

// FullScrape paginates the listing newest to oldest until it reaches an id
// at or below the cursor, an empty page, or the page ceiling. New entries
// are enriched and committed together with the advanced cursor. A page that
// fails after retries stops pagination: what was found is still committed
// but the cursor stays put, so the next cycle covers the gap. Hitting the
// page ceiling before the cursor still advances it; the scrape is logged as
// partial since entries past the ceiling are never seen.
//
// The first scrape of a category only seeds the cursor from page one and
// hands nothing to matching.
func (p *CategoryPoller) FullScrape(ctx context.Context) ([]model.Job, error) {
	start := p.now()

	cursor, hasCursor, err := p.store.Cursor(ctx, p.Category.ID)
	if err != nil {
		p.record(ctx, model.ScrapeError, 0, start, err)
		return nil, fmt.Errorf("scraping %s: %w", p.Category.Name, err)
	}
	seed := !hasCursor
	maxPages := p.opts.MaxPages
	if seed {
		maxPages = 1
	}

	var (
		found    []model.Job
		seen     = make(map[int64]bool)
		highest  = cursor
		complete bool
		pageErr  error
		gap      error // ceiling hit before the cursor
	)
	for page := 1; page <= maxPages; page++ {
		jobs, err := p.source.ListingPage(ctx, p.Category, page)
		if err != nil {
			pageErr = fmt.Errorf("page %d: %w", page, err)
			p.logger.Warn("listing page failed, stopping pagination", "page", page, "error", err)
			break
		}
		if len(jobs) == 0 {
			complete = true
			break
		}

		reached := false
		for _, j := range jobs {
			if hasCursor && j.ID <= cursor {
				reached = true
				continue
			}
			if seen[j.ID] {
				continue
			}
			seen[j.ID] = true
			found = append(found, j)
			highest = max(highest, j.ID)
		}
		if reached {
			complete = true
			break
		}
		if page == maxPages {
			if !seed {
				gap = fmt.Errorf("page ceiling %d reached before cursor %d; older entries skipped", maxPages, cursor)
				p.logger.Warn("page ceiling reached before cursor", "max_pages", maxPages, "cursor", cursor)
			}
			complete = true
		}
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("scraping %s: %w", p.Category.Name, ctx.Err())
	}

	if !seed {
		for i := range found {
			if ctx.Err() != nil {
				break
			}
			found[i] = p.enricher.Enrich(ctx, found[i])
		}
	}

	advance := complete && pageErr == nil
	inserted, err := p.store.CommitScrape(ctx, model.ScrapeCommit{
		CategoryID: p.Category.ID,
		Jobs:       found,
		Cursor:     highest,
		Advance:    advance,
		Seed:       seed,
	})
	if err != nil {
		p.record(ctx, model.ScrapeError, len(found), start, err)
		return nil, fmt.Errorf("scraping %s: %w", p.Category.Name, err)
	}

	status := model.ScrapeSuccess
	logErr := pageErr
	switch {
	case pageErr == nil && gap != nil:
		status, logErr = model.ScrapePartial, gap
	case pageErr == nil:
	case errors.Is(pageErr, model.ErrBlocked):
		status = model.ScrapeBlocked
	case len(found) > 0:
		status = model.ScrapePartial
	default:
		status = model.ScrapeError
	}
	p.record(ctx, status, len(inserted), start, logErr)
	metrics.JobsDiscovered.WithLabelValues(p.Category.Name).Add(float64(len(inserted)))

	p.logger.Info("scraped category",
		"status", status,
		"found", len(found),
		"new", len(inserted),
		"cursor", highest,
		"advanced", advance,
		"seed", seed,
	)

	if seed {
		return nil, nil
	}
	if pageErr != nil && len(inserted) == 0 {
		return nil, fmt.Errorf("scraping %s: %w", p.Category.Name, pageErr)
	}
	return inserted, nil
}

// record writes the scrape log. A failure to log never fails the scrape.
func (p *CategoryPoller) record(ctx context.Context, status model.ScrapeStatus, found int, start time.Time, scrapeErr error) {
	d := p.now().Sub(start)
	metrics.Scrapes.WithLabelValues(p.Category.Name, string(status)).Inc()
	metrics.ScrapeDuration.WithLabelValues(p.Category.Name).Observe(d.Seconds())

	err := p.store.RecordScrape(ctx, model.ScrapeResult{
		CategoryID: p.Category.ID,
		Status:     status,
		JobsFound:  found,
		Duration:   d,
		Err:        scrapeErr,
	})
	if err != nil {
		p.logger.Error("recording scrape result", "error", err)
	}
}

// RecordSkipped logs a cycle skipped because the site was unreachable.
func (p *CategoryPoller) RecordSkipped(ctx context.Context, reason error) {
	p.record(ctx, model.ScrapeSkipped, 0, p.now(), reason)
}
