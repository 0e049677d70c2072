// Package browse previews what a scrape of a category would find, without
// writing anything: a one-shot report for `gigradar check` and an
// interactive terminal view for `gigradar browse`.
package browse

import (
	"context"
	"fmt"

	"github.com/amishk599/gigradar/internal/model"
)

// CursorReader reads the committed scrape cursor of a category.
type CursorReader interface {
	Cursor(ctx context.Context, categoryID int64) (int64, bool, error)
}

// Preview is the first listing page of a category split by the cursor.
type Preview struct {
	Category model.Category
	Cursor   int64
	Seeded   bool        // false when the category was never scraped
	Newest   model.Job   // first listing entry
	Listing  []model.Job // page 1, newest first
	Fresh    []model.Job // entries above the cursor
}

// Changed reports whether a smart poll would trigger a full scrape.
func (p Preview) Changed() bool {
	return !p.Seeded || p.Newest.ID > p.Cursor
}

// Load runs the newest-check and reads page 1 of c. A category that was never
// scraped reports every listing entry as fresh.
func Load(ctx context.Context, source model.JobSource, cursors CursorReader, c model.Category) (Preview, error) {
	p := Preview{Category: c}

	cursor, ok, err := cursors.Cursor(ctx, c.ID)
	if err != nil {
		return p, fmt.Errorf("reading cursor: %w", err)
	}
	p.Cursor, p.Seeded = cursor, ok

	if p.Newest, err = source.Newest(ctx, c); err != nil {
		return p, fmt.Errorf("newest check: %w", err)
	}
	if p.Listing, err = source.ListingPage(ctx, c, 1); err != nil {
		return p, fmt.Errorf("listing page 1: %w", err)
	}
	for _, j := range p.Listing {
		if !p.Seeded || j.ID > p.Cursor {
			p.Fresh = append(p.Fresh, j)
		}
	}
	return p, nil
}
