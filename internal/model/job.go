package model

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job is a single listing discovered on the job site. ID is the site's own
// project id and is stable across scrapes.
type Job struct {
	ID           int64      // external site id
	CategoryID   int64      // our category id
	Title        string     // listing title
	Budget       string     // raw budget text, empty when not shown
	PostedAt     *time.Time // nullable (listing may omit it)
	HiringRate   Rate       // unknown until enrichment succeeds
	URL          string     // detail page
	DiscoveredAt time.Time  // our clock (set on first commit)
}

// Ref returns the delivery-log item reference for the job.
func (j Job) Ref() string { return JobRef(j.ID) }

// Category is a listing section of the job site that subscribers follow.
type Category struct {
	ID             int64
	Name           string
	SiteRef        string // identifier the site uses in listing URLs
	Enabled        bool
	LastScrapedAt  *time.Time
	ScrapeFailures int
}

// ScrapeCursor is the highest job id already committed for a category.
type ScrapeCursor struct {
	CategoryID int64
	LastSeenID int64
	UpdatedAt  time.Time
}

// ScrapeCommit is the result of one full scrape, persisted atomically.
type ScrapeCommit struct {
	CategoryID int64
	Jobs       []Job
	Cursor     int64 // highest id seen
	Advance    bool  // false when pagination stopped on an error
	Seed       bool  // first scrape of the category: record, never notify
}

// ScrapeStatus is the outcome recorded in the scrape log.
type ScrapeStatus string

const (
	ScrapeSuccess ScrapeStatus = "success"
	ScrapePartial ScrapeStatus = "partial"
	ScrapeBlocked ScrapeStatus = "blocked"
	ScrapeError   ScrapeStatus = "error"
	ScrapeSkipped ScrapeStatus = "skipped" // host unreachable, nothing fetched
)

// ScrapeResult summarises one full scrape of a category for the scrape log.
type ScrapeResult struct {
	CategoryID int64
	Status     ScrapeStatus
	JobsFound  int
	Duration   time.Duration
	Err        error
}

// JobSource reads the external job site.
type JobSource interface {
	// Reachable performs a cheap request against the site root.
	Reachable(ctx context.Context) error
	// Newest returns only the first (newest) listing entry of a category.
	Newest(ctx context.Context, c Category) (Job, error)
	// ListingPage returns the entries of one listing page, newest first.
	// Pages are numbered from 1.
	ListingPage(ctx context.Context, c Category, page int) ([]Job, error)
	// Detail fetches the job's own page and fills HiringRate (and Budget
	// when the listing did not carry it).
	Detail(ctx context.Context, job Job) (Job, error)
}

// JobRef formats the delivery-log reference of a job.
func JobRef(id int64) string { return fmt.Sprintf("job:%d", id) }

// BroadcastRef formats the delivery-log reference of an admin broadcast.
func BroadcastRef(id string) string { return "broadcast:" + id }

// ParseJobRef extracts the job id from a JobRef.
func ParseJobRef(ref string) (int64, bool) {
	rest, ok := strings.CutPrefix(ref, "job:")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil
}

// ParseBroadcastRef extracts the broadcast id from a BroadcastRef.
func ParseBroadcastRef(ref string) (string, bool) {
	id, ok := strings.CutPrefix(ref, "broadcast:")
	return id, ok && id != ""
}
