package model

import (
	"context"
	"time"
)

// JobStore is the part of the state store the poller writes to.
type JobStore interface {
	// Cursor returns the last committed job id for a category. ok is false
	// when the category has never been scraped.
	Cursor(ctx context.Context, categoryID int64) (lastSeen int64, ok bool, err error)
	// CommitScrape inserts jobs (ignoring ids already present) and, when
	// Advance is set, moves the cursor forward, in one transaction. It
	// returns only the jobs that were newly inserted.
	CommitScrape(ctx context.Context, c ScrapeCommit) ([]Job, error)
	// RecordScrape appends to the scrape log and updates category stats.
	RecordScrape(ctx context.Context, res ScrapeResult) error
	// UpdateHiringRate sets the rate of a job whose rate is still null.
	// An unknown rate only counts the failed attempt.
	UpdateHiringRate(ctx context.Context, jobID int64, rate Rate) (bool, error)
	// JobsMissingRate lists jobs discovered after since that have no rate yet.
	JobsMissingRate(ctx context.Context, since time.Time, limit int) ([]Job, error)
}

// SubscriberStore is what the matching engine reads.
type SubscriberStore interface {
	// ActiveSubscribers returns active subscribers following categoryID, or
	// every active subscriber when categoryID is 0.
	ActiveSubscribers(ctx context.Context, categoryID int64) ([]Subscriber, error)
	DeliveryStates(ctx context.Context, refs []string) (map[DeliveryKey]DeliveryStatus, error)
}

// DeliveryStore is the delivery-log side of the state store, written only by
// the notification worker.
type DeliveryStore interface {
	DeliveryStates(ctx context.Context, refs []string) (map[DeliveryKey]DeliveryStatus, error)
	// MarkSending upserts non-terminal rows to sending and bumps attempts.
	MarkSending(ctx context.Context, to Recipient, refs []string) error
	// ParkSending records rows as sending without counting an attempt.
	ParkSending(ctx context.Context, to Recipient, refs []string) error
	MarkSent(ctx context.Context, to Recipient, refs []string) error
	MarkFailed(ctx context.Context, to Recipient, refs []string, reason string) error
	// SetDeliveryError notes a retryable failure on rows that stay sending.
	SetDeliveryError(ctx context.Context, to Recipient, refs []string, reason string) error
	DisableChannel(ctx context.Context, subscriberID int64, ch Channel) error
	PendingDeliveries(ctx context.Context) ([]DeliveryRecord, error)
	Subscriber(ctx context.Context, id int64) (Subscriber, error)
	JobsByID(ctx context.Context, ids []int64) ([]Job, error)
	BroadcastByID(ctx context.Context, id string) (Broadcast, error)
}
