package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/amishk599/gigradar/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS categories (
	id              INTEGER PRIMARY KEY,
	name            TEXT    NOT NULL,
	site_ref        TEXT    NOT NULL DEFAULT '',
	enabled         INTEGER NOT NULL DEFAULT 1,
	last_scraped_at INTEGER,
	scrape_failures INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS subscribers (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	email                 TEXT    NOT NULL DEFAULT '',
	chat_id               TEXT    NOT NULL DEFAULT '',
	link_token            TEXT    NOT NULL DEFAULT '',
	link_token_expires_at INTEGER,
	unsubscribe_token     TEXT    NOT NULL DEFAULT '',
	min_hiring_rate       REAL,
	receive_email         INTEGER NOT NULL DEFAULT 1,
	receive_chat          INTEGER NOT NULL DEFAULT 0,
	status                TEXT    NOT NULL DEFAULT 'pending',
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL,
	last_notified_at      INTEGER
);

CREATE TABLE IF NOT EXISTS subscriber_categories (
	subscriber_id INTEGER NOT NULL,
	category_id   INTEGER NOT NULL,
	PRIMARY KEY (subscriber_id, category_id)
);

CREATE TABLE IF NOT EXISTS jobs (
	id              INTEGER PRIMARY KEY,
	category_id     INTEGER NOT NULL,
	title           TEXT    NOT NULL,
	budget          TEXT    NOT NULL DEFAULT '',
	posted_at       INTEGER,
	hiring_rate     REAL,
	url             TEXT    NOT NULL DEFAULT '',
	discovered_at   INTEGER NOT NULL,
	enriched_at     INTEGER,
	enrich_attempts INTEGER NOT NULL DEFAULT 0,
	seeded          INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_discovered ON jobs (discovered_at);

CREATE TABLE IF NOT EXISTS scrape_cursors (
	category_id  INTEGER PRIMARY KEY,
	last_seen_id INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS delivery_log (
	subscriber_id INTEGER NOT NULL,
	item_ref      TEXT    NOT NULL,
	channel       TEXT    NOT NULL,
	status        TEXT    NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT    NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	PRIMARY KEY (subscriber_id, item_ref, channel)
);
CREATE INDEX IF NOT EXISTS idx_delivery_status ON delivery_log (status);

CREATE TABLE IF NOT EXISTS broadcasts (
	id            TEXT    PRIMARY KEY,
	message       TEXT    NOT NULL,
	created_at    INTEGER NOT NULL,
	dispatched_at INTEGER
);

CREATE TABLE IF NOT EXISTS scrape_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	category_id INTEGER NOT NULL,
	status      TEXT    NOT NULL,
	jobs_found  INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error       TEXT    NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);`

var (
	_ model.JobStore        = (*SQLiteStore)(nil)
	_ model.SubscriberStore = (*SQLiteStore)(nil)
	_ model.DeliveryStore   = (*SQLiteStore)(nil)
)

// SQLiteStore is the transactional state store: categories, subscribers,
// jobs, scrape cursors, the delivery log and broadcasts. Timestamps are kept
// as unix milliseconds so range queries compare numerically.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath in WAL mode
// and ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Verify the connection is alive.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return newStoreWithDB(db), nil
}

func newStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) stamp() int64 { return s.now().UnixMilli() }

func storageErr(op string, err error) error {
	return &model.StorageError{Op: op, Err: err}
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// --- categories ---

// SyncCategories upserts the configured categories. Existing rows keep
// their scrape stats.
func (s *SQLiteStore) SyncCategories(ctx context.Context, cats []model.Category) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("sync categories", err)
	}
	defer tx.Rollback()

	for _, c := range cats {
		_, err := tx.ExecContext(ctx, `INSERT INTO categories (id, name, site_ref, enabled) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, site_ref = excluded.site_ref, enabled = excluded.enabled`,
			c.ID, c.Name, c.SiteRef, c.Enabled)
		if err != nil {
			return storageErr("sync categories", fmt.Errorf("category %d: %w", c.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("sync categories", err)
	}
	return nil
}

// CategoryStatus is a category with its cursor and job count, for status output.
type CategoryStatus struct {
	model.Category
	LastSeenID int64
	HasCursor  bool
	JobCount   int
}

// Categories returns every category ordered by id, with scrape stats.
func (s *SQLiteStore) Categories(ctx context.Context) ([]CategoryStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.name, c.site_ref, c.enabled, c.last_scraped_at, c.scrape_failures,
			sc.last_seen_id, (SELECT COUNT(*) FROM jobs j WHERE j.category_id = c.id)
		FROM categories c LEFT JOIN scrape_cursors sc ON sc.category_id = c.id
		ORDER BY c.id`)
	if err != nil {
		return nil, storageErr("list categories", err)
	}
	defer rows.Close()

	var out []CategoryStatus
	for rows.Next() {
		var (
			cs      CategoryStatus
			scraped sql.NullInt64
			cursor  sql.NullInt64
		)
		if err := rows.Scan(&cs.ID, &cs.Name, &cs.SiteRef, &cs.Enabled, &scraped, &cs.ScrapeFailures, &cursor, &cs.JobCount); err != nil {
			return nil, storageErr("list categories", err)
		}
		cs.LastScrapedAt = nullTime(scraped)
		cs.LastSeenID, cs.HasCursor = cursor.Int64, cursor.Valid
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list categories", err)
	}
	return out, nil
}

// --- jobs and cursors ---

// Cursor returns the last committed job id for a category.
func (s *SQLiteStore) Cursor(ctx context.Context, categoryID int64) (int64, bool, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, "SELECT last_seen_id FROM scrape_cursors WHERE category_id = ?", categoryID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr("read cursor", err)
	}
	return last, true, nil
}

// CommitScrape inserts the scraped jobs and optionally advances the category
// cursor in a single transaction. Job ids already present are left
// untouched. The cursor never moves backwards. On any error nothing is
// persisted. It returns the jobs that were newly inserted.
func (s *SQLiteStore) CommitScrape(ctx context.Context, c model.ScrapeCommit) ([]model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("commit scrape", err)
	}
	defer tx.Rollback()

	now := s.stamp()
	var inserted []model.Job
	for _, j := range c.Jobs {
		var enrichedAt any
		if j.HiringRate.Known() {
			enrichedAt = now
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO jobs
			(id, category_id, title, budget, posted_at, hiring_rate, url, discovered_at, enriched_at, seeded)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, c.CategoryID, j.Title, j.Budget, timeArg(j.PostedAt), j.HiringRate, j.URL, now, enrichedAt, c.Seed)
		if err != nil {
			return nil, storageErr("commit scrape", fmt.Errorf("insert job %d: %w", j.ID, err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, storageErr("commit scrape", err)
		}
		if n == 1 {
			j.CategoryID = c.CategoryID
			j.DiscoveredAt = fromMillis(now)
			inserted = append(inserted, j)
		}
	}

	if c.Advance {
		_, err := tx.ExecContext(ctx, `INSERT INTO scrape_cursors (category_id, last_seen_id, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(category_id) DO UPDATE SET
				last_seen_id = MAX(scrape_cursors.last_seen_id, excluded.last_seen_id),
				updated_at = excluded.updated_at`,
			c.CategoryID, c.Cursor, now)
		if err != nil {
			return nil, storageErr("commit scrape", fmt.Errorf("advance cursor: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit scrape", err)
	}
	return inserted, nil
}

// RecordScrape appends a scrape-log row and updates the category's
// last_scraped_at and consecutive failure counter.
func (s *SQLiteStore) RecordScrape(ctx context.Context, res model.ScrapeResult) error {
	now := s.stamp()
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("record scrape", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO scrape_log (category_id, status, jobs_found, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		res.CategoryID, string(res.Status), res.JobsFound, res.Duration.Milliseconds(), errText, now); err != nil {
		return storageErr("record scrape", err)
	}

	update := "UPDATE categories SET last_scraped_at = ?, scrape_failures = scrape_failures + 1 WHERE id = ?"
	if res.Status == model.ScrapeSuccess {
		update = "UPDATE categories SET last_scraped_at = ?, scrape_failures = 0 WHERE id = ?"
	}
	if _, err := tx.ExecContext(ctx, update, now, res.CategoryID); err != nil {
		return storageErr("record scrape", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("record scrape", err)
	}
	return nil
}

// UpdateHiringRate sets a job's hiring rate if it is still null. It reports
// whether the row changed. A rate once set is never overwritten.
func (s *SQLiteStore) UpdateHiringRate(ctx context.Context, jobID int64, rate model.Rate) (bool, error) {
	if !rate.Known() {
		_, err := s.db.ExecContext(ctx, "UPDATE jobs SET enrich_attempts = enrich_attempts + 1 WHERE id = ?", jobID)
		if err != nil {
			return false, storageErr("update hiring rate", err)
		}
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET hiring_rate = ?, enriched_at = ?, enrich_attempts = enrich_attempts + 1
		WHERE id = ? AND hiring_rate IS NULL`, rate, s.stamp(), jobID)
	if err != nil {
		return false, storageErr("update hiring rate", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("update hiring rate", err)
	}
	return n == 1, nil
}

const jobColumns = "id, category_id, title, budget, posted_at, hiring_rate, url, discovered_at"

func scanJobs(rows *sql.Rows) ([]model.Job, error) {
	defer rows.Close()
	var out []model.Job
	for rows.Next() {
		var (
			j          model.Job
			posted     sql.NullInt64
			discovered int64
		)
		if err := rows.Scan(&j.ID, &j.CategoryID, &j.Title, &j.Budget, &posted, &j.HiringRate, &j.URL, &discovered); err != nil {
			return nil, err
		}
		j.PostedAt = nullTime(posted)
		j.DiscoveredAt = fromMillis(discovered)
		out = append(out, j)
	}
	return out, rows.Err()
}

// JobsMissingRate lists jobs with a null hiring rate discovered after since,
// least-attempted and newest first. Seeded jobs are never notified and are
// not listed.
func (s *SQLiteStore) JobsMissingRate(ctx context.Context, since time.Time, limit int) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE hiring_rate IS NULL AND seeded = 0 AND discovered_at >= ?
		ORDER BY enrich_attempts ASC, id DESC LIMIT ?`, since.UnixMilli(), limit)
	if err != nil {
		return nil, storageErr("jobs missing rate", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, storageErr("jobs missing rate", err)
	}
	return jobs, nil
}

// JobsByID loads jobs by id, newest first. Unknown ids are skipped.
func (s *SQLiteStore) JobsByID(ctx context.Context, ids []int64) ([]model.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id DESC`, args...)
	if err != nil {
		return nil, storageErr("jobs by id", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, storageErr("jobs by id", err)
	}
	return jobs, nil
}

// JobsDiscoveredSince lists notifiable jobs discovered at or after since,
// oldest first.
func (s *SQLiteStore) JobsDiscoveredSince(ctx context.Context, since time.Time) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE seeded = 0 AND discovered_at >= ? ORDER BY discovered_at, id`, since.UnixMilli())
	if err != nil {
		return nil, storageErr("jobs discovered since", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, storageErr("jobs discovered since", err)
	}
	return jobs, nil
}

// --- subscribers ---

const subscriberColumns = `id, email, chat_id, link_token, link_token_expires_at, unsubscribe_token, min_hiring_rate,
	receive_email, receive_chat, status, created_at, updated_at, last_notified_at`

func (s *SQLiteStore) querySubscribers(ctx context.Context, query string, args ...any) ([]model.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []model.Subscriber
	for rows.Next() {
		var (
			sub               model.Subscriber
			status            string
			expires, notified sql.NullInt64
			created, updated  int64
		)
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.ChatID, &sub.LinkToken, &expires, &sub.UnsubscribeToken,
			&sub.MinHiringRate, &sub.ReceiveEmail, &sub.ReceiveChat, &status, &created, &updated, &notified); err != nil {
			return nil, err
		}
		sub.Status = model.SubscriberStatus(status)
		sub.LinkTokenExpiresAt = nullTime(expires)
		sub.LastNotifiedAt = nullTime(notified)
		sub.CreatedAt = fromMillis(created)
		sub.UpdatedAt = fromMillis(updated)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range subs {
		ids, err := s.subscriberCategories(ctx, subs[i].ID)
		if err != nil {
			return nil, err
		}
		subs[i].CategoryIDs = ids
	}
	return subs, nil
}

func (s *SQLiteStore) subscriberCategories(ctx context.Context, subscriberID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT category_id FROM subscriber_categories WHERE subscriber_id = ? ORDER BY category_id", subscriberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveSubscribers returns active subscribers following categoryID, or all
// active subscribers when categoryID is 0.
func (s *SQLiteStore) ActiveSubscribers(ctx context.Context, categoryID int64) ([]model.Subscriber, error) {
	var (
		subs []model.Subscriber
		err  error
	)
	if categoryID == 0 {
		subs, err = s.querySubscribers(ctx, "SELECT "+subscriberColumns+" FROM subscribers WHERE status = ? ORDER BY id",
			string(model.StatusActive))
	} else {
		subs, err = s.querySubscribers(ctx, "SELECT "+subscriberColumns+` FROM subscribers
			WHERE status = ? AND id IN (SELECT subscriber_id FROM subscriber_categories WHERE category_id = ?)
			ORDER BY id`, string(model.StatusActive), categoryID)
	}
	if err != nil {
		return nil, storageErr("active subscribers", err)
	}
	return subs, nil
}

// Subscriber loads one subscriber by id.
func (s *SQLiteStore) Subscriber(ctx context.Context, id int64) (model.Subscriber, error) {
	subs, err := s.querySubscribers(ctx, "SELECT "+subscriberColumns+" FROM subscribers WHERE id = ?", id)
	if err != nil {
		return model.Subscriber{}, storageErr("load subscriber", err)
	}
	if len(subs) == 0 {
		return model.Subscriber{}, fmt.Errorf("subscriber %d: %w", id, model.ErrNotFound)
	}
	return subs[0], nil
}

// CreateSubscriber inserts a subscriber with its category set and returns
// its id. Subscribers are normally written by the subscription API; this is
// used for seeding and tests.
func (s *SQLiteStore) CreateSubscriber(ctx context.Context, sub model.Subscriber) (int64, error) {
	created := sub.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	status := sub.Status
	if status == "" {
		status = model.StatusPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("create subscriber", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO subscribers
		(email, chat_id, link_token, link_token_expires_at, unsubscribe_token, min_hiring_rate,
		 receive_email, receive_chat, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.Email, sub.ChatID, sub.LinkToken, timeArg(sub.LinkTokenExpiresAt), sub.UnsubscribeToken, sub.MinHiringRate,
		sub.ReceiveEmail, sub.ReceiveChat, string(status), created.UnixMilli(), created.UnixMilli())
	if err != nil {
		return 0, storageErr("create subscriber", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("create subscriber", err)
	}
	for _, catID := range sub.CategoryIDs {
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO subscriber_categories (subscriber_id, category_id) VALUES (?, ?)", id, catID); err != nil {
			return 0, storageErr("create subscriber", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("create subscriber", err)
	}
	return id, nil
}

// DisableChannel turns off a channel the subscriber can no longer be reached on.
func (s *SQLiteStore) DisableChannel(ctx context.Context, subscriberID int64, ch model.Channel) error {
	var column string
	switch ch {
	case model.ChannelEmail:
		column = "receive_email"
	case model.ChannelTelegram:
		column = "receive_chat"
	default:
		return fmt.Errorf("disable channel: unknown channel %q", ch)
	}
	_, err := s.db.ExecContext(ctx, "UPDATE subscribers SET "+column+" = 0, updated_at = ? WHERE id = ?", s.stamp(), subscriberID)
	if err != nil {
		return storageErr("disable channel", err)
	}
	return nil
}

// --- delivery log ---

// DeliveryStates returns the delivery-log status of every row whose item
// ref is in refs.
func (s *SQLiteStore) DeliveryStates(ctx context.Context, refs []string) (map[model.DeliveryKey]model.DeliveryStatus, error) {
	out := make(map[model.DeliveryKey]model.DeliveryStatus)
	if len(refs) == 0 {
		return out, nil
	}
	args := make([]any, len(refs))
	for i, r := range refs {
		args[i] = r
	}
	rows, err := s.db.QueryContext(ctx, "SELECT subscriber_id, item_ref, channel, status FROM delivery_log WHERE item_ref IN ("+placeholders(len(refs))+")", args...)
	if err != nil {
		return nil, storageErr("delivery states", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k               model.DeliveryKey
			channel, status string
		)
		if err := rows.Scan(&k.SubscriberID, &k.Ref, &channel, &status); err != nil {
			return nil, storageErr("delivery states", err)
		}
		k.Channel = model.Channel(channel)
		out[k] = model.DeliveryStatus(status)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("delivery states", err)
	}
	return out, nil
}

// execRefs runs stmt once per ref inside one transaction, with the
// arguments built by args.
func (s *SQLiteStore) execRefs(ctx context.Context, op, stmt string, refs []string, args func(now int64, ref string) []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer tx.Rollback()

	now := s.stamp()
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, stmt, args(now, ref)...); err != nil {
			return storageErr(op, fmt.Errorf("%s: %w", ref, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// MarkSending records a delivery attempt. New rows start at one attempt;
// rows already sending have their attempt count bumped. Terminal rows are
// left untouched.
func (s *SQLiteStore) MarkSending(ctx context.Context, to model.Recipient, refs []string) error {
	return s.execRefs(ctx, "mark sending", `INSERT INTO delivery_log
		(subscriber_id, item_ref, channel, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, 'sending', 1, ?, ?)
		ON CONFLICT(subscriber_id, item_ref, channel) DO UPDATE SET
			attempts = delivery_log.attempts + 1, updated_at = excluded.updated_at
		WHERE delivery_log.status = 'sending'`, refs, func(now int64, ref string) []any {
		return []any{to.SubscriberID, ref, string(to.Channel), now, now}
	})
}

// ParkSending records rows as sending without counting an attempt, so work
// left in the queue at shutdown is picked up on the next start.
func (s *SQLiteStore) ParkSending(ctx context.Context, to model.Recipient, refs []string) error {
	return s.execRefs(ctx, "park sending", `INSERT INTO delivery_log
		(subscriber_id, item_ref, channel, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, 'sending', 0, ?, ?)
		ON CONFLICT(subscriber_id, item_ref, channel) DO NOTHING`, refs, func(now int64, ref string) []any {
		return []any{to.SubscriberID, ref, string(to.Channel), now, now}
	})
}

// MarkSent flips sending rows to sent and stamps the subscriber's
// last_notified_at. A sent row is never modified again.
func (s *SQLiteStore) MarkSent(ctx context.Context, to model.Recipient, refs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("mark sent", err)
	}
	defer tx.Rollback()

	now := s.stamp()
	for _, ref := range refs {
		_, err := tx.ExecContext(ctx, `UPDATE delivery_log SET status = 'sent', last_error = '', updated_at = ?
			WHERE subscriber_id = ? AND item_ref = ? AND channel = ? AND status = 'sending'`,
			now, to.SubscriberID, ref, string(to.Channel))
		if err != nil {
			return storageErr("mark sent", fmt.Errorf("%s: %w", ref, err))
		}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE subscribers SET last_notified_at = ? WHERE id = ?", now, to.SubscriberID); err != nil {
		return storageErr("mark sent", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("mark sent", err)
	}
	return nil
}

// MarkFailed moves sending rows to failed_permanent with the failure reason.
func (s *SQLiteStore) MarkFailed(ctx context.Context, to model.Recipient, refs []string, reason string) error {
	return s.execRefs(ctx, "mark failed", `UPDATE delivery_log SET status = 'failed_permanent', last_error = ?, updated_at = ?
		WHERE subscriber_id = ? AND item_ref = ? AND channel = ? AND status = 'sending'`, refs, func(now int64, ref string) []any {
		return []any{reason, now, to.SubscriberID, ref, string(to.Channel)}
	})
}

// SetDeliveryError records the last retryable error on sending rows.
func (s *SQLiteStore) SetDeliveryError(ctx context.Context, to model.Recipient, refs []string, reason string) error {
	return s.execRefs(ctx, "set delivery error", `UPDATE delivery_log SET last_error = ?, updated_at = ?
		WHERE subscriber_id = ? AND item_ref = ? AND channel = ? AND status = 'sending'`, refs, func(now int64, ref string) []any {
		return []any{reason, now, to.SubscriberID, ref, string(to.Channel)}
	})
}

// PendingDeliveries returns every sending row, grouped by subscriber and
// channel in creation order. This is the resumption set after a restart.
func (s *SQLiteStore) PendingDeliveries(ctx context.Context) ([]model.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subscriber_id, item_ref, channel, status, attempts, last_error, created_at, updated_at
		FROM delivery_log WHERE status = 'sending' ORDER BY subscriber_id, channel, created_at, item_ref`)
	if err != nil {
		return nil, storageErr("pending deliveries", err)
	}
	defer rows.Close()

	var out []model.DeliveryRecord
	for rows.Next() {
		var (
			r                model.DeliveryRecord
			channel, status  string
			created, updated int64
		)
		if err := rows.Scan(&r.SubscriberID, &r.Ref, &channel, &status, &r.Attempts, &r.LastError, &created, &updated); err != nil {
			return nil, storageErr("pending deliveries", err)
		}
		r.Channel = model.Channel(channel)
		r.Status = model.DeliveryStatus(status)
		r.CreatedAt = fromMillis(created)
		r.UpdatedAt = fromMillis(updated)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("pending deliveries", err)
	}
	return out, nil
}

// DeliveryRecord loads one delivery-log row.
func (s *SQLiteStore) DeliveryRecord(ctx context.Context, key model.DeliveryKey) (model.DeliveryRecord, error) {
	var (
		r                model.DeliveryRecord
		status           string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT status, attempts, last_error, created_at, updated_at FROM delivery_log
		WHERE subscriber_id = ? AND item_ref = ? AND channel = ?`, key.SubscriberID, key.Ref, string(key.Channel)).
		Scan(&status, &r.Attempts, &r.LastError, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryRecord{}, fmt.Errorf("delivery %v: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return model.DeliveryRecord{}, storageErr("load delivery", err)
	}
	r.SubscriberID, r.Ref, r.Channel = key.SubscriberID, key.Ref, key.Channel
	r.Status = model.DeliveryStatus(status)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

// --- broadcasts ---

// CreateBroadcast stores an admin announcement for the running poller to pick up.
func (s *SQLiteStore) CreateBroadcast(ctx context.Context, message string) (model.Broadcast, error) {
	b := model.Broadcast{ID: uuid.NewString(), Message: message, CreatedAt: fromMillis(s.stamp())}
	_, err := s.db.ExecContext(ctx, "INSERT INTO broadcasts (id, message, created_at) VALUES (?, ?, ?)",
		b.ID, b.Message, b.CreatedAt.UnixMilli())
	if err != nil {
		return model.Broadcast{}, storageErr("create broadcast", err)
	}
	return b, nil
}

func (s *SQLiteStore) queryBroadcasts(ctx context.Context, query string, args ...any) ([]model.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Broadcast
	for rows.Next() {
		var (
			b          model.Broadcast
			created    int64
			dispatched sql.NullInt64
		)
		if err := rows.Scan(&b.ID, &b.Message, &created, &dispatched); err != nil {
			return nil, err
		}
		b.CreatedAt = fromMillis(created)
		b.DispatchedAt = nullTime(dispatched)
		out = append(out, b)
	}
	return out, rows.Err()
}

// PendingBroadcasts returns broadcasts not yet expanded into tasks, oldest first.
func (s *SQLiteStore) PendingBroadcasts(ctx context.Context) ([]model.Broadcast, error) {
	out, err := s.queryBroadcasts(ctx, "SELECT id, message, created_at, dispatched_at FROM broadcasts WHERE dispatched_at IS NULL ORDER BY created_at, id")
	if err != nil {
		return nil, storageErr("pending broadcasts", err)
	}
	return out, nil
}

// BroadcastByID loads one broadcast.
func (s *SQLiteStore) BroadcastByID(ctx context.Context, id string) (model.Broadcast, error) {
	out, err := s.queryBroadcasts(ctx, "SELECT id, message, created_at, dispatched_at FROM broadcasts WHERE id = ?", id)
	if err != nil {
		return model.Broadcast{}, storageErr("load broadcast", err)
	}
	if len(out) == 0 {
		return model.Broadcast{}, fmt.Errorf("broadcast %s: %w", id, model.ErrNotFound)
	}
	return out[0], nil
}

// MarkBroadcastDispatched records that a broadcast's tasks were enqueued.
func (s *SQLiteStore) MarkBroadcastDispatched(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE broadcasts SET dispatched_at = ? WHERE id = ? AND dispatched_at IS NULL", s.stamp(), id)
	if err != nil {
		return storageErr("mark broadcast dispatched", err)
	}
	return nil
}
