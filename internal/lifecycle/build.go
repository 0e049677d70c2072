package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amishk599/gigradar/internal/adapter"
	"github.com/amishk599/gigradar/internal/config"
	"github.com/amishk599/gigradar/internal/dispatch"
	"github.com/amishk599/gigradar/internal/match"
	"github.com/amishk599/gigradar/internal/metrics"
	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/poller"
	"github.com/amishk599/gigradar/internal/queue"
	"github.com/amishk599/gigradar/internal/ratelimit"
	"github.com/amishk599/gigradar/internal/render"
	"github.com/amishk599/gigradar/internal/retry"
	"github.com/amishk599/gigradar/internal/scheduler"
	"github.com/amishk599/gigradar/internal/store"
)

const (
	categoryPause = time.Second
	// deliveryTimeout bounds one outbound delivery call on any channel.
	deliveryTimeout = 15 * time.Second
)

// Categories converts the configured categories to their model form.
func Categories(cfgs []config.CategoryConfig) []model.Category {
	out := make([]model.Category, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, model.Category{ID: c.ID, Name: c.Name, SiteRef: c.SiteRef, Enabled: c.Enabled})
	}
	return out
}

// Source builds the site scraper wrapped with throttling and retries.
func Source(cfg *config.Config, logger *slog.Logger) (model.JobSource, error) {
	client := &http.Client{Timeout: cfg.Scraper.Timeout}
	site, err := adapter.NewMostaqlAdapter(adapter.Site{
		BaseURL:       cfg.Site.BaseURL,
		ListingPath:   cfg.Site.ListingPath,
		CategoryParam: cfg.Site.CategoryParam,
	}, client, ratelimit.NewUserAgentPool(cfg.Scraper.UserAgents))
	if err != nil {
		return nil, fmt.Errorf("creating site adapter: %w", err)
	}

	throttle := ratelimit.NewHostThrottle(cfg.Scraper.RequestsPerSecond, cfg.Scraper.MinDelay, cfg.Scraper.MaxDelay)
	throttled := ratelimit.NewThrottledSource(site, throttle, site.Host(), cfg.Scraper.BlockedCooldown)
	return retry.NewRetrySource(throttled, retry.Policy{
		MaxAttempts: cfg.Scraper.MaxAttempts,
		BaseDelay:   cfg.Scraper.BaseBackoff,
	}, logger), nil
}

// Dispatchers builds the channel router from the email and telegram settings.
// A channel with no usable configuration falls back to logging.
func Dispatchers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dispatch.Router, error) {
	router := dispatch.NewRouter()
	logDispatcher := dispatch.NewLogDispatcher(logger)

	switch cfg.Email.Provider {
	case "smtp":
		router.Handle(model.ChannelEmail, dispatch.NewSMTPDispatcher(dispatch.SMTPConfig{
			Host:          cfg.Email.SMTPHost,
			Port:          cfg.Email.SMTPPort,
			Username:      cfg.Email.SMTPUsername,
			Password:      cfg.Email.SMTPPassword,
			From:          cfg.Email.From,
			FromName:      cfg.Email.FromName,
			PublicBaseURL: cfg.Email.PublicBaseURL,
			Timeout:       deliveryTimeout,
		}, logger))
	case "ses":
		ses, err := dispatch.NewSESDispatcher(ctx, cfg.Email.SESRegion, cfg.Email.From, cfg.Email.FromName, cfg.Email.PublicBaseURL, logger)
		if err != nil {
			return nil, err
		}
		router.Handle(model.ChannelEmail, ses)
	default:
		router.Handle(model.ChannelEmail, logDispatcher)
	}

	if cfg.Telegram.BotToken != "" {
		client := &http.Client{Timeout: deliveryTimeout}
		router.Handle(model.ChannelTelegram, dispatch.NewTelegramDispatcher(cfg.Telegram.APIURL, cfg.Telegram.BotToken, client, logger))
	} else {
		router.Handle(model.ChannelTelegram, logDispatcher)
	}
	return router, nil
}

// Build opens the state store and wires every component from cfg. The
// returned App holds the database lock until Stop.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	lock, err := store.AcquireLock(cfg.Database)
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(cfg.Database)
	if err != nil {
		lock.Release()
		return nil, err
	}
	cleanup := func() {
		st.Close()
		lock.Release()
	}

	categories := Categories(cfg.Categories)
	if err := st.SyncCategories(ctx, categories); err != nil {
		cleanup()
		return nil, err
	}

	source, err := Source(cfg, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	router, err := Dispatchers(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	policy, err := match.ParsePolicy(cfg.Matching.UnknownRate)
	if err != nil {
		cleanup()
		return nil, err
	}

	enricher := poller.NewEnricher(source, st, poller.EnrichOptions{
		MaxAge:    cfg.Enrichment.MaxAge,
		BatchSize: cfg.Enrichment.BatchSize,
	}, logger)

	var pollers []*poller.CategoryPoller
	for _, c := range categories {
		if !c.Enabled {
			continue
		}
		pollers = append(pollers, poller.NewCategoryPoller(c, source, st, enricher, poller.Options{MaxPages: cfg.Scraper.MaxPages}, logger))
	}

	// The engine resets its renderer on every match; the worker keeps its own.
	engine := match.NewEngine(st, render.New(categories), policy, logger)
	q := queue.New()
	worker := queue.NewWorker(q, st, router, render.New(categories), queue.Options{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseBackoff: cfg.Delivery.BaseBackoff,
	}, logger)
	sched := scheduler.NewScheduler(pollers, source, enricher, engine, q, st, scheduler.Options{
		PollInterval:   cfg.PollInterval,
		FullScrape:     cfg.FullScrape,
		RecoveryWindow: cfg.Delivery.RecoveryWindow,
		CategoryPause:  categoryPause,
	}, logger)

	c := Components{
		Scheduler: sched,
		Worker:    worker,
		Store:     st,
		Closers:   []func() error{st.Close, lock.Release},
	}
	app := New(c, logger)
	if cfg.Metrics.Addr != "" {
		app.c.Metrics = metrics.NewServer(cfg.Metrics.Addr, app.Ready, logger)
	}

	logger.Info("components wired",
		"categories", len(pollers),
		"email", cfg.Email.Provider,
		"telegram", cfg.Telegram.BotToken != "",
		"unknown_rate", policy.String(),
	)
	return app, nil
}
