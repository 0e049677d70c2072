package dispatch

import (
	"context"
	"log/slog"

	"github.com/amishk599/gigradar/internal/model"
)

// Ensure LogDispatcher implements model.Dispatcher.
var _ model.Dispatcher = (*LogDispatcher)(nil)

// LogDispatcher writes messages to the logger instead of sending them.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher returns a dispatcher that logs each message via slog.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Deliver logs the recipient and subject. It never fails.
func (d *LogDispatcher) Deliver(_ context.Context, to model.Recipient, msg model.Message) error {
	d.logger.Info("notification",
		"channel", to.Channel,
		"subscriber_id", to.SubscriberID,
		"to", to.Address,
		"subject", msg.Subject,
		"body_bytes", len(msg.Text),
	)
	return nil
}
