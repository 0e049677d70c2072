// Package dispatch delivers rendered messages over the notification channels.
package dispatch

import (
	"context"
	"fmt"

	"github.com/amishk599/gigradar/internal/model"
)

// Ensure Router implements model.Dispatcher.
var _ model.Dispatcher = (*Router)(nil)

// Router sends each message through the dispatcher registered for the
// recipient's channel.
type Router struct {
	byChannel map[model.Channel]model.Dispatcher
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{byChannel: make(map[model.Channel]model.Dispatcher)}
}

// Handle registers d for ch, replacing any earlier registration.
func (r *Router) Handle(ch model.Channel, d model.Dispatcher) *Router {
	r.byChannel[ch] = d
	return r
}

// Deliver implements model.Dispatcher. A channel with no dispatcher is a
// permanent failure.
func (r *Router) Deliver(ctx context.Context, to model.Recipient, msg model.Message) error {
	d, ok := r.byChannel[to.Channel]
	if !ok {
		return fmt.Errorf("no dispatcher for channel %q: %w", to.Channel, model.ErrPermanent)
	}
	return d.Deliver(ctx, to, msg)
}
