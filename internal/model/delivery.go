package model

import (
	"context"
	"time"
)

// Channel is a delivery channel.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
)

// DeliveryStatus is the state of one delivery-log row.
type DeliveryStatus string

const (
	DeliverySending         DeliveryStatus = "sending"
	DeliverySent            DeliveryStatus = "sent"
	DeliveryFailedPermanent DeliveryStatus = "failed_permanent"
)

// Terminal reports whether no further delivery attempt may be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryFailedPermanent
}

// DeliveryRecord is a row of the delivery log, keyed by
// (SubscriberID, Ref, Channel).
type DeliveryRecord struct {
	SubscriberID int64
	Ref          string // JobRef or BroadcastRef
	Channel      Channel
	Status       DeliveryStatus
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeliveryKey identifies one delivery-log row.
type DeliveryKey struct {
	SubscriberID int64
	Ref          string
	Channel      Channel
}

// Broadcast is an admin announcement sent to every active subscriber.
type Broadcast struct {
	ID           string
	Message      string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// Ref returns the delivery-log item reference for the broadcast.
func (b Broadcast) Ref() string { return BroadcastRef(b.ID) }

// Recipient is where a message goes on a channel.
type Recipient struct {
	SubscriberID     int64
	Channel          Channel
	Address          string // email address or chat id
	UnsubscribeToken string
}

// Message is a rendered notification. HTML is used by both channels; Text is
// the plain fallback.
type Message struct {
	Subject string
	HTML    string
	Text    string
}

// Task is one queued notification obligation: a bundle of items for one
// subscriber on one channel.
type Task struct {
	Recipient Recipient
	Jobs      []Job      // ordered, newest first
	Broadcast *Broadcast // set for admin broadcasts instead of Jobs
	Message   *Message   // pre-rendered body; may be shared between tasks
	Attempt   int        // delivery attempts already made
}

// Refs lists the delivery-log references the task covers, in order.
func (t Task) Refs() []string {
	if t.Broadcast != nil {
		return []string{t.Broadcast.Ref()}
	}
	refs := make([]string, len(t.Jobs))
	for i, j := range t.Jobs {
		refs[i] = j.Ref()
	}
	return refs
}

// Dispatcher delivers a rendered message to one recipient. A nil error means
// sent; errors wrapping ErrPermanent are permanent; anything else is retryable.
type Dispatcher interface {
	Deliver(ctx context.Context, to Recipient, msg Message) error
}
