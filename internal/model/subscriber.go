package model

import "time"

// SubscriberStatus is the lifecycle state managed by the subscription API.
type SubscriberStatus string

const (
	StatusPending      SubscriberStatus = "pending"
	StatusActive       SubscriberStatus = "active"
	StatusPaused       SubscriberStatus = "paused"
	StatusUnsubscribed SubscriberStatus = "unsubscribed"
)

// Subscriber is a person receiving job digests. Rows are written by the
// subscription API; the core only reads them (and disables dead channels).
type Subscriber struct {
	ID                 int64
	Email              string // empty when not given
	ChatID             string // set once the link token is redeemed
	LinkToken          string
	LinkTokenExpiresAt *time.Time
	UnsubscribeToken   string
	CategoryIDs        []int64
	MinHiringRate      Rate // unknown = no filter
	ReceiveEmail       bool
	ReceiveChat        bool
	Status             SubscriberStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastNotifiedAt     *time.Time
}

// Follows reports whether the subscriber is subscribed to the category.
func (s Subscriber) Follows(categoryID int64) bool {
	for _, id := range s.CategoryIDs {
		if id == categoryID {
			return true
		}
	}
	return false
}

// Channels returns the channels the subscriber both enabled and can be
// reached on, email first.
func (s Subscriber) Channels() []Channel {
	var out []Channel
	if s.ReceiveEmail && s.Email != "" {
		out = append(out, ChannelEmail)
	}
	if s.ReceiveChat && s.ChatID != "" {
		out = append(out, ChannelTelegram)
	}
	return out
}

// Recipient builds the delivery address for one channel.
func (s Subscriber) Recipient(ch Channel) Recipient {
	r := Recipient{
		SubscriberID:     s.ID,
		Channel:          ch,
		UnsubscribeToken: s.UnsubscribeToken,
	}
	switch ch {
	case ChannelEmail:
		r.Address = s.Email
	case ChannelTelegram:
		r.Address = s.ChatID
	}
	return r
}
