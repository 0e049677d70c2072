package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBlocked signals the site is rate limiting or challenging us.
	ErrBlocked = errors.New("blocked by site")
	// ErrPermanent marks a delivery failure that must not be retried.
	ErrPermanent = errors.New("permanent delivery failure")
	// ErrChannelBlocked marks a recipient channel that is unusable (bot
	// blocked, chat deleted, mailbox gone). It is also permanent.
	ErrChannelBlocked = fmt.Errorf("channel unusable: %w", ErrPermanent)
	// ErrNotFound is returned by lookups that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrLocked is returned when another process owns the state store.
	ErrLocked = errors.New("state store locked by another process")
)

// HTTPError wraps an HTTP status code so retry logic can inspect it.
type HTTPError struct {
	StatusCode int
	RetryAfter time.Duration // from Retry-After header, zero if absent
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// ParseError reports a page whose structure could not be understood.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %v", e.What, e.Err)
	}
	return "parse " + e.What
}

func (e *ParseError) Unwrap() error { return e.Err }

// StorageError wraps a failed store operation. Only the current transaction
// is aborted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// DeliveryOutcome is the tri-state result of a dispatch.
type DeliveryOutcome int

const (
	OutcomeSent DeliveryOutcome = iota
	OutcomeRetryable
	OutcomePermanent
)

func (o DeliveryOutcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "permanent"
	}
}

// ClassifyDelivery maps a dispatcher error onto the tri-state outcome.
func ClassifyDelivery(err error) DeliveryOutcome {
	switch {
	case err == nil:
		return OutcomeSent
	case errors.Is(err, ErrPermanent):
		return OutcomePermanent
	default:
		return OutcomeRetryable
	}
}
