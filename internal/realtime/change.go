// Package realtime carries message-log change notifications from the store
// to client sessions and routes them per conversation.
package realtime

import (
	"context"
	"errors"

	"go-listing-chat/internal/chat"
)

// Op is the kind of row change.
type Op string

const (
	Insert Op = "INSERT"
	Update Op = "UPDATE"
	Delete Op = "DELETE"
)

// Change is one row change as published by the store. Row carries the full
// new row for INSERT and UPDATE, and the old row for DELETE. Enrichment
// fields are not populated.
type Change struct {
	Op  Op           `json:"op"`
	Row chat.Message `json:"row"`
}

// Publisher fans a change out to every matching subscription.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// Transport is a change feed that can be subscribed to with a filter.
type Transport interface {
	Publisher
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)
	Close() error
}

var (
	// ErrOverflow ends a subscription whose consumer fell behind.
	ErrOverflow = errors.New("realtime: subscriber buffer overflow")
	// ErrClosed ends a subscription whose underlying feed went away.
	ErrClosed = errors.New("realtime: feed closed")
	// ErrReconnected ends a subscription whose connection was re-established
	// underneath it. Changes sent in between were not delivered.
	ErrReconnected = errors.New("realtime: feed reconnected")
)

// SubscriptionError wraps a failure of one subscription stream.
type SubscriptionError struct {
	Stream string
	Err    error
}

func (e *SubscriptionError) Error() string {
	return "realtime: " + e.Stream + " subscription: " + e.Err.Error()
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
