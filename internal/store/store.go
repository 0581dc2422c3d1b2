// Package store is the append-only message log shared by both participants of
// every conversation.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-listing-chat/internal/chat"
)

// Store persists messages. Rows are never removed: reads and deletes only
// flip flags from false to true, and each participant's delete flag is written
// independently.
type Store interface {
	// Append inserts a new message with read and both delete flags false.
	Append(ctx context.Context, d chat.Draft) (chat.Message, error)
	// MarkRead sets read on the given ids. Unknown or already-read ids are a no-op.
	MarkRead(ctx context.Context, ids []int64) error
	// SoftDelete flags every row in scope for one direction and returns how
	// many rows changed.
	SoftDelete(ctx context.Context, dir chat.Direction, scope chat.Scope) (int, error)
	// Query returns the rows selected by f, in f.Order by (created_at, id).
	Query(ctx context.Context, f chat.Filter) ([]chat.Message, error)
	// CountUnread counts unread rows addressed to receiverID that the receiver
	// has not deleted.
	CountUnread(ctx context.Context, receiverID string) (int, error)
	// DeleteOwn hides one message the caller sent, from the caller's side.
	DeleteOwn(ctx context.Context, id int64, selfID string) error
}

var (
	ErrNotFound     = errors.New("message not found")
	ErrInvalidDraft = errors.New("invalid draft")
)

// WriteError is a rejected or failed write. IDs lists the rows the write did
// not apply to, when the write was addressed by id.
type WriteError struct {
	Op  string
	IDs []int64
	Err error
}

func (e *WriteError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("store %s [%s]: %v", e.Op, strings.Join(ids, ","), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Validate checks a draft before it is written.
func Validate(d chat.Draft) error {
	switch {
	case d.ItemID == "":
		return fmt.Errorf("%w: missing item", ErrInvalidDraft)
	case d.SenderID == "" || d.ReceiverID == "":
		return fmt.Errorf("%w: missing participant", ErrInvalidDraft)
	case d.SenderID == d.ReceiverID:
		return fmt.Errorf("%w: sender and receiver are the same user", ErrInvalidDraft)
	case strings.TrimSpace(d.Body) == "" && d.AttachmentURL == "":
		return fmt.Errorf("%w: empty message", ErrInvalidDraft)
	}
	return nil
}
