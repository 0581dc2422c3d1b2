package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/realtime"
)

const messageColumns = `id, item_id, sender_id, receiver_id, message, COALESCE(image_url, ''),
	created_at, read, deleted_by_sender, deleted_by_receiver`

// PostgresStore is the shared message log. Every row it writes is published
// as a change so other sessions see it without polling.
type PostgresStore struct {
	db  *sql.DB
	pub realtime.Publisher
	log zerolog.Logger
}

func NewPostgresStore(db *sql.DB, pub realtime.Publisher, log zerolog.Logger) *PostgresStore {
	return &PostgresStore{db: db, pub: pub, log: log}
}

func (s *PostgresStore) Append(ctx context.Context, d chat.Draft) (chat.Message, error) {
	if err := Validate(d); err != nil {
		return chat.Message{}, &WriteError{Op: "append", Err: err}
	}
	query := `
		INSERT INTO messages (item_id, sender_id, receiver_id, message, image_url)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING ` + messageColumns
	row := s.db.QueryRowContext(ctx, query, d.ItemID, d.SenderID, d.ReceiverID, d.Body, d.AttachmentURL)

	m, err := scanMessage(row)
	if err != nil {
		return chat.Message{}, &WriteError{Op: "append", Err: err}
	}
	s.publish(ctx, realtime.Insert, m)
	return m, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE messages SET read = true
		WHERE id = ANY($1) AND read = false
		RETURNING ` + messageColumns
	changed, err := s.update(ctx, query, ids)
	if err != nil {
		return &WriteError{Op: "mark read", IDs: ids, Err: err}
	}
	s.publishAll(ctx, changed)
	return nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, dir chat.Direction, scope chat.Scope) (int, error) {
	var query string
	switch dir {
	case chat.AsSender:
		query = `
			UPDATE messages SET deleted_by_sender = true
			WHERE item_id = $1 AND sender_id = $2 AND receiver_id = $3 AND deleted_by_sender = false
			RETURNING ` + messageColumns
	case chat.AsReceiver:
		query = `
			UPDATE messages SET deleted_by_receiver = true
			WHERE item_id = $1 AND receiver_id = $2 AND sender_id = $3 AND deleted_by_receiver = false
			RETURNING ` + messageColumns
	default:
		return 0, &WriteError{Op: "soft delete", Err: fmt.Errorf("unknown direction %d", dir)}
	}

	changed, err := s.update(ctx, query, scope.ItemID, scope.Self, scope.Counterpart)
	if err != nil {
		return 0, &WriteError{Op: "soft delete " + dir.String(), Err: err}
	}
	s.publishAll(ctx, changed)
	return len(changed), nil
}

func (s *PostgresStore) DeleteOwn(ctx context.Context, id int64, selfID string) error {
	query := `
		UPDATE messages SET deleted_by_sender = true
		WHERE id = $1 AND sender_id = $2
		RETURNING ` + messageColumns
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id, selfID))
	if errors.Is(err, sql.ErrNoRows) {
		return &WriteError{Op: "delete own", IDs: []int64{id}, Err: ErrNotFound}
	}
	if err != nil {
		return &WriteError{Op: "delete own", IDs: []int64{id}, Err: err}
	}
	s.publish(ctx, realtime.Update, m)
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, f chat.Filter) ([]chat.Message, error) {
	var (
		where string
		args  []any
	)
	switch {
	case f.Involving != "":
		where = "m.sender_id = $1 OR m.receiver_id = $1"
		args = []any{f.Involving}
	case f.UnreadFor != "":
		where = "m.receiver_id = $1 AND m.read = false"
		args = []any{f.UnreadFor}
	case f.ItemID != "":
		where = `m.item_id = $1 AND (
			(m.sender_id = $2 AND m.receiver_id = $3) OR (m.sender_id = $3 AND m.receiver_id = $2))`
		args = []any{f.ItemID, f.Self, f.Other}
	default:
		return nil, fmt.Errorf("query: empty filter")
	}
	dir := "ASC"
	if f.Order == chat.Descending {
		dir = "DESC"
	}

	// 🟢 Profiles and items are joined here so the inbox needs no extra round trips
	query := `
		SELECT m.id, m.item_id, m.sender_id, m.receiver_id, m.message, COALESCE(m.image_url, ''),
			m.created_at, m.read, m.deleted_by_sender, m.deleted_by_receiver,
			COALESCE(sp.full_name, ''), COALESCE(rp.full_name, ''),
			COALESCE(i.title, ''), COALESCE(i.image_url, '')
		FROM messages m
		LEFT JOIN profiles sp ON sp.id = m.sender_id
		LEFT JOIN profiles rp ON rp.id = m.receiver_id
		LEFT JOIN items i ON i.id = m.item_id
		WHERE ` + where + `
		ORDER BY m.created_at ` + dir + `, m.id ` + dir

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		var m chat.Message
		err := rows.Scan(&m.ID, &m.ItemID, &m.SenderID, &m.ReceiverID, &m.Body, &m.AttachmentURL,
			&m.CreatedAt, &m.Read, &m.DeletedBySender, &m.DeletedByReceiver,
			&m.SenderName, &m.ReceiverName, &m.ItemTitle, &m.ItemImage)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) CountUnread(ctx context.Context, receiverID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE receiver_id = $1 AND read = false AND deleted_by_receiver = false`
	var n int
	if err := s.db.QueryRowContext(ctx, query, receiverID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) update(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changed []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		changed = append(changed, m)
	}
	return changed, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(r scanner) (chat.Message, error) {
	var m chat.Message
	err := r.Scan(&m.ID, &m.ItemID, &m.SenderID, &m.ReceiverID, &m.Body, &m.AttachmentURL,
		&m.CreatedAt, &m.Read, &m.DeletedBySender, &m.DeletedByReceiver)
	return m, err
}

func (s *PostgresStore) publishAll(ctx context.Context, msgs []chat.Message) {
	for _, m := range msgs {
		s.publish(ctx, realtime.Update, m)
	}
}

func (s *PostgresStore) publish(ctx context.Context, op realtime.Op, m chat.Message) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, realtime.Change{Op: op, Row: m}); err != nil {
		s.log.Warn().Err(err).Int64("message_id", m.ID).Str("op", string(op)).Msg("publish change failed")
	}
}
