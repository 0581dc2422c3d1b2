package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/realtime"
)

// ErrUnavailable is what a MemoryStore returns while FailWrites is set.
var ErrUnavailable = errors.New("store unavailable")

// Item is listing enrichment joined onto rows at query time.
type Item struct {
	Title string
	Image string
}

// MemoryStore keeps the log in process. Written rows are published like the
// Postgres store does, without enrichment.
type MemoryStore struct {
	mu       sync.Mutex
	rows     []chat.Message
	nextID   int64
	profiles map[string]string
	items    map[string]Item
	failing  bool
	now      func() time.Time

	pub realtime.Publisher
	log zerolog.Logger
}

// NewMemoryStore returns an empty store. pub may be nil.
func NewMemoryStore(pub realtime.Publisher, log zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]string),
		items:    make(map[string]Item),
		now:      time.Now,
		pub:      pub,
		log:      log,
	}
}

// PutProfile sets the display name joined onto rows from or to userID.
func (s *MemoryStore) PutProfile(userID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = name
}

// PutItem sets the listing details joined onto rows about itemID.
func (s *MemoryStore) PutItem(itemID string, it Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[itemID] = it
}

// DisplayName returns the profile name of userID, if known.
func (s *MemoryStore) DisplayName(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[userID], nil
}

// FailWrites makes every subsequent write fail with ErrUnavailable until
// called again with false.
func (s *MemoryStore) FailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = fail
}

// SetClock replaces the time source used for created_at.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Seed inserts rows as they are, bypassing validation and publishing. Rows
// without an id are given the next one.
func (s *MemoryStore) Seed(rows ...chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range rows {
		if m.ID == 0 {
			s.nextID++
			m.ID = s.nextID
		} else if m.ID > s.nextID {
			s.nextID = m.ID
		}
		s.rows = append(s.rows, m)
	}
}

func (s *MemoryStore) Append(ctx context.Context, d chat.Draft) (chat.Message, error) {
	if err := Validate(d); err != nil {
		return chat.Message{}, &WriteError{Op: "append", Err: err}
	}
	s.mu.Lock()
	if s.failing {
		s.mu.Unlock()
		return chat.Message{}, &WriteError{Op: "append", Err: ErrUnavailable}
	}
	s.nextID++
	m := chat.Message{
		ID:            s.nextID,
		ItemID:        d.ItemID,
		SenderID:      d.SenderID,
		ReceiverID:    d.ReceiverID,
		Body:          d.Body,
		AttachmentURL: d.AttachmentURL,
		CreatedAt:     s.now().UTC(),
	}
	s.rows = append(s.rows, m)
	s.mu.Unlock()

	s.publish(ctx, realtime.Insert, m)
	return s.enrich(m), nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.failing {
		s.mu.Unlock()
		return &WriteError{Op: "mark read", IDs: ids, Err: ErrUnavailable}
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var changed []chat.Message
	for i := range s.rows {
		if want[s.rows[i].ID] && !s.rows[i].Read {
			s.rows[i].Read = true
			changed = append(changed, s.rows[i])
		}
	}
	s.mu.Unlock()

	for _, m := range changed {
		s.publish(ctx, realtime.Update, m)
	}
	return nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, dir chat.Direction, scope chat.Scope) (int, error) {
	s.mu.Lock()
	if s.failing {
		s.mu.Unlock()
		return 0, &WriteError{Op: "soft delete " + dir.String(), Err: ErrUnavailable}
	}
	var changed []chat.Message
	for i := range s.rows {
		m := &s.rows[i]
		if m.ItemID != scope.ItemID {
			continue
		}
		switch dir {
		case chat.AsSender:
			if m.SenderID == scope.Self && m.ReceiverID == scope.Counterpart && !m.DeletedBySender {
				m.DeletedBySender = true
				changed = append(changed, *m)
			}
		case chat.AsReceiver:
			if m.ReceiverID == scope.Self && m.SenderID == scope.Counterpart && !m.DeletedByReceiver {
				m.DeletedByReceiver = true
				changed = append(changed, *m)
			}
		}
	}
	s.mu.Unlock()

	for _, m := range changed {
		s.publish(ctx, realtime.Update, m)
	}
	return len(changed), nil
}

func (s *MemoryStore) DeleteOwn(ctx context.Context, id int64, selfID string) error {
	s.mu.Lock()
	if s.failing {
		s.mu.Unlock()
		return &WriteError{Op: "delete own", IDs: []int64{id}, Err: ErrUnavailable}
	}
	var changed *chat.Message
	for i := range s.rows {
		if s.rows[i].ID == id && s.rows[i].SenderID == selfID {
			s.rows[i].DeletedBySender = true
			m := s.rows[i]
			changed = &m
			break
		}
	}
	s.mu.Unlock()

	if changed == nil {
		return &WriteError{Op: "delete own", IDs: []int64{id}, Err: ErrNotFound}
	}
	s.publish(ctx, realtime.Update, *changed)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f chat.Filter) ([]chat.Message, error) {
	s.mu.Lock()
	var out []chat.Message
	for _, m := range s.rows {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	for i := range out {
		out[i] = s.enrich(out[i])
	}
	chat.Sort(out, f.Order)
	return out, nil
}

func (s *MemoryStore) CountUnread(_ context.Context, receiverID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.rows {
		if chat.UnreadBy(m, receiverID) && !m.DeletedByReceiver {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) enrich(m chat.Message) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.SenderName = s.profiles[m.SenderID]
	m.ReceiverName = s.profiles[m.ReceiverID]
	it := s.items[m.ItemID]
	m.ItemTitle, m.ItemImage = it.Title, it.Image
	return m
}

func (s *MemoryStore) publish(ctx context.Context, op realtime.Op, m chat.Message) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, realtime.Change{Op: op, Row: m}); err != nil {
		s.log.Warn().Err(err).Int64("message_id", m.ID).Str("op", string(op)).Msg("publish change failed")
	}
}
