package session

import (
	"context"
	"slices"

	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/metrics"
	"go-listing-chat/internal/notify"
)

// unknownSender is shown in notifications when the sender has no profile name.
const unknownSender = "Someone"

// markConversationRead marks every unread row of the open conversation read
// in one batch. Rows flip locally right away; a failed write is only logged
// and the next load shows the store's state again and retries.
func (s *Session) markConversationRead(ctx context.Context) {
	a := s.active
	var ids []int64
	for i := range a.rows {
		if chat.UnreadBy(a.rows[i], s.me.UserID) {
			a.rows[i].Read = true
			ids = append(ids, a.rows[i].ID)
		}
	}
	s.writeRead(ctx, a.key, ids)
}

// markRead marks a single live row of the open conversation read.
func (s *Session) markRead(ctx context.Context, id int64) {
	a := s.active
	if i, ok := a.find(id); ok {
		a.rows[i].Read = true
	}
	s.writeRead(ctx, a.key, []int64{id})
}

// writeRead issues MarkRead for the ids not already being written. They stay
// in s.reading until the write completes either way.
func (s *Session) writeRead(ctx context.Context, key chat.Key, ids []int64) {
	ids = slices.DeleteFunc(ids, func(id int64) bool { return s.reading[id] })
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		s.reading[id] = true
	}
	s.spawn(ctx, func(ctx context.Context) result {
		return readMarked{key: key, ids: ids, err: s.deps.Store.MarkRead(ctx, ids)}
	})
}

type readMarked struct {
	key chat.Key
	ids []int64
	err error
}

func (r readMarked) apply(ctx context.Context, s *Session) {
	for _, id := range r.ids {
		delete(s.reading, id)
	}
	if r.err != nil {
		metrics.MarkReadFailures.Inc()
		s.log.Warn().Err(r.err).Str("conversation", r.key.String()).Int("count", len(r.ids)).Msg("marking messages read failed")
		return
	}
	s.deps.Bus.Publish(notify.Event{
		Kind:       notify.MessagesRead,
		UserID:     s.me.UserID,
		Key:        r.key,
		MessageIDs: r.ids,
	})
	s.recomputeBadge(ctx)
}

// recomputeBadge reloads the global unread total from the store.
func (s *Session) recomputeBadge(ctx context.Context) {
	self := s.me.UserID
	s.spawn(ctx, func(ctx context.Context) result {
		n, err := s.deps.Store.CountUnread(ctx, self)
		return badgeLoaded{n: n, err: err}
	})
}

type badgeLoaded struct {
	n   int
	err error
}

func (r badgeLoaded) apply(_ context.Context, s *Session) {
	if r.err != nil {
		s.log.Warn().Err(r.err).Msg("counting unread messages failed")
		return
	}
	s.unread = r.n
	if r.n != s.sentUnread {
		s.sentUnread = r.n
		s.deps.Bus.Publish(notify.Event{Kind: notify.UnreadChanged, UserID: s.me.UserID, Unread: r.n})
	}
}

// badgeStale asks for a badge recompute after a background write.
type badgeStale struct{}

func (badgeStale) apply(ctx context.Context, s *Session) { s.recomputeBadge(ctx) }

// announce publishes a new-message notification for an inbound row, unless
// the user is already looking at its conversation.
func (s *Session) announce(ctx context.Context, m chat.Message) {
	key := chat.KeyFor(m, s.me.UserID)
	if s.isActive(key) || s.cutoffs.Hides(key, m) {
		return
	}
	ev := notify.Event{
		Kind:    notify.NewMessage,
		UserID:  s.me.UserID,
		Key:     key,
		Preview: m.DisplayText(),
	}
	for _, c := range s.conversations {
		if c.Key == key && c.PartnerName != chat.DefaultPartnerName {
			ev.SenderName = c.PartnerName
		}
	}
	if ev.SenderName != "" || s.deps.Directory == nil {
		if ev.SenderName == "" {
			ev.SenderName = unknownSender
		}
		s.deps.Bus.Publish(ev)
		return
	}
	go func() {
		name, err := s.deps.Directory.DisplayName(ctx, m.SenderID)
		if err != nil {
			s.log.Warn().Err(err).Str("sender_id", m.SenderID).Msg("sender name lookup failed")
		}
		if name == "" {
			name = unknownSender
		}
		ev.SenderName = name
		s.deps.Bus.Publish(ev)
	}()
}
