// Package notify is the in-process bus sessions use to tell other parts of
// the app about read receipts, badge changes and new messages.
package notify

import (
	"fmt"
	"sync"

	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/metrics"
)

// Kind enumerates the events on the bus.
type Kind int

const (
	// MessagesRead is published after a batch of messages was marked read.
	MessagesRead Kind = iota + 1
	// UnreadChanged carries a freshly recomputed unread total.
	UnreadChanged
	// NewMessage announces an inbound message outside the open conversation.
	NewMessage
	// SendFailed reports an optimistic send that was rolled back.
	SendFailed
)

func (k Kind) String() string {
	switch k {
	case MessagesRead:
		return "messages_read"
	case UnreadChanged:
		return "unread_changed"
	case NewMessage:
		return "new_message"
	case SendFailed:
		return "send_failed"
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for c := MessagesRead; c <= SendFailed; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", b)
}

// Event is one bus notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind       Kind     `json:"kind"`
	UserID     string   `json:"user_id"`
	Key        chat.Key `json:"key,omitempty"`
	MessageIDs []int64  `json:"message_ids,omitempty"`
	Unread     int      `json:"unread"`
	SenderName string   `json:"sender_name,omitempty"`
	Preview    string   `json:"preview,omitempty"`
	Error      string   `json:"error,omitempty"`
}

const subscriberBuffer = 32

// Subscription receives the events of the kinds it asked for.
type Subscription struct {
	C <-chan Event

	c     chan Event
	kinds map[Kind]bool
	user  string
	bus   *Bus
	once  sync.Once
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.c)
	})
}

// Bus delivers events without blocking the publisher. A subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers for events addressed to userID. An empty userID receives
// events for every user. No kinds means every kind.
func (b *Bus) Subscribe(userID string, kinds ...Kind) *Subscription {
	c := make(chan Event, subscriberBuffer)
	s := &Subscription{C: c, c: c, user: userID, bus: b}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.user != "" && s.user != ev.UserID {
			continue
		}
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}
		select {
		case s.c <- ev:
		default:
			metrics.NotificationsDropped.Inc()
		}
	}
}
