package realtime

import "go-listing-chat/internal/chat"

// Stream names the three scoped feeds a session holds.
type Stream string

const (
	ConversationStream Stream = "conversation"
	InboxStream        Stream = "inbox"
	UnreadStream       Stream = "unread"
)

// Filter selects the changes a subscription receives.
type Filter struct {
	Stream Stream
	Self   string
	ItemID string
	Other  string
}

// ConversationFilter matches rows exchanged between self and other about one item.
func ConversationFilter(itemID, self, other string) Filter {
	return Filter{Stream: ConversationStream, ItemID: itemID, Self: self, Other: other}
}

// InboxFilter matches rows where self is sender or receiver.
func InboxFilter(self string) Filter {
	return Filter{Stream: InboxStream, Self: self}
}

// UnreadFilter matches rows addressed to self. Updates are included so a read
// flag flipped elsewhere still reaches the badge.
func UnreadFilter(self string) Filter {
	return Filter{Stream: UnreadStream, Self: self}
}

// Key returns the conversation key of a conversation filter.
func (f Filter) Key() chat.Key {
	return chat.Key{ItemID: f.ItemID, Counterparty: f.Other}
}

// Match reports whether c belongs to the filter's stream.
func (f Filter) Match(c Change) bool {
	m := c.Row
	switch f.Stream {
	case ConversationStream:
		return m.ItemID == f.ItemID && chat.InvolvesPair(m, f.Self, f.Other)
	case InboxStream:
		return m.SenderID == f.Self || m.ReceiverID == f.Self
	case UnreadStream:
		return m.ReceiverID == f.Self
	}
	return false
}
