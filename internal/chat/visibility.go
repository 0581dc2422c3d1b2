package chat

import (
	"sort"

	"go-listing-chat/internal/reply"
)

// VisibleTo reports whether userID may see m. Each side's delete flag only
// hides the row from that side.
func VisibleTo(m Message, userID string) bool {
	return (userID == m.SenderID && !m.DeletedBySender) ||
		(userID == m.ReceiverID && !m.DeletedByReceiver)
}

// Counterparty returns the other participant of m as seen by userID.
func Counterparty(m Message, userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// KeyFor returns the conversation key of m from userID's side.
func KeyFor(m Message, userID string) Key {
	return Key{ItemID: m.ItemID, Counterparty: Counterparty(m, userID)}
}

// InvolvesPair reports whether m was exchanged between a and b, in either direction.
func InvolvesPair(m Message, a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}

// UnreadBy reports whether m counts towards userID's unread total.
func UnreadBy(m Message, userID string) bool {
	return m.ReceiverID == userID && !m.Read
}

// Less orders messages by (CreatedAt, ID).
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Sort orders msgs in place, ascending or descending by (CreatedAt, ID).
func Sort(msgs []Message, order Order) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if order == Descending {
			return Less(msgs[j], msgs[i])
		}
		return Less(msgs[i], msgs[j])
	})
}

// FilterVisible returns the subset of msgs userID may see, preserving order.
func FilterVisible(msgs []Message, userID string) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if VisibleTo(m, userID) {
			out = append(out, m)
		}
	}
	return out
}

// Quoted returns the view of m the reply codec needs to build an annotation.
func (m Message) Quoted() reply.Quoted {
	return reply.Quoted{
		ID:       m.ID,
		SenderID: m.SenderID,
		Body:     m.Body,
		IsMedia:  m.AttachmentURL != "",
	}
}

// DisplayText is the body with any reply annotation stripped.
func (m Message) DisplayText() string {
	return reply.Decode(m.Body).Text()
}
