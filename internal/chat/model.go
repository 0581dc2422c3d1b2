package chat

import "time"

// ---------------------------------------------
// 🗄️ Message Log Models
// ---------------------------------------------

// Message is one row of the append-only message log.
// ID, ItemID, SenderID, ReceiverID, Body, AttachmentURL and CreatedAt never
// change once written. Read and the two delete flags only ever go false -> true.
type Message struct {
	ID                int64     `json:"id"`
	ItemID            string    `json:"item_id"`
	SenderID          string    `json:"sender_id"`
	ReceiverID        string    `json:"receiver_id"`
	Body              string    `json:"message"`
	AttachmentURL     string    `json:"image_url,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	Read              bool      `json:"read"`
	DeletedBySender   bool      `json:"deleted_by_sender"`
	DeletedByReceiver bool      `json:"deleted_by_receiver"`

	// 🟢 Denormalized for UI speed (fetched via JOIN, not part of the log)
	SenderName   string `json:"sender_name,omitempty"`
	ReceiverName string `json:"receiver_name,omitempty"`
	ItemTitle    string `json:"item_title,omitempty"`
	ItemImage    string `json:"item_image,omitempty"`
}

// Draft is what a client submits; the store fills in the rest.
type Draft struct {
	ItemID        string `json:"item_id"`
	SenderID      string `json:"sender_id"`
	ReceiverID    string `json:"receiver_id"`
	Body          string `json:"message"`
	AttachmentURL string `json:"image_url,omitempty"`
}

// Direction selects which of the two delete flags a soft delete writes.
type Direction int

const (
	AsSender Direction = iota + 1
	AsReceiver
)

func (d Direction) String() string {
	switch d {
	case AsSender:
		return "sender"
	case AsReceiver:
		return "receiver"
	default:
		return "unknown"
	}
}

// Scope addresses every row of one conversation as seen by Self.
// With AsSender it matches rows Self sent to Counterpart, with AsReceiver the
// rows Counterpart sent to Self.
type Scope struct {
	ItemID      string
	Counterpart string
	Self        string
}

// Order of a query result.
type Order int

const (
	Ascending Order = iota
	Descending
)

// Filter describes a store query. Exactly one of the selector groups is used:
// Involving (all rows where the user is sender or receiver), Pair (rows of one
// conversation), or UnreadFor (unread rows addressed to the user).
type Filter struct {
	Involving string

	ItemID string
	Self   string
	Other  string

	UnreadFor string

	Order Order
}

// Involving returns a filter for every message a user sent or received,
// newest first (inbox listing order).
func Involving(userID string) Filter {
	return Filter{Involving: userID, Order: Descending}
}

// Pair returns a filter for one conversation, oldest first (replay order).
func Pair(itemID, self, other string) Filter {
	return Filter{ItemID: itemID, Self: self, Other: other, Order: Ascending}
}

// Unread returns a filter for unread messages addressed to userID.
func Unread(userID string) Filter {
	return Filter{UnreadFor: userID, Order: Descending}
}

// Match reports whether m satisfies the filter's selector.
func (f Filter) Match(m Message) bool {
	switch {
	case f.Involving != "":
		return m.SenderID == f.Involving || m.ReceiverID == f.Involving
	case f.UnreadFor != "":
		return m.ReceiverID == f.UnreadFor && !m.Read
	case f.ItemID != "":
		return m.ItemID == f.ItemID && InvolvesPair(m, f.Self, f.Other)
	}
	return false
}

// ---------------------------------------------
// 💬 Derived Models
// ---------------------------------------------

// Key identifies a conversation from the viewer's side.
type Key struct {
	ItemID       string `json:"item_id"`
	Counterparty string `json:"other_user_id"`
}

func (k Key) String() string {
	return k.ItemID + "-" + k.Counterparty
}

// Conversation is a summary derived from the visible message log. It has no
// storage of its own.
type Conversation struct {
	Key
	ItemTitle     string    `json:"item_title"`
	ItemImage     string    `json:"item_image,omitempty"`
	PartnerName   string    `json:"partner_name"`
	LastMessage   string    `json:"last_message"`
	LastMessageID int64     `json:"last_message_id"`
	LastTime      time.Time `json:"last_time"`
	UnreadCount   int       `json:"unread_count"`
}

// DefaultPartnerName is shown when a counterparty's profile has no name.
const DefaultPartnerName = "User"
