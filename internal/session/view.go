package session

import (
	"sort"
	"time"

	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/reply"
)

// DisplayMessage is a message as the client renders it: body decoded, reply
// annotation split out, and pending sends marked.
type DisplayMessage struct {
	ID            int64             `json:"id,omitempty"`
	LocalID       int64             `json:"local_id,omitempty"`
	Pending       bool              `json:"pending,omitempty"`
	SenderID      string            `json:"sender_id"`
	ReceiverID    string            `json:"receiver_id"`
	Text          string            `json:"text"`
	Reply         *reply.Annotation `json:"reply,omitempty"`
	AttachmentURL string            `json:"image_url,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Read          bool              `json:"read"`
	Mine          bool              `json:"mine"`
}

// ActiveView is the open conversation.
type ActiveView struct {
	chat.Key
	ItemTitle   string           `json:"item_title"`
	ItemImage   string           `json:"item_image,omitempty"`
	PartnerName string           `json:"partner_name"`
	Loading     bool             `json:"loading"`
	Messages    []DisplayMessage `json:"messages"`
}

// Snapshot is an immutable copy of a session's state.
type Snapshot struct {
	UserID        string              `json:"user_id"`
	Version       uint64              `json:"version"`
	Conversations []chat.Conversation `json:"conversations"`
	Active        *ActiveView         `json:"active,omitempty"`
	ReplyTarget   *reply.Annotation   `json:"reply_target,omitempty"`
	Unread        int                 `json:"unread"`
	LastError     string              `json:"last_error,omitempty"`
}

func display(m chat.Message, self string) DisplayMessage {
	d := DisplayMessage{
		ID:            m.ID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		AttachmentURL: m.AttachmentURL,
		CreatedAt:     m.CreatedAt,
		Read:          m.Read,
		Mine:          m.SenderID == self,
	}
	switch b := reply.Decode(m.Body).(type) {
	case reply.WithReply:
		a := b.Annotation
		d.Text, d.Reply = b.Content, &a
	default:
		d.Text = b.Text()
	}
	return d
}

// arrange merges confirmed rows and pending sends into display order:
// (created_at, id), with a pending entry after any row of the same instant.
func arrange(rows []chat.Message, pending []Pending, self string) []DisplayMessage {
	out := make([]DisplayMessage, 0, len(rows)+len(pending))
	for _, m := range rows {
		out = append(out, display(m, self))
	}
	for _, p := range pending {
		d := display(p.Message(), self)
		d.LocalID, d.Pending = p.LocalID, true
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Pending != b.Pending {
			return !a.Pending
		}
		if a.Pending {
			return a.LocalID < b.LocalID
		}
		return a.ID < b.ID
	})
	return out
}
