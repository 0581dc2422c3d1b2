package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/session"
)

// Command types a client may send.
const (
	cmdOpen               = "open"
	cmdClose              = "close"
	cmdSend               = "send"
	cmdReplyTo            = "reply_to"
	cmdClearReply         = "clear_reply"
	cmdDeleteConversation = "delete_conversation"
	cmdDeleteMessage      = "delete_message"
	cmdRefresh            = "refresh"
)

// Frame types the server sends.
const (
	frameSnapshot = "snapshot"
	frameNotice   = "notice"
	frameError    = "error"
)

var errUnknownCommand = errors.New("unknown command")

// Command is one inbound websocket message.
type Command struct {
	Type         string           `json:"type"`
	ItemID       string           `json:"item_id,omitempty"`
	Counterparty string           `json:"counterparty,omitempty"`
	Info         session.OpenInfo `json:"info"`
	Text         string           `json:"text,omitempty"`
	MessageID    int64            `json:"message_id,omitempty"`
}

func (c Command) key() chat.Key {
	return chat.Key{ItemID: c.ItemID, Counterparty: c.Counterparty}
}

// Frame is one outbound websocket message.
type Frame struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func encodeFrame(kind string, data any) []byte {
	b, err := json.Marshal(Frame{Type: kind, Data: data})
	if err != nil {
		b, _ = json.Marshal(Frame{Type: frameError, Error: err.Error()})
	}
	return b
}

func errorFrame(err error) []byte {
	b, _ := json.Marshal(Frame{Type: frameError, Error: err.Error()})
	return b
}

// dispatch applies c to s.
func dispatch(s *session.Session, c Command) error {
	switch c.Type {
	case cmdOpen:
		if c.ItemID == "" || c.Counterparty == "" {
			return fmt.Errorf("%s: item_id and counterparty are required", c.Type)
		}
		return s.Open(c.key(), c.Info)
	case cmdClose:
		return s.CloseConversation()
	case cmdSend:
		return s.Send(c.Text)
	case cmdReplyTo:
		return s.ReplyTo(c.MessageID)
	case cmdClearReply:
		return s.ClearReply()
	case cmdDeleteConversation:
		if c.ItemID == "" || c.Counterparty == "" {
			return fmt.Errorf("%s: item_id and counterparty are required", c.Type)
		}
		return s.DeleteConversation(c.key())
	case cmdDeleteMessage:
		return s.DeleteMessage(c.MessageID)
	case cmdRefresh:
		return s.Refresh()
	}
	return fmt.Errorf("%w %q", errUnknownCommand, c.Type)
}
