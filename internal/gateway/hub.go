package gateway

import (
	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/session"
)

type lookup struct {
	userID string
	key    chat.Key
	reply  chan *session.Session
}

// Hub tracks the live sessions of every connected user so HTTP endpoints can
// reach the socket that has a given conversation open.
type Hub struct {
	clients    map[string]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	find       chan lookup
	quit       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		find:       make(chan lookup),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.Register:
			set, ok := h.clients[c.userID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.userID] = set
			}
			set[c] = true

		case c := <-h.Unregister:
			if set, ok := h.clients[c.userID]; ok {
				delete(set, c)
				if len(set) == 0 {
					delete(h.clients, c.userID)
				}
			}

		case q := <-h.find:
			var found *session.Session
			for c := range h.clients[q.userID] {
				if a := c.session.Snapshot().Active; a != nil && a.Key == q.key {
					found = c.session
					break
				}
			}
			q.reply <- found

		case <-h.quit:
			return
		}
	}
}

func (h *Hub) join(c *Client) {
	select {
	case h.Register <- c:
	case <-h.quit:
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.quit:
	}
}

// Stop ends Run.
func (h *Hub) Stop() { close(h.quit) }

// SessionWith returns a session of userID that has key open, or nil.
func (h *Hub) SessionWith(userID string, key chat.Key) *session.Session {
	q := lookup{userID: userID, key: key, reply: make(chan *session.Session, 1)}
	select {
	case h.find <- q:
		return <-q.reply
	case <-h.quit:
		return nil
	}
}
