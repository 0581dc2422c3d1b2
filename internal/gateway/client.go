package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"go-listing-chat/internal/notify"
	"go-listing-chat/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
)

var errRateLimited = errors.New("too many commands, slow down")

// Client is a middleman between the websocket connection and one session.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	session *session.Session
	notices *notify.Subscription
	limiter *rate.Limiter
	log     zerolog.Logger
}

// readPump turns websocket messages into session commands.
func (c *Client) readPump(stop func()) {
	defer func() {
		stop()
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		if !c.limiter.Allow() {
			c.reply(errorFrame(errRateLimited))
			continue
		}
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.reply(errorFrame(err))
			continue
		}
		if err := dispatch(c.session, cmd); err != nil {
			if errors.Is(err, session.ErrClosed) {
				return
			}
			c.reply(errorFrame(err))
		}
	}
}

// reply queues a direct response; it is dropped if the writer is backed up.
func (c *Client) reply(b []byte) {
	select {
	case c.send <- b:
	default:
		c.log.Warn().Msg("reply dropped, client too slow")
	}
}

// writePump forwards snapshots, notices and replies to the websocket.
func (c *Client) writePump(snaps <-chan session.Snapshot, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		var msg []byte
		select {
		case snap := <-snaps:
			msg = encodeFrame(frameSnapshot, snap)
		case ev, ok := <-c.notices.C:
			if !ok {
				return
			}
			msg = encodeFrame(frameNotice, ev)
		case msg = <-c.send:
		case <-done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
