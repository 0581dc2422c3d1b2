// Command loadtest opens pairs of buyer and seller sockets against a running
// server and has both sides chat about one listing.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"go-listing-chat/internal/identity"
	"go-listing-chat/internal/logging"
)

var (
	wsURL     = flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	pairCount = flag.Int("pairs", 50, "buyer/seller pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
	interval  = flag.Duration("interval", 250*time.Millisecond, "pause between sends")
)

type command struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id,omitempty"`
	Counterparty string `json:"counterparty,omitempty"`
	Text         string `json:"text,omitempty"`
}

type frame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type stats struct {
	sent, frames, errors atomic.Int64
}

func main() {
	flag.Parse()
	log := logging.New("info", true)

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal().Msg("❌ JWT_SECRET is not set")
	}
	tokens := identity.NewTokenValidator(secret)

	log.Info().Int("users", *pairCount*2).Int("messages", *msgCount).Msg("🔥 starting load test")
	var st stats
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID, tokens, &st, log)
		}(i)
	}
	wg.Wait()

	log.Info().
		Int64("sent", st.sent.Load()).
		Int64("frames", st.frames.Load()).
		Int64("errors", st.errors.Load()).
		Dur("elapsed", time.Since(start)).
		Msg("✅ load test complete")
}

func runPair(pairID int, tokens *identity.TokenValidator, st *stats, log zerolog.Logger) {
	buyer := identity.Identity{UserID: uuid.NewString(), DisplayName: fmt.Sprintf("buyer %d", pairID)}
	seller := identity.Identity{UserID: uuid.NewString(), DisplayName: fmt.Sprintf("seller %d", pairID)}
	item := uuid.NewString()

	var wg sync.WaitGroup
	wg.Add(2)
	go chat(&wg, tokens, buyer, seller.UserID, item, st, log)
	go chat(&wg, tokens, seller, buyer.UserID, item, st, log)
	wg.Wait()
}

func chat(wg *sync.WaitGroup, tokens *identity.TokenValidator, me identity.Identity, other, item string, st *stats, log zerolog.Logger) {
	defer wg.Done()
	log = log.With().Str("user", me.DisplayName).Logger()

	token, err := tokens.Issue(me, time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("❌ token")
		return
	}
	conn, _, err := websocket.DefaultDialer.Dial(*wsURL+"?token="+token, nil)
	if err != nil {
		log.Error().Err(err).Msg("❌ WS connect failed")
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			st.frames.Add(1)
			var f frame
			if json.Unmarshal(raw, &f) == nil && f.Type == "error" {
				st.errors.Add(1)
				log.Warn().Str("error", f.Error).Msg("server error")
			}
		}
	}()

	if err := conn.WriteJSON(command{Type: "open", ItemID: item, Counterparty: other}); err != nil {
		log.Error().Err(err).Msg("❌ open failed")
		return
	}
	for i := 0; i < *msgCount; i++ {
		msg := command{Type: "send", Text: fmt.Sprintf("LoadTest Msg %d from %s", i, me.DisplayName)}
		if err := conn.WriteJSON(msg); err != nil {
			log.Error().Err(err).Msg("❌ send failed")
			break
		}
		st.sent.Add(1)
		time.Sleep(*interval)
	}
	// Give the last confirmations a moment to arrive.
	time.Sleep(time.Second)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	log.Info().Int("messages", *msgCount).Msg("✅ finished")
}
