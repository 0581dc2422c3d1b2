// Package gateway exposes chat sessions over websockets, one session per
// connection, plus the HTTP endpoints that cannot ride the socket.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/metrics"
	myMiddleware "go-listing-chat/internal/middleware"
	"go-listing-chat/internal/notify"
	"go-listing-chat/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Limits bound what a single connection may do.
type Limits struct {
	CommandsPerSecond float64
	Burst             int
}

type Handler struct {
	hub    *Hub
	deps   session.Deps
	opts   session.Options
	limits Limits
	log    zerolog.Logger
}

// NewHandler serves sessions built from deps. deps.Bus must be shared by all
// sessions so notices reach every socket of a user.
func NewHandler(hub *Hub, deps session.Deps, opts session.Options, limits Limits, log zerolog.Logger) *Handler {
	if deps.Bus == nil {
		deps.Bus = notify.NewBus()
	}
	if limits.CommandsPerSecond <= 0 {
		limits.CommandsPerSecond = 5
	}
	if limits.Burst <= 0 {
		limits.Burst = 10
	}
	return &Handler{hub: hub, deps: deps, opts: opts, limits: limits, log: log}
}

// Routes mounts the authenticated endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/ws", h.ServeWs)
	r.Post("/api/attachments", h.UploadAttachment)
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	deps := h.deps
	deps.Log = h.log.With().Str("user_id", id.UserID).Logger()
	s := session.New(id, deps, h.opts)

	// The session outlives the request; it ends when the socket does.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			deps.Log.Error().Err(err).Msg("session stopped")
		}
	}()

	snaps, unsubscribe := s.Subscribe()
	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 16),
		userID:  id.UserID,
		session: s,
		notices: deps.Bus.Subscribe(id.UserID),
		limiter: rate.NewLimiter(rate.Limit(h.limits.CommandsPerSecond), h.limits.Burst),
		log:     deps.Log,
	}
	h.hub.join(client)
	deps.Log.Info().Msg("🔌 client connected")

	stop := func() {
		cancel()
		unsubscribe()
		client.notices.Close()
		deps.Log.Info().Msg("👋 client disconnected")
	}
	go client.writePump(snaps, s.Done())
	go client.readPump(stop)
}

// UploadAttachment takes a multipart form with kind, item_id, counterparty
// and file, and sends it through the caller's socket that has that
// conversation open.
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, session.MaxDocumentSize+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, "Invalid upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	key := chat.Key{ItemID: r.FormValue("item_id"), Counterparty: r.FormValue("counterparty")}
	kind := session.AttachmentKind(r.FormValue("kind"))
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Reading upload failed", http.StatusBadRequest)
		return
	}

	s := h.hub.SessionWith(id.UserID, key)
	if s == nil {
		http.Error(w, "Conversation is not open", http.StatusConflict)
		return
	}

	err = s.SendAttachment(r.Context(), kind, header.Filename, data)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, session.ErrAttachmentTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, session.ErrNotAnImage), errors.Is(err, session.ErrUnsupportedFile), errors.Is(err, session.ErrEmptyAttachment):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, session.ErrAttachmentsOff):
		http.Error(w, err.Error(), http.StatusNotImplemented)
	case errors.Is(err, session.ErrNoConversation):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.log.Error().Err(err).Str("user_id", id.UserID).Msg("attachment upload failed")
		http.Error(w, "Upload failed", http.StatusBadGateway)
	}
}

// Health answers liveness probes.
func Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, "ok")
}

// MetricsHandler serves the Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
