// Package session runs one user's client-side chat state: the conversation
// list, the open conversation with its optimistic sends, and the unread
// badge. All state is owned by a single goroutine; store round trips and
// realtime events reach it as messages.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"go-listing-chat/internal/blob"
	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/identity"
	"go-listing-chat/internal/metrics"
	"go-listing-chat/internal/notify"
	"go-listing-chat/internal/realtime"
	"go-listing-chat/internal/reply"
	"go-listing-chat/internal/scratch"
	"go-listing-chat/internal/store"
)

const DefaultSendTimeout = 15 * time.Second

var (
	ErrSendTimeout    = errors.New("send timed out")
	ErrNoConversation = errors.New("no conversation open")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotOwnMessage  = errors.New("only your own messages can be deleted")
	ErrUnknownMessage = errors.New("message not in this conversation")
	ErrClosed         = errors.New("session closed")
)

// Deps are the collaborators a session talks to. Markers and Bus default to
// in-memory implementations; Blobs and Directory may be nil.
type Deps struct {
	Store     store.Store
	Transport realtime.Transport
	Markers   scratch.Markers
	Blobs     blob.Store
	Directory identity.Directory
	Bus       *notify.Bus
	Log       zerolog.Logger
}

// Options tune a session. Zero values take the defaults.
type Options struct {
	Debounce    time.Duration
	SendTimeout time.Duration
	Clock       func() time.Time
}

// OpenInfo carries listing details the caller already knows about a
// conversation it opens. Missing fields are filled from the store.
type OpenInfo struct {
	ItemTitle   string `json:"item_title"`
	ItemImage   string `json:"item_image"`
	PartnerName string `json:"partner_name"`
}

type command interface {
	apply(ctx context.Context, s *Session)
}

type result interface {
	apply(ctx context.Context, s *Session)
}

type activeConv struct {
	key     chat.Key
	info    OpenInfo
	gen     uint64
	loading bool
	rows    []chat.Message
}

func (a *activeConv) find(id int64) (int, bool) {
	for i, m := range a.rows {
		if m.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (a *activeConv) insert(m chat.Message) {
	a.rows = append(a.rows, m)
	chat.Sort(a.rows, chat.Ascending)
}

func (a *activeConv) remove(id int64) {
	if i, ok := a.find(id); ok {
		a.rows = append(a.rows[:i:i], a.rows[i+1:]...)
	}
}

// Session is one user's chat client state machine.
type Session struct {
	me   identity.Identity
	deps Deps
	opts Options
	log  zerolog.Logger

	cmds    chan command
	results chan result
	done    chan struct{}

	latest atomic.Pointer[Snapshot]
	subsMu sync.Mutex
	subs   map[chan Snapshot]struct{}

	// Everything below is owned by Run.
	router        *realtime.Router
	conversations []chat.Conversation
	cutoffs       chat.Cutoffs
	active        *activeConv
	rec           Reconciler
	replyTarget   *chat.Message
	reading       map[int64]bool
	unread        int
	sentUnread    int
	lastErr       string
	version       uint64
	gen           uint64
	inboxGen      uint64
}

func New(me identity.Identity, deps Deps, opts Options) *Session {
	if deps.Markers == nil {
		deps.Markers = scratch.NewMemoryMarkers()
	}
	if deps.Bus == nil {
		deps.Bus = notify.NewBus()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = realtime.DefaultDebounce
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Session{
		me:         me,
		deps:       deps,
		opts:       opts,
		log:        deps.Log.With().Str("user_id", me.UserID).Logger(),
		cmds:       make(chan command, 16),
		results:    make(chan result, 16),
		done:       make(chan struct{}),
		subs:       make(map[chan Snapshot]struct{}),
		cutoffs:    make(chat.Cutoffs),
		reading:    make(map[int64]bool),
		sentUnread: -1,
	}
	s.latest.Store(&Snapshot{UserID: me.UserID})
	return s
}

// Run owns the session state until ctx ends. It returns ctx's error.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	s.router = realtime.NewRouter(ctx, s.deps.Transport, s.me.UserID, realtime.Options{Debounce: s.opts.Debounce}, s.log)
	defer s.router.Close()

	cut, err := s.deps.Markers.All(s.me.UserID)
	if err != nil {
		s.log.Warn().Err(err).Msg("loading suppression markers failed")
	} else {
		s.cutoffs = cut
	}
	s.refreshInbox(ctx)
	s.recomputeBadge(ctx)
	s.publish()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-s.cmds:
			s.lastErr = ""
			c.apply(ctx, s)
		case r := <-s.results:
			r.apply(ctx, s)
		case ev := <-s.router.Events():
			s.route(ctx, ev)
		}
		s.publish()
	}
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Identity() identity.Identity { return s.me }

// Snapshot returns the latest published state.
func (s *Session) Snapshot() Snapshot { return *s.latest.Load() }

// Subscribe returns a channel that always holds the newest snapshot; older
// ones are dropped if the reader is slow. Call cancel to stop delivery.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	c := make(chan Snapshot, 1)
	s.subsMu.Lock()
	s.subs[c] = struct{}{}
	c <- *s.latest.Load()
	s.subsMu.Unlock()
	return c, func() {
		s.subsMu.Lock()
		delete(s.subs, c)
		s.subsMu.Unlock()
	}
}

// ---------------------------------------------
// 📥 Commands
// ---------------------------------------------

func (s *Session) post(c command) error {
	select {
	case s.cmds <- c:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Open makes key the active conversation, replacing any other.
func (s *Session) Open(key chat.Key, info OpenInfo) error {
	return s.post(openCmd{key: key, info: info})
}

// CloseConversation leaves the active conversation.
func (s *Session) CloseConversation() error { return s.post(closeCmd{}) }

// Send posts text to the active conversation, quoting the reply target if set.
func (s *Session) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return s.post(sendCmd{text: text})
}

// ReplyTo sets the message the next send will quote.
func (s *Session) ReplyTo(messageID int64) error { return s.post(replyCmd{id: messageID}) }

func (s *Session) ClearReply() error { return s.post(replyCmd{}) }

// DeleteConversation hides a conversation from this user only.
func (s *Session) DeleteConversation(key chat.Key) error {
	return s.post(deleteConversationCmd{key: key})
}

// DeleteMessage hides one of the user's own messages in the active conversation.
func (s *Session) DeleteMessage(messageID int64) error {
	return s.post(deleteMessageCmd{id: messageID})
}

// Refresh reloads everything from the store.
func (s *Session) Refresh() error { return s.post(refreshCmd{}) }

type openCmd struct {
	key  chat.Key
	info OpenInfo
}

func (c openCmd) apply(ctx context.Context, s *Session) {
	s.rec.Clear()
	s.replyTarget = nil
	s.gen++
	a := &activeConv{key: c.key, info: c.info, gen: s.gen, loading: true}
	s.active = a
	s.router.Open(c.key)

	for i := range s.conversations {
		conv := &s.conversations[i]
		if conv.Key != c.key {
			continue
		}
		fillInfo(&a.info, conv.ItemTitle, conv.ItemImage, conv.PartnerName)
		// Opening clears the badge for this conversation right away; the
		// store catches up once the batch read lands.
		s.unread = max(0, s.unread-conv.UnreadCount)
		conv.UnreadCount = 0
	}
	s.loadActive(ctx)
}

type closeCmd struct{}

func (closeCmd) apply(_ context.Context, s *Session) { s.closeActive() }

type sendCmd struct {
	text string
}

func (c sendCmd) apply(ctx context.Context, s *Session) {
	a := s.active
	if a == nil {
		s.lastErr = ErrNoConversation.Error()
		return
	}
	body := c.text
	if t := s.replyTarget; t != nil {
		body = reply.Encode(t.Quoted(), c.text, s.me.UserID, a.info.PartnerName)
	}
	s.replyTarget = nil
	s.submit(ctx, chat.Draft{
		ItemID:     a.key.ItemID,
		SenderID:   s.me.UserID,
		ReceiverID: a.key.Counterparty,
		Body:       body,
	})
}

type replyCmd struct {
	id int64
}

func (c replyCmd) apply(_ context.Context, s *Session) {
	if c.id == 0 {
		s.replyTarget = nil
		return
	}
	a := s.active
	if a == nil {
		s.lastErr = ErrNoConversation.Error()
		return
	}
	i, ok := a.find(c.id)
	if !ok {
		s.lastErr = ErrUnknownMessage.Error()
		return
	}
	m := a.rows[i]
	s.replyTarget = &m
}

type deleteConversationCmd struct {
	key chat.Key
}

func (c deleteConversationCmd) apply(ctx context.Context, s *Session) {
	self := s.me.UserID
	at := s.now()
	// The local marker goes first so the conversation stays hidden even if
	// the server-side flags never get written.
	if err := s.deps.Markers.Set(self, c.key, at); err != nil {
		s.log.Warn().Err(err).Str("conversation", c.key.String()).Msg("persisting suppression marker failed")
	}
	s.cutoffs[c.key] = at

	kept := s.conversations[:0:0]
	for _, conv := range s.conversations {
		if conv.Key != c.key {
			kept = append(kept, conv)
		}
	}
	s.conversations = kept
	if s.isActive(c.key) {
		s.closeActive()
	}

	scope := chat.Scope{ItemID: c.key.ItemID, Counterpart: c.key.Counterparty, Self: self}
	log := s.log.With().Str("conversation", c.key.String()).Logger()
	s.spawn(ctx, func(ctx context.Context) result {
		for _, dir := range []chat.Direction{chat.AsSender, chat.AsReceiver} {
			n, err := s.deps.Store.SoftDelete(ctx, dir, scope)
			if err != nil {
				log.Error().Err(err).Stringer("direction", dir).Msg("soft delete failed")
				continue
			}
			log.Debug().Stringer("direction", dir).Int("rows", n).Msg("soft deleted")
		}
		return badgeStale{}
	})
}

type deleteMessageCmd struct {
	id int64
}

func (c deleteMessageCmd) apply(ctx context.Context, s *Session) {
	a := s.active
	if a == nil {
		s.lastErr = ErrNoConversation.Error()
		return
	}
	i, ok := a.find(c.id)
	if !ok {
		s.lastErr = ErrUnknownMessage.Error()
		return
	}
	if a.rows[i].SenderID != s.me.UserID {
		s.lastErr = ErrNotOwnMessage.Error()
		return
	}
	gen, self := a.gen, s.me.UserID
	s.spawn(ctx, func(ctx context.Context) result {
		return messageDeleted{gen: gen, id: c.id, err: s.deps.Store.DeleteOwn(ctx, c.id, self)}
	})
}

type refreshCmd struct{}

func (refreshCmd) apply(ctx context.Context, s *Session) {
	s.refreshInbox(ctx)
	s.recomputeBadge(ctx)
	if s.active != nil {
		s.loadActive(ctx)
	}
}

type attachmentCmd struct {
	key  chat.Key
	body string
	url  string
}

func (c attachmentCmd) apply(ctx context.Context, s *Session) {
	d := chat.Draft{
		ItemID:        c.key.ItemID,
		SenderID:      s.me.UserID,
		ReceiverID:    c.key.Counterparty,
		Body:          c.body,
		AttachmentURL: c.url,
	}
	if s.isActive(c.key) {
		s.submit(ctx, d)
		return
	}
	// The user moved on while uploading; the file is already stored, so the
	// message is still written, just without an optimistic entry.
	s.spawn(ctx, func(ctx context.Context) result {
		if _, err := s.deps.Store.Append(ctx, d); err != nil {
			s.log.Error().Err(err).Str("conversation", c.key.String()).Msg("attachment message failed")
			s.discardUpload(d.AttachmentURL)
		}
		return nil
	})
}

// ---------------------------------------------
// 📤 Store completions
// ---------------------------------------------

// spawn runs f off the actor and feeds its result back in. A nil result is
// dropped.
func (s *Session) spawn(ctx context.Context, f func(context.Context) result) {
	go func() {
		if r := f(ctx); r != nil {
			s.deliver(ctx, r)
		}
	}()
}

func (s *Session) deliver(ctx context.Context, r result) {
	select {
	case s.results <- r:
	case <-ctx.Done():
	}
}

func (s *Session) loadActive(ctx context.Context) {
	a := s.active
	key, gen, self := a.key, a.gen, s.me.UserID
	needName := a.info.PartnerName == "" && s.deps.Directory != nil
	s.spawn(ctx, func(ctx context.Context) result {
		rows, err := s.deps.Store.Query(ctx, chat.Pair(key.ItemID, self, key.Counterparty))
		if err != nil {
			return activeLoaded{gen: gen, err: err}
		}
		var name string
		if needName {
			if name, err = s.deps.Directory.DisplayName(ctx, key.Counterparty); err != nil {
				s.log.Warn().Err(err).Str("partner_id", key.Counterparty).Msg("partner name lookup failed")
			}
		}
		return activeLoaded{gen: gen, rows: rows, partnerName: name}
	})
}

type activeLoaded struct {
	gen         uint64
	rows        []chat.Message
	partnerName string
	err         error
}

func (r activeLoaded) apply(ctx context.Context, s *Session) {
	a := s.active
	if a == nil || a.gen != r.gen {
		return
	}
	a.loading = false
	if r.err != nil {
		s.log.Error().Err(r.err).Str("conversation", a.key.String()).Msg("loading conversation failed")
		s.lastErr = "could not load conversation"
		return
	}

	self := s.me.UserID
	merged := make([]chat.Message, 0, len(r.rows)+len(a.rows))
	loaded := make(map[int64]bool, len(r.rows))
	for _, m := range r.rows {
		if !chat.VisibleTo(m, self) || s.cutoffs.Hides(a.key, m) {
			continue
		}
		loaded[m.ID] = true
		// The store's flag wins unless a read write is still on its way.
		if s.reading[m.ID] {
			m.Read = true
		}
		merged = append(merged, m)
		fillFromRow(&a.info, m, self)
	}
	// Rows that arrived over realtime while the query ran.
	for _, m := range a.rows {
		if !loaded[m.ID] {
			merged = append(merged, m)
		}
	}
	chat.Sort(merged, chat.Ascending)
	a.rows = merged
	if r.partnerName != "" {
		fillInfo(&a.info, "", "", r.partnerName)
	}
	s.markConversationRead(ctx)
}

func (s *Session) refreshInbox(ctx context.Context) {
	s.inboxGen++
	gen, self := s.inboxGen, s.me.UserID
	s.spawn(ctx, func(ctx context.Context) result {
		rows, err := s.deps.Store.Query(ctx, chat.Involving(self))
		return inboxLoaded{gen: gen, rows: rows, err: err}
	})
}

type inboxLoaded struct {
	gen  uint64
	rows []chat.Message
	err  error
}

func (r inboxLoaded) apply(_ context.Context, s *Session) {
	if r.gen != s.inboxGen {
		return
	}
	if r.err != nil {
		s.log.Error().Err(r.err).Msg("loading conversations failed")
		return
	}
	convs := chat.Aggregate(s.me.UserID, r.rows, s.cutoffs)
	if a := s.active; a != nil {
		for i := range convs {
			if convs[i].Key == a.key {
				convs[i].UnreadCount = 0
				fillInfo(&a.info, convs[i].ItemTitle, convs[i].ItemImage, convs[i].PartnerName)
			}
		}
	}
	s.conversations = convs
}

// submit shows d as pending and writes it. The entry is rolled back if the
// write fails or has not been confirmed within the send timeout.
func (s *Session) submit(ctx context.Context, d chat.Draft) {
	p := s.rec.Submit(d, s.now())
	gen := s.active.gen
	timer := time.AfterFunc(s.opts.SendTimeout, func() {
		s.deliver(ctx, sendExpired{gen: gen, localID: p.LocalID})
	})
	s.spawn(ctx, func(ctx context.Context) result {
		ctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
		defer cancel()
		m, err := s.deps.Store.Append(ctx, d)
		timer.Stop()
		return sendDone{gen: gen, pending: p, msg: m, err: err}
	})
}

type sendDone struct {
	gen     uint64
	pending Pending
	msg     chat.Message
	err     error
}

func (r sendDone) apply(ctx context.Context, s *Session) {
	if r.err != nil {
		err, reason := r.err, "write_error"
		if errors.Is(err, context.DeadlineExceeded) {
			err, reason = fmt.Errorf("%w: %v", ErrSendTimeout, err), "timeout"
		}
		s.rollback(r.gen, r.pending, err, reason)
		return
	}
	a := s.active
	if a == nil || a.gen != r.gen {
		return
	}
	if _, ok := a.find(r.msg.ID); ok {
		// Realtime delivered the row first and it was matched to another
		// pending entry with the same content; this one is now redundant.
		s.rec.ConfirmLocal(r.pending.LocalID)
	} else {
		if s.rec.ConfirmLocal(r.pending.LocalID) {
			metrics.SendsConfirmed.Inc()
		}
		a.insert(r.msg)
	}
	// Realtime rows carry no listing details; the store's response may.
	fillFromRow(&a.info, r.msg, s.me.UserID)
	if a.info.ItemTitle == "" {
		// First message of a new conversation: the listing details only
		// come back with the aggregated inbox.
		s.refreshInbox(ctx)
	}
}

type sendExpired struct {
	gen     uint64
	localID int64
}

func (r sendExpired) apply(_ context.Context, s *Session) {
	s.rollback(r.gen, Pending{LocalID: r.localID}, ErrSendTimeout, "timeout")
}

func (s *Session) rollback(gen uint64, p Pending, err error, reason string) {
	// A timed out write may still land, so only a rejected one frees the file.
	// The file is freed even when the user has since left the conversation.
	if reason == "write_error" {
		s.discardUpload(p.Draft.AttachmentURL)
	}
	a := s.active
	if a == nil || a.gen != gen {
		return
	}
	p, ok := s.rec.Rollback(p.LocalID)
	if !ok {
		return
	}
	metrics.SendsRolledBack.WithLabelValues(reason).Inc()
	s.log.Warn().Err(err).Int64("local_id", p.LocalID).Msg("send rolled back")
	s.lastErr = err.Error()
	s.deps.Bus.Publish(notify.Event{
		Kind:    notify.SendFailed,
		UserID:  s.me.UserID,
		Key:     a.key,
		Preview: reply.Decode(p.Draft.Body).Text(),
		Error:   err.Error(),
	})
}

type messageDeleted struct {
	gen uint64
	id  int64
	err error
}

func (r messageDeleted) apply(_ context.Context, s *Session) {
	if r.err != nil {
		s.log.Error().Err(r.err).Int64("message_id", r.id).Msg("deleting message failed")
		s.lastErr = "could not delete message"
		return
	}
	if a := s.active; a != nil && a.gen == r.gen {
		a.remove(r.id)
	}
	if t := s.replyTarget; t != nil && t.ID == r.id {
		s.replyTarget = nil
	}
}

// ---------------------------------------------
// 📡 Realtime
// ---------------------------------------------

func (s *Session) route(ctx context.Context, ev realtime.Event) {
	switch ev.Kind {
	case realtime.MessageArrived:
		if s.isActive(ev.Key) {
			s.applyInsert(ctx, ev.Change.Row)
		}
	case realtime.MessageChanged:
		if s.isActive(ev.Key) {
			s.applyUpdate(ev.Change)
		}
	case realtime.InboxRefresh:
		s.refreshInbox(ctx)
	case realtime.UnreadRefresh:
		s.recomputeBadge(ctx)
	case realtime.Inbound:
		s.announce(ctx, ev.Change.Row)
	case realtime.Stale, realtime.Live:
		// Anything written before the stream was in place is only in the store.
		switch ev.Stream {
		case realtime.ConversationStream:
			if s.isActive(ev.Key) {
				s.loadActive(ctx)
			}
		case realtime.InboxStream:
			s.refreshInbox(ctx)
		case realtime.UnreadStream:
			s.recomputeBadge(ctx)
		}
	}
}

func (s *Session) applyInsert(ctx context.Context, m chat.Message) {
	a := s.active
	if !chat.VisibleTo(m, s.me.UserID) || s.cutoffs.Hides(a.key, m) {
		return
	}
	if _, ok := a.find(m.ID); ok {
		return
	}
	if _, ok := s.rec.ConfirmRow(m); ok {
		metrics.SendsConfirmed.Inc()
	}
	a.insert(m)
	fillFromRow(&a.info, m, s.me.UserID)
	if chat.UnreadBy(m, s.me.UserID) {
		s.markRead(ctx, m.ID)
	}
}

func (s *Session) applyUpdate(c realtime.Change) {
	a := s.active
	i, ok := a.find(c.Row.ID)
	if !ok {
		return
	}
	if c.Op == realtime.Delete {
		a.remove(c.Row.ID)
		return
	}
	// Flags only ever go false -> true, so merging keeps the newest state
	// regardless of arrival order.
	m := &a.rows[i]
	m.Read = m.Read || c.Row.Read
	m.DeletedBySender = m.DeletedBySender || c.Row.DeletedBySender
	m.DeletedByReceiver = m.DeletedByReceiver || c.Row.DeletedByReceiver
	if !chat.VisibleTo(*m, s.me.UserID) {
		a.remove(c.Row.ID)
	}
}

// ---------------------------------------------
// 🧩 Helpers
// ---------------------------------------------

func (s *Session) closeActive() {
	if s.active == nil {
		return
	}
	s.router.CloseConversation()
	s.active = nil
	s.rec.Clear()
	s.replyTarget = nil
}

func (s *Session) isActive(key chat.Key) bool {
	return s.active != nil && s.active.key == key
}

func (s *Session) now() time.Time {
	return s.opts.Clock().UTC()
}

func (s *Session) publish() {
	snap := s.snapshot()
	s.latest.Store(snap)

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for c := range s.subs {
		select {
		case <-c:
		default:
		}
		c <- *snap
	}
}

func (s *Session) snapshot() *Snapshot {
	s.version++
	snap := &Snapshot{
		UserID:        s.me.UserID,
		Version:       s.version,
		Conversations: append([]chat.Conversation(nil), s.conversations...),
		Unread:        s.unread,
		LastError:     s.lastErr,
	}
	if a := s.active; a != nil {
		partner := a.info.PartnerName
		if partner == "" {
			partner = chat.DefaultPartnerName
		}
		snap.Active = &ActiveView{
			Key:         a.key,
			ItemTitle:   a.info.ItemTitle,
			ItemImage:   a.info.ItemImage,
			PartnerName: partner,
			Loading:     a.loading,
			Messages:    arrange(a.rows, s.rec.Entries(), s.me.UserID),
		}
		if t := s.replyTarget; t != nil {
			ann := reply.Annotate(t.Quoted(), s.me.UserID, a.info.PartnerName)
			snap.ReplyTarget = &ann
		}
	}
	return snap
}

// fillFromRow fills listing details from a row of the conversation. The
// partner is whichever side of the row is not self.
func fillFromRow(info *OpenInfo, m chat.Message, self string) {
	if m.SenderID == self {
		fillInfo(info, m.ItemTitle, m.ItemImage, m.ReceiverName)
		return
	}
	fillInfo(info, m.ItemTitle, m.ItemImage, m.SenderName)
}

func fillInfo(info *OpenInfo, title, image, partner string) {
	if info.ItemTitle == "" {
		info.ItemTitle = title
	}
	if info.ItemImage == "" {
		info.ItemImage = image
	}
	if info.PartnerName == "" {
		info.PartnerName = partner
	}
}

