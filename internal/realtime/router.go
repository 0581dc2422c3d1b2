package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/metrics"
)

// EventKind says what a routed event asks the session to do.
type EventKind int

const (
	// MessageArrived is a new row in the open conversation, first delivery only.
	MessageArrived EventKind = iota + 1
	// MessageChanged is a flag update on a row of the open conversation.
	MessageChanged
	// InboxRefresh asks for the conversation list to be reloaded.
	InboxRefresh
	// UnreadRefresh asks for the global unread badge to be recomputed.
	UnreadRefresh
	// Inbound is a new unread message addressed to the user, on any conversation.
	Inbound
	// Stale means a stream was re-established and events may have been missed.
	Stale
	// Live means a stream's first subscription is established. Anything
	// written before this point may not have been delivered.
	Live
)

func (k EventKind) String() string {
	switch k {
	case MessageArrived:
		return "message_arrived"
	case MessageChanged:
		return "message_changed"
	case InboxRefresh:
		return "inbox_refresh"
	case UnreadRefresh:
		return "unread_refresh"
	case Inbound:
		return "inbound"
	case Stale:
		return "stale"
	case Live:
		return "live"
	}
	return "unknown"
}

// Event is what the router hands to the session. Key is set for events from
// the conversation stream so late events of a closed conversation can be
// told apart.
type Event struct {
	Kind   EventKind
	Stream Stream
	Key    chat.Key
	Change Change
}

// Options tune a Router. Zero values take the defaults.
type Options struct {
	Debounce   time.Duration
	Buffer     int
	SeenLimit  int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

const (
	DefaultDebounce = 800 * time.Millisecond

	defaultBuffer     = 64
	defaultSeenLimit  = 512
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	if o.SeenLimit <= 0 {
		o.SeenLimit = defaultSeenLimit
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = defaultMinBackoff
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = defaultMaxBackoff
	}
	return o
}

type handle struct {
	filter Filter
	cancel context.CancelFunc
	done   chan struct{}
}

// Router owns one user's three scoped subscriptions: the open conversation,
// the inbox and the unread feed. Conversation inserts are forwarded at once
// and deduplicated by id. Inbox and unread activity is coalesced into
// debounced refresh requests.
type Router struct {
	transport Transport
	self      string
	opts      Options
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan Event

	inboxDebounce  *debouncer
	unreadDebounce *debouncer

	mu      sync.Mutex
	conv    *handle
	retired *handle
	inbox   *handle
	unread  *handle
	closed  bool
}

// NewRouter subscribes to self's inbox and unread feeds. The subscriptions
// are established in the background and retried until ctx ends or Close is
// called.
func NewRouter(ctx context.Context, t Transport, self string, opts Options, log zerolog.Logger) *Router {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	r := &Router{
		transport: t,
		self:      self,
		opts:      opts,
		log:       log.With().Str("user_id", self).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan Event, opts.Buffer),
	}
	r.inboxDebounce = newDebouncer(opts.Debounce, func() {
		metrics.DebouncedRefreshes.WithLabelValues(string(InboxStream)).Inc()
		r.emit(r.ctx, Event{Kind: InboxRefresh, Stream: InboxStream})
	})
	r.unreadDebounce = newDebouncer(opts.Debounce, func() {
		metrics.DebouncedRefreshes.WithLabelValues(string(UnreadStream)).Inc()
		r.emit(r.ctx, Event{Kind: UnreadRefresh, Stream: UnreadStream})
	})

	r.inbox = r.start(InboxFilter(self), nil, func(context.Context, Change) {
		r.inboxDebounce.Trigger()
	})
	r.unread = r.start(UnreadFilter(self), nil, func(ctx context.Context, c Change) {
		if c.Op == Insert && !c.Row.Read {
			r.emit(ctx, Event{Kind: Inbound, Stream: UnreadStream, Change: c})
		}
		r.unreadDebounce.Trigger()
	})
	return r
}

// Events is the single channel all routed events arrive on. It is never closed.
func (r *Router) Events() <-chan Event {
	return r.out
}

// Open switches the conversation stream to key. The previous conversation
// subscription is released before the new one is acquired.
func (r *Router) Open(key chat.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	prev := r.conv
	if prev == nil {
		prev = r.retired
	}
	r.retired = nil
	if prev != nil {
		prev.cancel()
	}
	seen := newSeenSet(r.opts.SeenLimit)
	r.conv = r.start(ConversationFilter(key.ItemID, r.self, key.Counterparty), prev, func(ctx context.Context, c Change) {
		if c.Op == Insert {
			if !seen.Add(c.Row.ID) {
				metrics.DuplicateEvents.Inc()
				return
			}
			r.emit(ctx, Event{Kind: MessageArrived, Stream: ConversationStream, Key: key, Change: c})
			return
		}
		r.emit(ctx, Event{Kind: MessageChanged, Stream: ConversationStream, Key: key, Change: c})
	})
}

// CloseConversation releases the conversation stream, if any.
func (r *Router) CloseConversation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conv != nil {
		r.conv.cancel()
		r.retired, r.conv = r.conv, nil
	}
}

// Close releases every subscription and waits for their goroutines to exit.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handles := []*handle{r.conv, r.inbox, r.unread}
	r.conv = nil
	r.mu.Unlock()

	r.cancel()
	r.inboxDebounce.Stop()
	r.unreadDebounce.Stop()
	for _, h := range handles {
		if h != nil {
			<-h.done
		}
	}
}

func (r *Router) start(f Filter, after *handle, apply func(context.Context, Change)) *handle {
	ctx, cancel := context.WithCancel(r.ctx)
	h := &handle{filter: f, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		if after != nil {
			<-after.done
		}
		r.run(ctx, h, apply)
	}()
	return h
}

// run keeps the stream subscribed until ctx ends. The first successful
// subscription emits Live. After any failure the next successful subscription
// emits Stale. Either way the session reloads from the store.
func (r *Router) run(ctx context.Context, h *handle, apply func(context.Context, Change)) {
	log := r.log.With().Str("stream", string(h.filter.Stream)).Logger()
	backoff := r.opts.MinBackoff
	failed, live := false, false

	for {
		sub, err := r.transport.Subscribe(ctx, h.filter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("subscribe failed")
			failed = true
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, r.opts.MaxBackoff)
			continue
		}
		if failed {
			metrics.Resubscribes.WithLabelValues(string(h.filter.Stream)).Inc()
			log.Info().Msg("resubscribed")
			r.emit(ctx, Event{Kind: Stale, Stream: h.filter.Stream, Key: keyOf(h.filter)})
		} else if !live {
			r.emit(ctx, Event{Kind: Live, Stream: h.filter.Stream, Key: keyOf(h.filter)})
		}
		live = true
		backoff = r.opts.MinBackoff

		err = consume(ctx, sub, apply)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("subscription ended")
		failed = true
		if !sleep(ctx, backoff) {
			return
		}
	}
}

func consume(ctx context.Context, sub *Subscription, apply func(context.Context, Change)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-sub.C():
			apply(ctx, c)
		case err := <-sub.Err():
			return err
		}
	}
}

func (r *Router) emit(ctx context.Context, ev Event) {
	select {
	case r.out <- ev:
	case <-ctx.Done():
	}
}

func keyOf(f Filter) chat.Key {
	if f.Stream != ConversationStream {
		return chat.Key{}
	}
	return f.Key()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
