package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-listing-chat/internal/blob"
	"go-listing-chat/internal/chat"
	"go-listing-chat/internal/identity"
	"go-listing-chat/internal/notify"
	"go-listing-chat/internal/realtime"
	"go-listing-chat/internal/reply"
	"go-listing-chat/internal/scratch"
	"go-listing-chat/internal/store"
)

var bike = chat.Key{ItemID: "bike", Counterparty: "bob"}

// bikeForBob is the same conversation seen from the seller's side.
var bikeForBob = chat.Key{ItemID: "bike", Counterparty: "alice"}

type harness struct {
	broker    *realtime.Broker
	transport realtime.Transport
	store     *store.MemoryStore
	bus       *notify.Bus
	markers   *scratch.MemoryMarkers
	blobs     *blob.MemoryStore
}

func newHarness() *harness {
	b := realtime.NewBroker()
	st := store.NewMemoryStore(b, zerolog.Nop())
	st.PutProfile("alice", "Alice")
	st.PutProfile("bob", "Bob")
	st.PutItem("bike", store.Item{Title: "Road bike", Image: "https://img/bike.jpg"})
	return &harness{
		broker:    b,
		transport: b,
		store:     st,
		bus:       notify.NewBus(),
		markers:   scratch.NewMemoryMarkers(),
		blobs:     blob.NewMemoryStore(),
	}
}

func (h *harness) start(t *testing.T, user string, st store.Store, opts Options) *Session {
	t.Helper()
	if st == nil {
		st = h.store
	}
	if opts.Debounce == 0 {
		opts.Debounce = 20 * time.Millisecond
	}
	s := New(identity.Identity{UserID: user}, Deps{
		Store:     st,
		Transport: h.transport,
		Markers:   h.markers,
		Blobs:     h.blobs,
		Directory: h.store,
		Bus:       h.bus,
		Log:       zerolog.Nop(),
	}, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s
}

func eventually(t *testing.T, s *Session, cond func(Snapshot) bool, msg string) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = s.Snapshot()
		return cond(snap)
	}, 2*time.Second, 5*time.Millisecond, msg)
	return snap
}

func loaded(snap Snapshot) bool {
	return snap.Active != nil && !snap.Active.Loading
}

func conversation(snap Snapshot, key chat.Key) (chat.Conversation, bool) {
	for _, c := range snap.Conversations {
		if c.Key == key {
			return c, true
		}
	}
	return chat.Conversation{}, false
}

func withID(snap Snapshot, id int64) int {
	n := 0
	if snap.Active != nil {
		for _, m := range snap.Active.Messages {
			if m.ID == id {
				n++
			}
		}
	}
	return n
}

// gatedStore holds appends until the gate is closed or the caller gives up.
type gatedStore struct {
	store.Store
	gate chan struct{}
}

func (g *gatedStore) Append(ctx context.Context, d chat.Draft) (chat.Message, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return chat.Message{}, ctx.Err()
	}
	return g.Store.Append(ctx, d)
}

// flakyReads fails MarkRead while fail is set.
type flakyReads struct {
	store.Store
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *flakyReads) MarkRead(ctx context.Context, ids []int64) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("read flags unavailable")
	}
	return f.Store.MarkRead(ctx, ids)
}

// slowConversations delays conversation-stream subscriptions so rows can be
// written between the initial load and the stream going live.
type slowConversations struct {
	realtime.Transport
	delay time.Duration
}

func (s slowConversations) Subscribe(ctx context.Context, f realtime.Filter) (*realtime.Subscription, error) {
	if f.Stream == realtime.ConversationStream {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Transport.Subscribe(ctx, f)
}

func TestFirstMessageIsPendingThenConfirmed(t *testing.T) {
	h := newHarness()
	gated := &gatedStore{Store: h.store, gate: make(chan struct{})}
	alice := h.start(t, "alice", gated, Options{})
	bob := h.start(t, "bob", nil, Options{})

	require.NoError(t, alice.Open(bike, OpenInfo{}))
	eventually(t, alice, loaded, "conversation loads")
	require.NoError(t, alice.Send("Is this available?"))

	snap := eventually(t, alice, func(s Snapshot) bool {
		return len(s.Active.Messages) == 1 && s.Active.Messages[0].Pending
	}, "pending message shows")
	p := snap.Active.Messages[0]
	assert.Zero(t, p.ID)
	assert.Positive(t, p.LocalID)
	assert.Equal(t, "Is this available?", p.Text)

	close(gated.gate)
	snap = eventually(t, alice, func(s Snapshot) bool {
		return len(s.Active.Messages) == 1 && !s.Active.Messages[0].Pending
	}, "pending replaced by server row")
	m := snap.Active.Messages[0]
	assert.Positive(t, m.ID)
	assert.False(t, m.Read)
	snap = eventually(t, alice, func(s Snapshot) bool { return s.Active.ItemTitle != "" }, "listing details fill in")
	assert.Equal(t, "Road bike", snap.Active.ItemTitle)
	assert.Equal(t, "Bob", snap.Active.PartnerName)

	snap = eventually(t, alice, func(s Snapshot) bool { return len(s.Conversations) == 1 }, "alice inbox refreshes")
	assert.Equal(t, "Is this available?", snap.Conversations[0].LastMessage)
	assert.Equal(t, 0, snap.Conversations[0].UnreadCount)

	snap = eventually(t, bob, func(s Snapshot) bool {
		c, ok := conversation(s, bikeForBob)
		return ok && c.UnreadCount == 1 && s.Unread == 1
	}, "bob sees one unread")
	assert.Equal(t, "Alice", snap.Conversations[0].PartnerName)

	// Realtime and the store response both confirmed the same row.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, withID(alice.Snapshot(), m.ID))
}

func TestOpeningClearsUnreadForReceiverOnly(t *testing.T) {
	h := newHarness()
	reads := h.bus.Subscribe("bob", notify.MessagesRead)
	defer reads.Close()

	_, err := h.store.Append(context.Background(), chat.Draft{ItemID: "bike", SenderID: "alice", ReceiverID: "bob", Body: "Is this available?"})
	require.NoError(t, err)

	alice := h.start(t, "alice", nil, Options{})
	bob := h.start(t, "bob", nil, Options{})
	eventually(t, bob, func(s Snapshot) bool { return s.Unread == 1 }, "bob starts with one unread")

	require.NoError(t, bob.Open(bikeForBob, OpenInfo{}))
	snap := eventually(t, bob, func(s Snapshot) bool {
		c, ok := conversation(s, bikeForBob)
		return loaded(s) && ok && c.UnreadCount == 0 && s.Unread == 0
	}, "bob's unread drops to zero")
	require.Len(t, snap.Active.Messages, 1)
	assert.True(t, snap.Active.Messages[0].Read)

	select {
	case ev := <-reads.C:
		assert.Len(t, ev.MessageIDs, 1)
		assert.Equal(t, bikeForBob, ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("no messages-read notification")
	}

	n, err := h.store.CountUnread(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, n)

	snap = eventually(t, alice, func(s Snapshot) bool { return len(s.Conversations) == 1 }, "alice inbox loads")
	assert.Zero(t, snap.Unread)
	assert.Zero(t, snap.Conversations[0].UnreadCount)
}

func TestLiveMessageInOpenConversationIsMarkedRead(t *testing.T) {
	h := newHarness()
	bob := h.start(t, "bob", nil, Options{})
	require.NoError(t, bob.Open(bikeForBob, OpenInfo{}))
	eventually(t, bob, loaded, "conversation loads")

	m, err := h.store.Append(context.Background(), chat.Draft{ItemID: "bike", SenderID: "alice", ReceiverID: "bob", Body: "hello?"})
	require.NoError(t, err)

	eventually(t, bob, func(s Snapshot) bool { return withID(s, m.ID) == 1 }, "live message shows")
	require.Eventually(t, func() bool {
		n, err := h.store.CountUnread(context.Background(), "bob")
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReplyQuotesOriginal(t *testing.T) {
	h := newHarness()
	alice := h.start(t, "alice", nil, Options{})
	bob := h.start(t, "bob", nil, Options{})

	require.NoError(t, bob.Open(bikeForBob, OpenInfo{}))
	eventually(t, bob, loaded, "bob loads")
	require.NoError(t, bob.Send("Yes, still available"))

	require.NoError(t, alice.Open(bike, OpenInfo{}))
	snap := eventually(t, alice, func(s Snapshot) bool {
		return loaded(s) && len(s.Active.Messages) == 1 && s.Active.Messages[0].ID > 0
	}, "alice sees bob's message")
	original := snap.Active.Messages[0]

	require.NoError(t, alice.ReplyTo(original.ID))
	snap = eventually(t, alice, func(s Snapshot) bool { return s.ReplyTarget != nil }, "reply target set")
	assert.Equal(t, "Bob", snap.ReplyTarget.SenderLabel)

	require.NoError(t, alice.Send("Great, can I see it today?"))
	snap = eventually(t, alice, func(s Snapshot) bool {
		return len(s.Active.Messages) == 2 && !s.Active.Messages[1].Pending
	}, "reply confirmed")
	assert.Nil(t, snap.ReplyTarget)

	got := snap.Active.Messages[1]
	assert.Equal(t, "Great, can I see it today?", got.Text)
	require.NotNil(t, got.Reply)
	assert.Equal(t, original.ID, got.Reply.OriginalID)
	assert.Equal(t, "Bob", got.Reply.SenderLabel)
	assert.Equal(t, "Yes, still available", got.Reply.Preview)

	rows, err := h.store.Query(context.Background(), chat.Pair("bike", "alice", "bob"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	w, ok := reply.Decode(rows[1].Body).(reply.WithReply)
	require.True(t, ok)
	assert.Equal(t, "Great, can I see it today?", w.Text())
	assert.Equal(t, "Great, can I see it today?", rows[1].DisplayText())

	// Quoting your own message labels it "You".
	require.NoError(t, alice.ReplyTo(got.ID))
	snap = eventually(t, alice, func(s Snapshot) bool { return s.ReplyTarget != nil }, "reply target set")
	assert.Equal(t, reply.SelfLabel, snap.ReplyTarget.SenderLabel)
	assert.Equal(t, "Great, can I see it today?", snap.ReplyTarget.Preview)
}

func TestDeleteConversationIsOneSided(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	for _, d := range []chat.Draft{
		{ItemID: "bike", SenderID: "alice", ReceiverID: "bob", Body: "Is this available?"},
		{ItemID: "bike", SenderID: "bob", ReceiverID: "alice", Body: "Yes"},
	} {
		_, err := h.store.Append(ctx, d)
		require.NoError(t, err)
	}

	alice := h.start(t, "alice", nil, Options{})
	bob := h.start(t, "bob", nil, Options{})
	eventually(t, alice, func(s Snapshot) bool { return len(s.Conversations) == 1 }, "alice inbox loads")
	require.NoError(t, alice.Open(bike, OpenInfo{}))
	eventually(t, alice, loaded, "alice opens")

	require.NoError(t, alice.DeleteConversation(bike))
	snap := eventually(t, alice, func(s Snapshot) bool { return len(s.Conversations) == 0 }, "conversation removed")
	assert.Nil(t, snap.Active)

	_, ok, err := h.markers.Get("alice", bike)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		rows, err := h.store.Query(ctx, chat.Pair("bike", "alice", "bob"))
		return err == nil && len(chat.FilterVisible(rows, "alice")) == 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.Refresh())
	snap = eventually(t, bob, func(s Snapshot) bool { return len(s.Conversations) == 1 }, "bob keeps the conversation")
	assert.Equal(t, "Yes", snap.Conversations[0].LastMessage)
	require.NoError(t, bob.Open(bikeForBob, OpenInfo{}))
	snap = eventually(t, bob, loaded, "bob opens")
	assert.Len(t, snap.Active.Messages, 2)

	// A later message brings the conversation back with only the new row.
	require.NoError(t, bob.Send("Still interested?"))
	snap = eventually(t, alice, func(s Snapshot) bool { return len(s.Conversations) == 1 }, "conversation reappears")
	assert.Equal(t, "Still interested?", snap.Conversations[0].LastMessage)
	assert.Equal(t, 1, snap.Conversations[0].UnreadCount)
}

func TestDuplicateRealtimeEventsApplyOnce(t *testing.T) {
	h := newHarness()
	alice := h.start(t, "alice", nil, Options{})
	require.NoError(t, alice.Open(bike, OpenInfo{}))
	eventually(t, alice, loaded, "alice opens")
	require.Eventually(t, func() bool { return h.broker.Subscribers() == 3 }, time.Second, 5*time.Millisecond)

	row := chat.Message{ID: 41, ItemID: "bike", SenderID: "bob", ReceiverID: "alice", Body: "hi", CreatedAt: time.Now().UTC()}
	h.store.Seed(row)
	ctx := context.Background()
	require.NoError(t, h.broker.Publish(ctx, realtime.Change{Op: realtime.Insert, Row: row}))
	require.NoError(t, h.broker.Publish(ctx, realtime.Change{Op: realtime.Insert, Row: row}))

	eventually(t, alice, func(s Snapshot) bool { return withID(s, 41) == 1 }, "message shows")
	require.NoError(t, alice.Refresh())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, withID(alice.Snapshot(), 41))
}

func TestSwitchingConversationIgnoresOldStream(t *testing.T) {
	h := newHarness()
	alice := h.start(t, "alice", nil, Options{})
	lamp := chat.Key{ItemID: "lamp", Counterparty: "carol"}

	require.NoError(t, alice.Open(bike, OpenInfo{}))
	require.NoError(t, alice.Open(lamp, OpenInfo{PartnerName: "Carol"}))
	eventually(t, alice, func(s Snapshot) bool { return loaded(s) && s.Active.Key == lamp }, "lamp opens")

	_, err := h.store.Append(context.Background(), chat.Draft{ItemID: "bike", SenderID: "bob", ReceiverID: "alice", Body: "hey"})
	require.NoError(t, err)
	eventually(t, alice, func(s Snapshot) bool { return len(s.Conversations) == 1 }, "inbox picks it up")
	assert.Empty(t, alice.Snapshot().Active.Messages)
	assert.Equal(t, "Carol", alice.Snapshot().Active.PartnerName)
}

func TestSendRollsBackOnWriteFailure(t *testing.T) {
	h := newHarness()
	failed := h.bus.Subscribe("alice", notify.SendFailed)
	defer failed.Close()
	alice := h.start(t, "alice", nil, Options{})
	require.NoError(t, alice.Open(bike, OpenInfo{}))
	eventually(t, alice, loaded, "alice opens")

	h.store.FailWrites(true)
	require.NoError(t, alice.Send("hello"))

	snap := eventually(t, alice, func(s Snapshot) bool {
		return len(s.Active.Messages) == 0 && s.LastError != ""
	}, "pending rolled back")
	assert.Contains(t, snap.LastError, "store unavailable")

	select {
	case ev := <-failed.C:
		assert.Equal(t, "hello", ev.Preview)
		assert.Equal(t, bike, ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("no send-failed notification")
	}
}

func TestSendRollsBackAfterTimeout(t *testing.T) {
	h := newHarness()
	gated := &gatedStore{Store: h.store, gate: make(chan struct{})}
	alice := h.start(t, "alice", gated, Options{SendTimeout: 50 * time.Millisecond})
	require.NoError(t, alice.Open(bike, OpenInfo{}))
	eventually(t, alice, loaded, "alice opens")

	require.NoError(t, alice.Send("anyone there?"))
	snap := eventually(t, alice, func(s Snapshot) bool {
		return len(s.Active.Messages) == 0 && s.LastError != ""
	}, "timed out send rolled back")
	assert.Contains(t, snap.LastError, ErrSendTimeout.Error())
}

func TestSendRequiresTextAndConversation(t *testing.T) {
	h := newHarness()
	alice := h.start(t, "alice", nil, Options{})

	assert.ErrorIs(t, alice.Send("   "), ErrEmptyMessage)
	require.NoError(t, alice.Send("hi"))
	eventually(t, alice, func(s Snapshot) bool { return s.LastError == ErrNoConversation.Error() }, "no conversation error")
}

func TestDeleteOwnMessage(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	mine, err := h.store.Append(ctx, chat.Draft{ItemID: "bike", SenderID: "alice", ReceiverID: "bob", Body: "typo"})
	require.NoError(t, err)
	theirs, err := h.store.Append(ctx, chat.Draft{ItemID: "bike", SenderID: "bob", ReceiverID: "alice", Body: "?"})
	require.NoError(t, err)

	alice := h.start(t, "alice", nil, Options{})
	require.NoError(t, alice.Open(bike, OpenInfo{}))
	eventually(t, alice, func(s Snapshot) bool { return loaded(s) && len(s.Active.Messages) == 2 }, "alice opens")

	require.NoError(t, alice.DeleteMessage(theirs.ID))
	eventually(t, alice, func(s Snapshot) bool { return s.LastError == ErrNotOwnMessage.Error() }, "cannot delete theirs")

	require.NoError(t, alice.DeleteMessage(mine.ID))
	eventually(t, alice, func(s Snapshot) bool { return withID(s, mine.ID) == 0 }, "own message removed")

	rows, err := h.store.Query(ctx, chat.Pair("bike", "bob", "alice"))
	require.NoError(t, err)
	assert.Len(t, chat.FilterVisible(rows, "bob"), 2)
}

func TestNewMessageNotification(t *testing.T) {
	h := newHarness()
	news := h.bus.Subscribe("alice", notify.NewMessage)
	defer news.Close()
	h.start(t, "alice", nil, Options{})
	require.Eventually(t, func() bool { return h.broker.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	_, err := h.store.Append(context.Background(), chat.Draft{ItemID: "bike", SenderID: "bob", ReceiverID: "alice", Body: "Price is firm"})
	require.NoError(t, err)

	select {
	case ev := <-news.C:
		assert.Equal(t, "Bob", ev.SenderName)
		assert.Equal(t, "Price is firm", ev.Preview)
		assert.Equal(t, bike, ev.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("no new-message notification")
	}
}

func TestSendAttachment(t *testing.T) {
	h := newHarness()
	alice := h.start(t, "alice", nil, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, alice.SendAttachment(ctx, Image, "a.png", pngBytes), ErrNoConversation)

	require.NoError(t, alice.Open(bike, OpenInfo{}))
	eventually(t, alice, loaded, "alice opens")
	require.NoError(t, alice.SendAttachment(ctx, Image, "photo.png", pngBytes))

	snap := eventually(t, alice, func(s Snapshot) bool {
		return len(s.Active.Messages) == 1 && !s.Active.Messages[0].Pending
	}, "attachment message confirmed")
	m := snap.Active.Messages[0]
	assert.Equal(t, "Sent an image", m.Text)
	obj, ok := h.blobs.Get(m.AttachmentURL)
	require.True(t, ok, m.AttachmentURL)
	assert.Equal(t, "image/png", obj.ContentType)
}

func TestRejectedAttachmentMessageFreesUpload(t *testing.T) {
	h := newHarness()
	alice := h.start(t, "alice", nil, Options{})
	require.NoError(t, alice.Open(bike, OpenInfo{}))
	eventually(t, alice, loaded, "alice opens")

	h.store.FailWrites(true)
	require.NoError(t, alice.SendAttachment(context.Background(), Document, "offer.pdf", []byte("%PDF-1.4 offer")))
	eventually(t, alice, func(s Snapshot) bool { return s.LastError != "" }, "send rolled back")

	require.Eventually(t, func() bool { return h.blobs.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestFailedMarkReadIsRetriedOnRefresh(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	m, err := h.store.Append(ctx, chat.Draft{ItemID: "bike", SenderID: "alice", ReceiverID: "bob", Body: "Is this available?"})
	require.NoError(t, err)

	flaky := &flakyReads{Store: h.store}
	flaky.fail.Store(true)
	bob := h.start(t, "bob", flaky, Options{})
	require.Eventually(t, func() bool { return h.broker.Subscribers() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	eventually(t, bob, func(s Snapshot) bool {
		c, ok := conversation(s, bikeForBob)
		return ok && c.UnreadCount == 1 && s.Unread == 1
	}, "bob starts with one unread")

	// Opening shows the conversation read right away, before the write lands.
	require.NoError(t, bob.Open(bikeForBob, OpenInfo{}))
	snap := eventually(t, bob, func(s Snapshot) bool { return loaded(s) && s.Unread == 0 }, "optimistic zero")
	require.Len(t, snap.Active.Messages, 1)
	assert.True(t, snap.Active.Messages[0].Read)

	require.Eventually(t, func() bool { return flaky.calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	n, err := h.store.CountUnread(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed write leaves the store unread")

	// A refresh brings the store's count back.
	require.NoError(t, bob.Refresh())
	eventually(t, bob, func(s Snapshot) bool { return s.Unread == 1 }, "badge shows the store's count")

	// Once writes recover the next refresh marks the row read for real.
	calls := flaky.calls.Load()
	flaky.fail.Store(false)
	require.NoError(t, bob.Refresh())
	require.Eventually(t, func() bool {
		n, err := h.store.CountUnread(ctx, "bob")
		return err == nil && n == 0 && flaky.calls.Load() > calls
	}, 2*time.Second, 5*time.Millisecond)
	snap = eventually(t, bob, func(s Snapshot) bool { return s.Unread == 0 }, "badge clears")
	require.Equal(t, 1, withID(snap, m.ID))
	assert.True(t, snap.Active.Messages[0].Read)
}

func TestMessageWrittenBeforeStreamIsLiveStillShows(t *testing.T) {
	h := newHarness()
	h.transport = slowConversations{Transport: h.broker, delay: 200 * time.Millisecond}
	alice := h.start(t, "alice", nil, Options{})

	require.NoError(t, alice.Open(bike, OpenInfo{}))
	eventually(t, alice, loaded, "alice loads before the stream is live")
	m, err := h.store.Append(context.Background(), chat.Draft{ItemID: "bike", SenderID: "bob", ReceiverID: "alice", Body: "still there?"})
	require.NoError(t, err)

	eventually(t, alice, func(s Snapshot) bool { return withID(s, m.ID) == 1 }, "message shows once the stream is live")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, withID(alice.Snapshot(), m.ID))
}

func TestRejectedAttachmentAfterSwitchFreesUpload(t *testing.T) {
	h := newHarness()
	gated := &gatedStore{Store: h.store, gate: make(chan struct{})}
	alice := h.start(t, "alice", gated, Options{})
	require.NoError(t, alice.Open(bike, OpenInfo{}))
	eventually(t, alice, loaded, "alice opens")

	require.NoError(t, alice.SendAttachment(context.Background(), Document, "offer.pdf", []byte("%PDF-1.4 offer")))
	eventually(t, alice, func(s Snapshot) bool {
		return len(s.Active.Messages) == 1 && s.Active.Messages[0].Pending
	}, "attachment pending")
	require.Equal(t, 1, h.blobs.Len())

	lamp := chat.Key{ItemID: "lamp", Counterparty: "carol"}
	require.NoError(t, alice.Open(lamp, OpenInfo{PartnerName: "Carol"}))
	eventually(t, alice, func(s Snapshot) bool { return loaded(s) && s.Active.Key == lamp }, "lamp opens")

	h.store.FailWrites(true)
	close(gated.gate)
	require.Eventually(t, func() bool { return h.blobs.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, alice.Snapshot().LastError, "the old conversation's failure is not shown")
}
