package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFiltersByKindAndUser(t *testing.T) {
	b := NewBus()
	reads := b.Subscribe("alice", MessagesRead)
	defer reads.Close()
	all := b.Subscribe("")
	defer all.Close()

	b.Publish(Event{Kind: UnreadChanged, UserID: "alice", Unread: 3})
	b.Publish(Event{Kind: MessagesRead, UserID: "bob", MessageIDs: []int64{1}})
	b.Publish(Event{Kind: MessagesRead, UserID: "alice", MessageIDs: []int64{2, 3}})

	ev := <-reads.C
	assert.Equal(t, []int64{2, 3}, ev.MessageIDs)
	assert.Empty(t, reads.C)
	assert.Len(t, all.C, 3)
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus()
	s := b.Subscribe("alice")
	defer s.Close()

	for i := 0; i < subscriberBuffer+5; i++ {
		b.Publish(Event{Kind: UnreadChanged, UserID: "alice", Unread: i})
	}
	assert.Len(t, s.C, subscriberBuffer)
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBus()
	s := b.Subscribe("alice")
	s.Close()
	s.Close()

	b.Publish(Event{Kind: NewMessage, UserID: "alice"})
	_, ok := <-s.C
	require.False(t, ok)
}

func TestKindTextRoundTrip(t *testing.T) {
	for k := MessagesRead; k <= SendFailed; k++ {
		b, err := k.MarshalText()
		require.NoError(t, err)
		var got Kind
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, k, got)
	}
	var k Kind
	assert.Error(t, k.UnmarshalText([]byte("gossip")))
}
