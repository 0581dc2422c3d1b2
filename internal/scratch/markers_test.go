package scratch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-listing-chat/internal/chat"
)

func exercise(t *testing.T, s Markers) {
	bike := chat.Key{ItemID: "6f1c-bike", Counterparty: "b0b-9"}
	lamp := chat.Key{ItemID: "lamp", Counterparty: "carol"}
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	_, ok, err := s.Get("alice", bike)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("alice", bike, at))
	require.NoError(t, s.Set("alice", lamp, at.Add(time.Hour)))
	require.NoError(t, s.Set("alicex", lamp, at))
	require.NoError(t, s.Set("bob", bike, at))

	got, ok, err := s.Get("alice", bike)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, at.Equal(got))

	all, err := s.All("alice")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, at.Add(time.Hour).Equal(all[lamp]))

	require.NoError(t, s.Set("alice", bike, at.Add(2*time.Hour)))
	got, _, err = s.Get("alice", bike)
	require.NoError(t, err)
	assert.True(t, at.Add(2*time.Hour).Equal(got))
}

func TestMemoryMarkers(t *testing.T) {
	exercise(t, NewMemoryMarkers())
}

func TestPebbleMarkers(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebble(dir)
	require.NoError(t, err)
	exercise(t, s)
	require.NoError(t, s.Close())

	// Markers survive a reopen.
	s, err = OpenPebble(dir)
	require.NoError(t, err)
	defer s.Close()
	all, err := s.All("alice")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ab"), upperBound([]byte("aa")))
	assert.Equal(t, []byte("b"), upperBound([]byte{'a', 0xff}))
	assert.Nil(t, upperBound([]byte{0xff, 0xff}))
}
