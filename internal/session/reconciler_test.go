package session

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-listing-chat/internal/chat"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)

func draft(body string) chat.Draft {
	return chat.Draft{ItemID: "bike", SenderID: "alice", ReceiverID: "bob", Body: body}
}

func TestReconcilerConfirmsFirstContentMatch(t *testing.T) {
	var r Reconciler
	now := time.Now()
	p1 := r.Submit(draft("hi"), now)
	p2 := r.Submit(draft("hi"), now)
	p3 := r.Submit(draft("bye"), now)
	assert.Less(t, p1.LocalID, p2.LocalID)

	got, ok := r.ConfirmRow(chat.Message{ID: 9, ItemID: "bike", SenderID: "alice", ReceiverID: "bob", Body: "hi"})
	require.True(t, ok)
	assert.Equal(t, p1.LocalID, got.LocalID)

	_, ok = r.ConfirmRow(chat.Message{ID: 10, ItemID: "bike", SenderID: "bob", ReceiverID: "alice", Body: "bye"})
	assert.False(t, ok, "different sender must not match")

	assert.True(t, r.ConfirmLocal(p3.LocalID))
	assert.False(t, r.ConfirmLocal(p3.LocalID))

	entries := r.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, p2.LocalID, entries[0].LocalID)
}

func TestReconcilerRollback(t *testing.T) {
	var r Reconciler
	p := r.Submit(draft("hello"), time.Now())

	got, ok := r.Rollback(p.LocalID)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Draft.Body)
	_, ok = r.Rollback(p.LocalID)
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestArrangeOrdersPendingAfterSameInstant(t *testing.T) {
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rows := []chat.Message{
		{ID: 2, SenderID: "bob", Body: "b", CreatedAt: at},
		{ID: 1, SenderID: "alice", Body: "a", CreatedAt: at.Add(-time.Second)},
	}
	pending := []Pending{{LocalID: 5, Draft: draft("p"), CreatedAt: at}}

	got := arrange(rows, pending, "alice")
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "p"}, []string{got[0].Text, got[1].Text, got[2].Text})
	assert.True(t, got[0].Mine)
	assert.True(t, got[2].Pending)
}

func TestCheckAttachment(t *testing.T) {
	tests := []struct {
		name     string
		kind     AttachmentKind
		filename string
		data     []byte
		wantErr  error
		wantType string
	}{
		{"png", Image, "a.png", pngBytes, nil, "image/png"},
		{"image too large", Image, "a.png", append(bytes.Clone(pngBytes), make([]byte, MaxImageSize)...), ErrAttachmentTooLarge, ""},
		{"not an image", Image, "a.png", []byte("plain text"), ErrNotAnImage, ""},
		{"empty", Image, "a.png", nil, ErrEmptyAttachment, ""},
		{"text document", Document, "notes.txt", []byte("plain text"), nil, "text/plain"},
		{"big document under limit", Document, "big.pdf", make([]byte, MaxImageSize+1), nil, ""},
		{"document too large", Document, "big.pdf", make([]byte, MaxDocumentSize+1), ErrAttachmentTooLarge, ""},
		{"unsupported document", Document, "run.exe", []byte("MZ"), ErrUnsupportedFile, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CheckAttachment(tt.kind, tt.filename, tt.data)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(got, tt.wantType), got)
		})
	}
}

func TestAttachmentBody(t *testing.T) {
	assert.Equal(t, "Sent an image", AttachmentBody(Image, "x.png"))
	assert.Equal(t, "Sent a file: offer.pdf", AttachmentBody(Document, "offer.pdf"))
}
