package reply

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	orig := Quoted{ID: 7, SenderID: "alice", Body: "Is the bike still available?"}

	body := Encode(orig, "Yes it is", "bob", "Alice")
	require.True(t, strings.HasPrefix(body, prefix))

	decoded := Decode(body)
	w, ok := decoded.(WithReply)
	require.True(t, ok, "expected WithReply, got %T", decoded)
	assert.Equal(t, "Yes it is", w.Text())
	assert.Equal(t, int64(7), w.Annotation.OriginalID)
	assert.Equal(t, "Alice", w.Annotation.SenderLabel)
	assert.Equal(t, "Is the bike still available?", w.Annotation.Preview)
	assert.False(t, w.Annotation.IsMedia)
}

func TestEncodeLabels(t *testing.T) {
	tests := []struct {
		name    string
		sender  string
		viewer  string
		partner string
		want    string
	}{
		{"own message", "bob", "bob", "Alice", SelfLabel},
		{"partner name", "alice", "bob", "Alice", "Alice"},
		{"no partner name", "alice", "bob", "", "User"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := Encode(Quoted{ID: 1, SenderID: tt.sender, Body: "hi"}, "ok", tt.viewer, tt.partner)
			w := Decode(body).(WithReply)
			assert.Equal(t, tt.want, w.Annotation.SenderLabel)
		})
	}
}

func TestEncodeTruncatesPreview(t *testing.T) {
	long := strings.Repeat("é", PreviewLimit+10)
	w := Decode(Encode(Quoted{ID: 1, SenderID: "a", Body: long}, "x", "b", "")).(WithReply)

	assert.Equal(t, strings.Repeat("é", PreviewLimit)+"...", w.Annotation.Preview)

	exact := strings.Repeat("a", PreviewLimit)
	w = Decode(Encode(Quoted{ID: 1, SenderID: "a", Body: exact}, "x", "b", "")).(WithReply)
	assert.Equal(t, exact, w.Annotation.Preview)
}

func TestEncodeNeverNests(t *testing.T) {
	first := Encode(Quoted{ID: 1, SenderID: "a", Body: "original"}, "first reply", "b", "A")
	second := Encode(Quoted{ID: 2, SenderID: "b", Body: first}, "second reply", "a", "B")

	w := Decode(second).(WithReply)
	assert.Equal(t, "first reply", w.Annotation.Preview)
	assert.Equal(t, "second reply", w.Text())
	assert.Equal(t, 1, strings.Count(second, prefix))
}

func TestPreviewContainingTerminator(t *testing.T) {
	body := Encode(Quoted{ID: 4, SenderID: "a", Body: "ratio 1:::2"}, "ok", "b", "A")
	w, ok := Decode(body).(WithReply)
	require.True(t, ok)
	assert.Equal(t, "ratio 1:::2", w.Annotation.Preview)
	assert.Equal(t, "ok", w.Text())
}

func TestEncodeMedia(t *testing.T) {
	w := Decode(Encode(Quoted{ID: 3, SenderID: "a", Body: "Sent an image", IsMedia: true}, "nice", "b", "A")).(WithReply)
	assert.True(t, w.Annotation.IsMedia)
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"hello",
		":::REPLY",
		":::REPLY{not json}:::text",
		`:::REPLY{"id":1,"name":"x"`,
		"::: REPLY{}:::x",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			b := Decode(in)
			p, ok := b.(Plain)
			require.True(t, ok, "expected Plain, got %T", b)
			assert.Equal(t, in, p.Text())
		})
	}
}

func TestMarshalPlain(t *testing.T) {
	assert.Equal(t, "just text", Marshal(Plain{Content: "just text"}))
	assert.Equal(t, Plain{Content: "just text"}, Decode(Marshal(Plain{Content: "just text"})))
}
