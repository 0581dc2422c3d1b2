// Package reply encodes the "replying to" annotation carried inside a message
// body. On the wire a reply looks like
//
//	:::REPLY{"id":42,"name":"You","text":"Yes, still available","isMedia":false}:::Great, see you at 5
//
// and is decoded back into a Body as soon as it is read.
package reply

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	prefix     = ":::REPLY"
	terminator = ":::"

	// PreviewLimit bounds the quoted preview, in characters.
	PreviewLimit = 60
	ellipsis     = "..."

	// SelfLabel is used when the quoted message was written by the viewer.
	SelfLabel    = "You"
	defaultLabel = "User"
)

// Annotation references the message being replied to.
type Annotation struct {
	OriginalID  int64  `json:"id"`
	SenderLabel string `json:"name"`
	Preview     string `json:"text"`
	IsMedia     bool   `json:"isMedia"`
}

// Body is either Plain or WithReply.
type Body interface {
	Text() string
	isBody()
}

// Plain is a body without an annotation.
type Plain struct {
	Content string
}

// WithReply is a body quoting an earlier message.
type WithReply struct {
	Annotation Annotation
	Content    string
}

func (p Plain) Text() string     { return p.Content }
func (w WithReply) Text() string { return w.Content }
func (Plain) isBody()            {}
func (WithReply) isBody()        {}

// Quoted is the part of the original message the encoder needs.
type Quoted struct {
	ID       int64
	SenderID string
	Body     string
	IsMedia  bool
}

// Annotate builds the annotation quoting original as seen by viewerID.
// The original is decoded first so a reply to a reply quotes the original
// text, never the nested annotation.
func Annotate(original Quoted, viewerID, partnerName string) Annotation {
	label := partnerName
	if label == "" {
		label = defaultLabel
	}
	if original.SenderID == viewerID {
		label = SelfLabel
	}
	return Annotation{
		OriginalID:  original.ID,
		SenderLabel: label,
		Preview:     truncate(Decode(original.Body).Text()),
		IsMedia:     original.IsMedia,
	}
}

// Encode builds the stored body for replyText quoting original.
func Encode(original Quoted, replyText, viewerID, partnerName string) string {
	return Marshal(WithReply{
		Annotation: Annotate(original, viewerID, partnerName),
		Content:    replyText,
	})
}

// Marshal renders a Body to its storage string.
func Marshal(b Body) string {
	w, ok := b.(WithReply)
	if !ok {
		return b.Text()
	}
	meta, err := json.Marshal(w.Annotation)
	if err != nil {
		return w.Content
	}
	return prefix + string(meta) + terminator + w.Content
}

// Decode parses a stored body. It never fails: anything that is not a
// well-formed annotation is returned unchanged as Plain.
func Decode(body string) Body {
	if !strings.HasPrefix(body, prefix) {
		return Plain{Content: body}
	}
	rest := body[len(prefix):]
	if !strings.HasPrefix(rest, "{") {
		return Plain{Content: body}
	}
	// The preview may itself contain the terminator, so the object is
	// decoded first and the terminator expected right after it.
	dec := json.NewDecoder(strings.NewReader(rest))
	var a Annotation
	if err := dec.Decode(&a); err != nil {
		return Plain{Content: body}
	}
	tail := rest[dec.InputOffset():]
	if !strings.HasPrefix(tail, terminator) {
		return Plain{Content: body}
	}
	return WithReply{Annotation: a, Content: tail[len(terminator):]}
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLimit {
		return s
	}
	r := []rune(s)
	return string(r[:PreviewLimit]) + ellipsis
}
