package session

import (
	"time"

	"go-listing-chat/internal/chat"
)

// Pending is a message shown before the store has confirmed it. LocalID comes
// from the client clock and never collides with server ids, which are
// positive and assigned by the store.
type Pending struct {
	LocalID   int64
	Draft     chat.Draft
	CreatedAt time.Time
}

// Message renders p as a row so it can be ordered with confirmed rows.
func (p Pending) Message() chat.Message {
	return chat.Message{
		ItemID:        p.Draft.ItemID,
		SenderID:      p.Draft.SenderID,
		ReceiverID:    p.Draft.ReceiverID,
		Body:          p.Draft.Body,
		AttachmentURL: p.Draft.AttachmentURL,
		CreatedAt:     p.CreatedAt,
	}
}

// Reconciler tracks optimistic sends of the open conversation. Entries leave
// either by confirmation against a server row or by rollback.
type Reconciler struct {
	pending []Pending
	last    int64
}

// Submit records a new pending entry.
func (r *Reconciler) Submit(d chat.Draft, now time.Time) Pending {
	id := now.UnixNano()
	if id <= r.last {
		id = r.last + 1
	}
	r.last = id
	p := Pending{LocalID: id, Draft: d, CreatedAt: now}
	r.pending = append(r.pending, p)
	return p
}

// ConfirmLocal removes the entry with localID, reporting whether it was there.
func (r *Reconciler) ConfirmLocal(localID int64) bool {
	_, ok := r.take(func(p Pending) bool { return p.LocalID == localID })
	return ok
}

// ConfirmRow removes the first entry with the same content as m. Realtime
// rows carry no client id, so content is all there is to match on.
func (r *Reconciler) ConfirmRow(m chat.Message) (Pending, bool) {
	return r.take(func(p Pending) bool {
		d := p.Draft
		return d.SenderID == m.SenderID &&
			d.Body == m.Body &&
			d.ItemID == m.ItemID &&
			d.ReceiverID == m.ReceiverID &&
			d.AttachmentURL == m.AttachmentURL
	})
}

// Rollback removes the entry with localID after a failed or timed out write.
func (r *Reconciler) Rollback(localID int64) (Pending, bool) {
	return r.take(func(p Pending) bool { return p.LocalID == localID })
}

// Entries returns the pending entries in submission order.
func (r *Reconciler) Entries() []Pending {
	return append([]Pending(nil), r.pending...)
}

func (r *Reconciler) Len() int { return len(r.pending) }

// Clear drops every entry. Writes already in flight still land in the store.
func (r *Reconciler) Clear() {
	r.pending = nil
}

func (r *Reconciler) take(match func(Pending) bool) (Pending, bool) {
	for i, p := range r.pending {
		if match(p) {
			r.pending = append(r.pending[:i:i], r.pending[i+1:]...)
			return p, true
		}
	}
	return Pending{}, false
}
