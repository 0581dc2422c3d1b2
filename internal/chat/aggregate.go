package chat

import (
	"sort"
	"time"
)

// Cutoffs holds local "deleted at" markers per conversation. A message whose
// CreatedAt is at or before the marker is hidden even if the server-side flag
// was never written.
type Cutoffs map[Key]time.Time

// Hides reports whether m is suppressed for the conversation key k.
func (c Cutoffs) Hides(k Key, m Message) bool {
	t, ok := c[k]
	return ok && !m.CreatedAt.After(t)
}

// Aggregate folds the message log into conversation summaries for self.
//
// Input order does not matter: the last message of each group is chosen by
// (CreatedAt, ID) and the output is sorted by LastTime descending, ties broken
// by key, so the same set always produces the same slice.
func Aggregate(self string, msgs []Message, cut Cutoffs) []Conversation {
	type group struct {
		conv    Conversation
		last    Message
		display displayPick
	}
	groups := make(map[Key]*group)

	for _, m := range msgs {
		if !VisibleTo(m, self) {
			continue
		}
		k := KeyFor(m, self)
		if cut.Hides(k, m) {
			continue
		}

		g, ok := groups[k]
		if !ok {
			g = &group{conv: Conversation{Key: k}, last: m}
			groups[k] = g
		} else if Less(g.last, m) {
			g.last = m
		}
		if UnreadBy(m, self) {
			g.conv.UnreadCount++
		}
		// Realtime rows carry no joins, so enrichment is taken from the newest
		// row that has it.
		g.display.consider(m, self)
	}

	out := make([]Conversation, 0, len(groups))
	for _, g := range groups {
		c := g.conv
		c.ItemTitle, c.ItemImage, c.PartnerName = g.display.title.v, g.display.image.v, g.display.partner.v
		c.LastMessage = g.last.DisplayText()
		c.LastMessageID = g.last.ID
		c.LastTime = g.last.CreatedAt
		if c.PartnerName == "" {
			c.PartnerName = DefaultPartnerName
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.LastTime.Equal(b.LastTime) {
			return a.LastTime.After(b.LastTime)
		}
		if a.LastMessageID != b.LastMessageID {
			return a.LastMessageID > b.LastMessageID
		}
		return a.Key.String() < b.Key.String()
	})
	return out
}

type picked struct {
	v  string
	at Message
}

func (p *picked) offer(v string, m Message) {
	if v == "" {
		return
	}
	if p.v == "" || Less(p.at, m) {
		p.v, p.at = v, m
	}
}

type displayPick struct {
	title, image, partner picked
}

func (d *displayPick) consider(m Message, self string) {
	d.title.offer(m.ItemTitle, m)
	d.image.offer(m.ItemImage, m)
	if m.SenderID == self {
		d.partner.offer(m.ReceiverName, m)
	} else {
		d.partner.offer(m.SenderName, m)
	}
}
