package scratch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/pebble"

	"go-listing-chat/internal/chat"
)

// PebbleMarkers persists markers in a local Pebble database so they survive
// restarts. Keys are "<self>/deleted_conversation_<item>-<counterparty>".
type PebbleMarkers struct {
	db *pebble.DB
}

type record struct {
	ItemID       string    `json:"item_id"`
	Counterparty string    `json:"other_user_id"`
	At           time.Time `json:"at"`
}

func OpenPebble(dir string) (*PebbleMarkers, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open scratch store: %w", err)
	}
	return &PebbleMarkers{db: db}, nil
}

func (s *PebbleMarkers) Get(self string, key chat.Key) (time.Time, bool, error) {
	v, closer, err := s.db.Get(markerKey(self, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get marker: %w", err)
	}
	defer closer.Close()

	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return time.Time{}, false, fmt.Errorf("decode marker: %w", err)
	}
	return r.At, true, nil
}

func (s *PebbleMarkers) Set(self string, key chat.Key, at time.Time) error {
	v, err := json.Marshal(record{ItemID: key.ItemID, Counterparty: key.Counterparty, At: at.UTC()})
	if err != nil {
		return err
	}
	if err := s.db.Set(markerKey(self, key), v, pebble.Sync); err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}

func (s *PebbleMarkers) All(self string) (chat.Cutoffs, error) {
	prefix := []byte(self + "/" + keyPrefix)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate markers: %w", err)
	}
	defer it.Close()

	out := make(chat.Cutoffs)
	for ok := it.First(); ok; ok = it.Next() {
		var r record
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("decode marker %q: %w", it.Key(), err)
		}
		out[chat.Key{ItemID: r.ItemID, Counterparty: r.Counterparty}] = r.At
	}
	return out, it.Error()
}

func (s *PebbleMarkers) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func markerKey(self string, key chat.Key) []byte {
	return []byte(self + "/" + keyPrefix + key.String())
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
