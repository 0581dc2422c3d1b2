package realtime

import (
	"sync"
	"time"
)

// debouncer runs fire once the triggers have been quiet for window.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	fire    func()
	timer   *time.Timer
	stopped bool
}

func newDebouncer(window time.Duration, fire func()) *debouncer {
	return &debouncer{window: window, fire: fire}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.fire)
		return
	}
	d.timer.Reset(d.window)
}

func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}

// seenSet remembers the most recent ids, evicting the oldest past limit.
type seenSet struct {
	limit int
	ids   map[int64]struct{}
	order []int64
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, ids: make(map[int64]struct{}, limit)}
}

// Add records id and reports whether it was new.
func (s *seenSet) Add(id int64) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	return true
}
