package realtime

import "sync"

const subscriptionBuffer = 256

// Subscription is a live handle on a filtered change feed. C is never closed;
// an abnormal end is reported once on Err. Close releases the handle and is
// safe to call more than once.
type Subscription struct {
	Filter Filter

	c    chan Change
	errc chan error
	stop func()
	once sync.Once
}

func newSubscription(f Filter, stop func()) *Subscription {
	return &Subscription{
		Filter: f,
		c:      make(chan Change, subscriptionBuffer),
		errc:   make(chan error, 1),
		stop:   stop,
	}
}

func (s *Subscription) C() <-chan Change  { return s.c }
func (s *Subscription) Err() <-chan error { return s.errc }

func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// deliver hands c to the consumer without blocking. A full buffer ends the
// subscription with ErrOverflow.
func (s *Subscription) deliver(c Change) bool {
	if !s.Filter.Match(c) {
		return true
	}
	select {
	case s.c <- c:
		return true
	default:
		s.fail(ErrOverflow)
		return false
	}
}

func (s *Subscription) fail(err error) {
	select {
	case s.errc <- &SubscriptionError{Stream: string(s.Filter.Stream), Err: err}:
	default:
	}
}
