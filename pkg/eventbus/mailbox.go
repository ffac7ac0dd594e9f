package eventbus

import "sync"

// subscriber is one entry of the subscription table. Its mailbox is an
// unbounded FIFO; signal wakes the drain goroutine.
type subscriber struct {
	id      uint64
	kind    Kind
	handler Handler

	mu       sync.Mutex
	queue    []Event
	stopped  bool
	flushing bool
	signal   chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (s *subscriber) enqueue(e Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// next blocks until an event is available or the subscriber stops. When
// flushing, queued events are still returned before stopping.
func (s *subscriber) next() (Event, bool) {
	for {
		s.mu.Lock()
		if s.stopped && (!s.flushing || len(s.queue) == 0) {
			s.mu.Unlock()
			return Event{}, false
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, true
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.done:
		}
	}
}

// finish stops the subscriber. With flush, queued events are delivered first.
func (s *subscriber) finish(flush bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.flushing = flush
		if !flush {
			s.queue = nil
		}
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscriber) draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushing
}

// Filter selects events from History. Zero fields match everything.
type Filter struct {
	Kind          Kind
	Source        string
	CorrelationID string
	// Limit keeps only the newest Limit matches.
	Limit int
}

func (f Filter) match(e Event) bool {
	if f.Kind != "" && f.Kind != All && e.Kind != f.Kind {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}

type history struct {
	mu   sync.Mutex
	buf  []Event
	size int
	next int
	full bool
}

func newHistory(size int) *history {
	if size < 0 {
		size = 0
	}
	return &history{buf: make([]Event, size), size: size}
}

func (h *history) add(e Event) {
	if h.size == 0 {
		return
	}
	h.mu.Lock()
	h.buf[h.next] = e
	h.next = (h.next + 1) % h.size
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

func (h *history) query(f Filter) []Event {
	h.mu.Lock()
	var ordered []Event
	if h.full {
		ordered = append(ordered, h.buf[h.next:]...)
		ordered = append(ordered, h.buf[:h.next]...)
	} else {
		ordered = append(ordered, h.buf[:h.next]...)
	}
	h.mu.Unlock()

	out := make([]Event, 0, len(ordered))
	for _, e := range ordered {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
