package events

import (
	"strconv"
	"sync"

	"github.com/user/flowq/internal/store"
)

// Subscriber receives events for the queues it was registered with.
type Subscriber struct {
	id     string
	ch     chan store.JobEvent
	queues map[string]struct{}

	mu     sync.Mutex
	closed bool
}

func newSubscriber(id string, buffer int, queues []string) *Subscriber {
	s := &Subscriber{id: id, ch: make(chan store.JobEvent, buffer)}
	if len(queues) > 0 {
		s.queues = make(map[string]struct{}, len(queues))
		for _, q := range queues {
			s.queues[q] = struct{}{}
		}
	}
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed on unsubscribe.
func (s *Subscriber) C() <-chan store.JobEvent { return s.ch }

func (s *Subscriber) wants(queue string) bool {
	if s.queues == nil {
		return true
	}
	_, ok := s.queues[queue]
	return ok
}

func (s *Subscriber) send(ev store.JobEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
