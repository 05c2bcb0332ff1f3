package stream

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Entity names carried by events.
const (
	EntityTransaction = "transaction"
	EntityTrade       = "trade"
	EntityActivity    = "activity"
)

// Event describes one committed ledger state change.
type Event struct {
	Entity    string          `json:"entity"`
	Code      string          `json:"code"`
	Kind      string          `json:"kind"`
	State     string          `json:"state"`
	OfficeID  string          `json:"office_id"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

type subscriber struct {
	officeID string
	ch       chan Event
}

// Stream fans ledger events out to active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for officeID ("" receives every office) and
// returns a channel which will receive events. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, officeID string) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{officeID: officeID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to matching subscribers. Slow subscribers miss it.
func (s *Stream) Publish(evt Event) {
	if s == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.officeID != "" && sub.officeID != evt.OfficeID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
