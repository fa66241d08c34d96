package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// eventCap bounds the dashboard's event history.
const eventCap = 50

type Event struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Chat   string    `json:"chat,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// eventRing keeps the most recent events, oldest dropped first.
type eventRing struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRing) add(kind, chat, detail string) Event {
	e := Event{
		ID:     uuid.NewString(),
		Time:   time.Now().UTC(),
		Kind:   kind,
		Chat:   chat,
		Detail: detail,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if len(r.events) > eventCap {
		r.events = r.events[len(r.events)-eventCap:]
	}
	return e
}

func (r *eventRing) list() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
