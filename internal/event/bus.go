// Package event carries pipeline telemetry to listeners: remaining tiles,
// per-type counters, pool progress and terminal totals. Every event is
// tagged with the source that emitted it so concurrent pools can be told
// apart.
package event

import (
	"sync"
	"time"

	"github.com/citymodel-pipeline/pkg/model"
)

// Type identifies an event.
type Type string

const (
	// TilesRemaining carries the number of tiles not yet started in Value.
	TilesRemaining Type = "tiles_remaining"
	// Counters carries counters folded at a join point.
	Counters Type = "counters"
	// Progress carries processed items in Value and the expected total in
	// Total.
	Progress Type = "progress"
	// Unresolved carries the number of dangling references in Value.
	Unresolved Type = "unresolved"
	// Totals carries the terminal run totals.
	Totals Type = "totals"
)

// Event is one telemetry record.
type Event struct {
	Type     Type
	Source   string
	Tile     string
	Counters model.Counters
	Value    int64
	Total    int64
	Time     time.Time
}

// Listener receives events. Listeners run on the publishing goroutine and
// must not block.
type Listener func(Event)

// Bus fans events out to listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewBus creates a bus without listeners.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe adds a listener.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish delivers e to all listeners. A nil bus drops events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()
	for _, l := range listeners {
		l(e)
	}
}

// Recorder is a Listener that keeps every event. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Listen implements Listener.
func (r *Recorder) Listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns the recorded events of the given type, or all events when
// t is empty.
func (r *Recorder) Events(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if t == "" || e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
