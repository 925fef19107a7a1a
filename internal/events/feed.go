package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one entry of the JSON activity feed served to the API and monitor.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Feed is a numbered JSON event stream with a ring buffer for late clients.
type Feed struct {
	mu     sync.Mutex // keeps IDs in publish order
	nextID int64
	b      *Broadcaster[Event]
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = 100
	}
	return &Feed{b: NewBroadcaster[Event](capacity)}
}

// Publish marshals data and appends it to the feed.
func (f *Feed) Publish(eventType string, data any) Event {
	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ev := Event{
		ID:   f.nextID,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	f.b.Publish(ev)
	return ev
}

func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	return f.b.Subscribe(buffer)
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (f *Feed) SnapshotSince(lastID int64) []Event {
	all := f.b.Snapshot()
	if lastID == 0 {
		return all
	}
	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (f *Feed) Close() {
	f.b.Close()
}
