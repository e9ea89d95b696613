package grantrelay

import (
	"sync"
	"time"
)

// PipelineEvent is one observable pipeline occurrence, published to the
// admin event stream.
type PipelineEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	EntityID  string    `json:"entityId,omitempty"`
	Detail    any       `json:"detail,omitempty"`
}

// Feed is a bounded in-process pub/sub of pipeline events. Publishing never
// blocks; a subscriber that falls behind loses events rather than stalling
// the pipeline.
type Feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan PipelineEvent
}

func NewFeed() *Feed {
	return &Feed{subs: map[int]chan PipelineEvent{}}
}

// Subscribe returns a channel of events and a cancel function. The channel
// is closed on cancel.
func (f *Feed) Subscribe(buffer int) (<-chan PipelineEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan PipelineEvent, buffer)

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if existing, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber whose buffer has room.
func (f *Feed) Publish(event PipelineEvent) {
	if f == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (f *Feed) SubscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
