package grantrelay

import (
	"testing"
	"time"
)

func TestFeedDeliversToSubscribers(t *testing.T) {
	feed := NewFeed()
	events, cancel := feed.Subscribe(4)
	defer cancel()

	feed.Publish(PipelineEvent{Type: "enqueued", EntityID: "e1"})
	select {
	case event := <-events:
		if event.Type != "enqueued" || event.EntityID != "e1" {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Timestamp.IsZero() {
			t.Fatal("publish must stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestFeedDropsWhenSubscriberFull(t *testing.T) {
	feed := NewFeed()
	events, cancel := feed.Subscribe(1)
	defer cancel()

	feed.Publish(PipelineEvent{Type: "first"})
	feed.Publish(PipelineEvent{Type: "dropped"})

	event := <-events
	if event.Type != "first" {
		t.Fatalf("expected first event, got %q", event.Type)
	}
	select {
	case extra := <-events:
		t.Fatalf("overflow event must be dropped, got %+v", extra)
	default:
	}
}

func TestFeedCancelClosesChannel(t *testing.T) {
	feed := NewFeed()
	events, cancel := feed.Subscribe(1)
	cancel()
	cancel() // second cancel is a no-op

	if _, open := <-events; open {
		t.Fatal("cancel must close the subscription channel")
	}
	if feed.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", feed.SubscriberCount())
	}
	// Publishing with no subscribers must not panic.
	feed.Publish(PipelineEvent{Type: "late"})
}
