package grantrelay

import (
	"testing"
	"time"
)

func newTestPipeline(t *testing.T, f *fakeEntu) (*Pipeline, *MemoryJournal) {
	t.Helper()
	client := newTestClient(t, f)
	journal := NewMemoryJournal(100)
	return NewPipeline(PipelineOptions{
		Queue:    NewDebounceQueue(nil),
		Resolver: NewResolver(client, nil),
		Engine:   NewEngine(client, nil),
		Journal:  journal,
		Feed:     NewFeed(),
	}), journal
}

func TestPipelinePropagatesPersonToGroupTasks(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	f.entities["p1"] = personEntity("g1")
	f.entities["t1"] = taskEntity("g1")
	f.entities["t2"] = taskEntity("g1")

	pipeline, journal := newTestPipeline(t, f)
	if status := pipeline.Notify(WebhookEvent{EntityID: "p1"}); status != "queued" {
		t.Fatalf("expected queued, got %q", status)
	}
	pipeline.Wait()

	f.mu.Lock()
	t1Posts, t2Posts := len(f.posts["t1"]), len(f.posts["t2"])
	f.mu.Unlock()
	if t1Posts != 1 || t2Posts != 1 {
		t.Fatalf("expected one grant POST per task, got t1=%d t2=%d", t1Posts, t2Posts)
	}

	records, _ := journal.Recent(0)
	if len(records) != 2 {
		t.Fatalf("expected two journal records, got %d", len(records))
	}
	for _, record := range records {
		if record.Status != "granted" || record.PersonID != "p1" {
			t.Fatalf("unexpected record: %+v", record)
		}
	}
	if pipeline.Queue().Len() != 0 {
		t.Fatalf("queue must drain after pass, got %d", pipeline.Queue().Len())
	}
}

func TestPipelinePropagatesTaskToGroupPersons(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	f.entities["t3"] = taskEntity("g2", "s2")
	f.entities["s1"] = personEntity("g2")
	f.entities["s2"] = personEntity("g2")
	f.entities["s3"] = personEntity("g2")

	pipeline, journal := newTestPipeline(t, f)
	pipeline.Notify(WebhookEvent{EntityID: "t3"})
	pipeline.Wait()

	records, _ := journal.Recent(0)
	counts := map[string]int{}
	for _, record := range records {
		counts[record.Status]++
	}
	if len(records) != 3 || counts["granted"] != 2 || counts["skipped"] != 1 || counts["failed"] != 0 {
		t.Fatalf("expected 2 granted, 1 skipped of 3, got %v", counts)
	}
}

func TestPipelineCoalescesWhilePassRuns(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	f.authDelay = 100 * time.Millisecond
	f.entities["g1"] = map[string]any{"_type": []any{map[string]any{"string": "group"}}}

	pipeline, _ := newTestPipeline(t, f)
	if status := pipeline.Notify(WebhookEvent{EntityID: "g1"}); status != "queued" {
		t.Fatalf("expected queued, got %q", status)
	}
	if status := pipeline.Notify(WebhookEvent{EntityID: "g1"}); status != "coalesced" {
		t.Fatalf("expected coalesced, got %q", status)
	}
	pipeline.Wait()
	if pipeline.Queue().Len() != 0 {
		t.Fatalf("queue must drain after coalesced passes, got %d", pipeline.Queue().Len())
	}
}

func TestPipelineIgnoresUnrelatedEntityKinds(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	f.entities["b1"] = map[string]any{"_type": []any{map[string]any{"string": "building"}}}

	pipeline, journal := newTestPipeline(t, f)
	pipeline.Notify(WebhookEvent{EntityID: "b1"})
	pipeline.Wait()

	records, _ := journal.Recent(0)
	if len(records) != 0 {
		t.Fatalf("unrelated entity must not grant anything, got %v", records)
	}
	if pipeline.Queue().Len() != 0 {
		t.Fatalf("queue must drain for unrelated entity, got %d", pipeline.Queue().Len())
	}
}

func TestPipelineFailedPassLeavesItemForSweep(t *testing.T) {
	f := newFakeEntu()
	defer f.close()

	pipeline, _ := newTestPipeline(t, f)
	pipeline.Notify(WebhookEvent{EntityID: "missing"})
	pipeline.Wait()

	if pipeline.Queue().Len() != 1 {
		t.Fatalf("failed pass must leave the item queued, got %d", pipeline.Queue().Len())
	}
	// Until the sweeper reclaims it, further events coalesce.
	if status := pipeline.Notify(WebhookEvent{EntityID: "missing"}); status != "coalesced" {
		t.Fatalf("expected coalesced while item is stuck, got %q", status)
	}

	queue := pipeline.Queue()
	now := time.Now().Add(10 * time.Minute)
	queue.now = func() time.Time { return now }
	if removed := queue.SweepStale(5 * time.Minute); removed != 1 {
		t.Fatalf("sweep must reclaim the stuck item, removed %d", removed)
	}
}

func TestPipelinePublishesEvents(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	f.entities["p1"] = personEntity("g1")
	f.entities["t1"] = taskEntity("g1")

	pipeline, _ := newTestPipeline(t, f)
	events, cancel := pipeline.Feed().Subscribe(32)
	defer cancel()

	pipeline.Notify(WebhookEvent{EntityID: "p1"})
	pipeline.Wait()

	seen := map[string]bool{}
	for {
		select {
		case event := <-events:
			seen[event.Type] = true
		default:
			for _, want := range []string{"enqueued", "pass-started", "grant-summary", "pass-completed"} {
				if !seen[want] {
					t.Fatalf("missing event %q, saw %v", want, seen)
				}
			}
			return
		}
	}
}
