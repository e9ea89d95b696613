package grantrelay

import (
	"context"
	"testing"
)

func TestHasGrant(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	f.entities["t1"] = taskEntity("g1", "p1")
	engine := NewEngine(newTestClient(t, f), nil)

	if !engine.HasGrant(context.Background(), "t1", "p1") {
		t.Fatal("existing expander must report a grant")
	}
	if engine.HasGrant(context.Background(), "t1", "p2") {
		t.Fatal("absent expander must not report a grant")
	}
}

func TestHasGrantFetchFailureMeansRetry(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	engine := NewEngine(newTestClient(t, f), nil)

	if engine.HasGrant(context.Background(), "missing", "p1") {
		t.Fatal("fetch failure must report no grant so the caller retries")
	}
}

func TestBatchGrantSkipsExistingGrants(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	f.entities["taskA"] = taskEntity("g1", "p1")
	f.entities["taskB"] = taskEntity("g1")
	engine := NewEngine(newTestClient(t, f), nil)

	summary := engine.BatchGrant(context.Background(), []string{"taskA", "taskB"}, []string{"p1", "p2"})
	if summary.Total != 4 || summary.Successful != 3 || summary.Skipped != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Successful+summary.Failed+summary.Skipped != summary.Total {
		t.Fatalf("summary must sum to total: %+v", summary)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posts["taskA"]) != 1 || len(f.posts["taskA"][0]) != 1 {
		t.Fatalf("taskA must get one batched property for p2, got %v", f.posts["taskA"])
	}
	if len(f.posts["taskB"]) != 1 || len(f.posts["taskB"][0]) != 2 {
		t.Fatalf("taskB must get both persons in one batch, got %v", f.posts["taskB"])
	}
}

func TestBatchGrantIsolatesTaskFailure(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	f.entities["taskA"] = taskEntity("g1")
	f.entities["taskB"] = taskEntity("g1")
	f.failPost["taskB"] = true
	engine := NewEngine(newTestClient(t, f), nil)

	summary := engine.BatchGrant(context.Background(), []string{"taskA", "taskB"}, []string{"p1", "p2"})
	if summary.Total != 4 || summary.Successful != 2 || summary.Failed != 2 || summary.Skipped != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	failedTasks := map[string]int{}
	for _, detail := range summary.Details {
		if detail.Status == "failed" {
			failedTasks[detail.TaskID]++
			if detail.Error == "" {
				t.Fatalf("failed detail must carry an error: %+v", detail)
			}
		}
	}
	if failedTasks["taskB"] != 2 || len(failedTasks) != 1 {
		t.Fatalf("only taskB pairs may fail, got %v", failedTasks)
	}
}

func TestBatchGrantAllSkipped(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	f.entities["t1"] = taskEntity("g1", "p1", "p2")
	engine := NewEngine(newTestClient(t, f), nil)

	summary := engine.BatchGrant(context.Background(), []string{"t1"}, []string{"p1", "p2"})
	if summary.Total != 2 || summary.Skipped != 2 || summary.Successful != 0 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posts) != 0 {
		t.Fatalf("fully-granted task must not be written, got %v", f.posts)
	}
}

func TestBatchGrantEmptyInputs(t *testing.T) {
	f := newFakeEntu()
	defer f.close()
	engine := NewEngine(newTestClient(t, f), nil)

	summary := engine.BatchGrant(context.Background(), nil, []string{"p1"})
	if summary.Total != 0 || len(summary.Details) != 0 {
		t.Fatalf("empty task list must yield empty summary: %+v", summary)
	}
}
