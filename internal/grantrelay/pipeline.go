package grantrelay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultPassTimeout = 2 * time.Minute

// Pipeline ties the debounce queue, resolver, grant engine, journal and
// event feed together. One Notify call per accepted webhook; passes run on
// their own goroutines, serialized per entity by the queue.
type Pipeline struct {
	queue       *DebounceQueue
	resolver    *Resolver
	engine      *Engine
	journal     GrantJournal
	feed        *Feed
	log         *slog.Logger
	passTimeout time.Duration

	wg sync.WaitGroup
}

// PipelineOptions configures a Pipeline. Queue, Resolver and Engine are
// required; Journal and Feed may be nil.
type PipelineOptions struct {
	Queue       *DebounceQueue
	Resolver    *Resolver
	Engine      *Engine
	Journal     GrantJournal
	Feed        *Feed
	Logger      *slog.Logger
	PassTimeout time.Duration
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.PassTimeout
	if timeout <= 0 {
		timeout = defaultPassTimeout
	}
	return &Pipeline{
		queue:       opts.Queue,
		resolver:    opts.Resolver,
		engine:      opts.Engine,
		journal:     opts.Journal,
		feed:        opts.Feed,
		log:         logger.With("component", "webhook-pipeline"),
		passTimeout: timeout,
	}
}

func (p *Pipeline) Queue() *DebounceQueue { return p.queue }
func (p *Pipeline) Journal() GrantJournal { return p.journal }
func (p *Pipeline) Feed() *Feed           { return p.feed }

// Notify enqueues a validated webhook event and starts a pass when none is
// running for the entity. It returns "queued" or "coalesced".
func (p *Pipeline) Notify(event WebhookEvent) string {
	if !p.queue.Enqueue(event.EntityID) {
		p.publish(PipelineEvent{Type: "coalesced", EntityID: event.EntityID})
		return "coalesced"
	}
	p.publish(PipelineEvent{Type: "enqueued", EntityID: event.EntityID})
	p.wg.Add(1)
	go p.run(event.EntityID)
	return "queued"
}

// Wait blocks until every in-flight pass has finished. Used by tests and
// shutdown.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// run drives passes for one entity until the queue reports nothing pending.
// A failed pass leaves the queue item in place so the stale sweeper reclaims
// it; the next webhook after the sweep starts fresh.
func (p *Pipeline) run(entityID string) {
	defer p.wg.Done()
	for {
		if !p.processPass(entityID) {
			return
		}
		if !p.queue.CompleteProcessing(entityID) {
			return
		}
		p.log.Info("reprocessing entity", "entityId", entityID)
	}
}

func (p *Pipeline) processPass(entityID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.passTimeout)
	defer cancel()

	p.publish(PipelineEvent{Type: "pass-started", EntityID: entityID})
	resolved, err := p.resolver.GetEntityDetails(ctx, entityID)
	if err != nil {
		p.log.Error("pass failed", "entityId", entityID, "error", err)
		p.publish(PipelineEvent{Type: "pass-failed", EntityID: entityID, Detail: err.Error()})
		return false
	}

	switch resolved.Kind {
	case "person":
		if !p.propagatePerson(ctx, resolved) {
			return false
		}
	case "task":
		if !p.propagateTask(ctx, resolved) {
			return false
		}
	default:
		p.log.Debug("entity kind not propagated", "entityId", entityID, "kind", resolved.Kind)
	}

	p.publish(PipelineEvent{Type: "pass-completed", EntityID: entityID})
	return true
}

// propagatePerson grants the person access to every task of every group the
// person belongs to.
func (p *Pipeline) propagatePerson(ctx context.Context, person ResolvedEntity) bool {
	seen := map[string]struct{}{}
	var taskIDs []string
	for _, groupID := range person.GroupIDs {
		tasks, err := p.resolver.TasksOfGroup(ctx, groupID)
		if err != nil {
			p.log.Error("group task lookup failed", "entityId", person.ID, "groupId", groupID, "error", err)
			p.publish(PipelineEvent{Type: "pass-failed", EntityID: person.ID, Detail: err.Error()})
			return false
		}
		for _, taskID := range tasks {
			if _, ok := seen[taskID]; ok {
				continue
			}
			seen[taskID] = struct{}{}
			taskIDs = append(taskIDs, taskID)
		}
	}
	if len(taskIDs) == 0 {
		return true
	}
	summary := p.engine.BatchGrant(ctx, taskIDs, []string{person.ID})
	p.recordSummary(person.ID, summary)
	return true
}

// propagateTask grants every person of the task's group access to the task.
func (p *Pipeline) propagateTask(ctx context.Context, task ResolvedEntity) bool {
	if task.GroupID == "" {
		return true
	}
	personIDs, err := p.resolver.PersonsOfGroup(ctx, task.GroupID)
	if err != nil {
		p.log.Error("group person lookup failed", "entityId", task.ID, "groupId", task.GroupID, "error", err)
		p.publish(PipelineEvent{Type: "pass-failed", EntityID: task.ID, Detail: err.Error()})
		return false
	}
	if len(personIDs) == 0 {
		return true
	}
	summary := p.engine.BatchGrant(ctx, []string{task.ID}, personIDs)
	p.recordSummary(task.ID, summary)
	return true
}

func (p *Pipeline) recordSummary(entityID string, summary Summary) {
	p.log.Info("grant pass summary",
		"entityId", entityID,
		"total", summary.Total,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"skipped", summary.Skipped)
	p.publish(PipelineEvent{Type: "grant-summary", EntityID: entityID, Detail: summary})

	if p.journal == nil {
		return
	}
	now := time.Now().UTC()
	for _, detail := range summary.Details {
		err := p.journal.Record(GrantRecord{
			Timestamp: now,
			EntityID:  entityID,
			TaskID:    detail.TaskID,
			PersonID:  detail.PersonID,
			Status:    detail.Status,
			Error:     detail.Error,
		})
		if err != nil {
			p.log.Warn("journal write failed", "entityId", entityID, "error", err)
		}
	}
}

// StartSweeper reclaims stale queue items on a ticker until ctx is done.
func (p *Pipeline) StartSweeper(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := p.queue.SweepStale(threshold); removed > 0 {
					p.publish(PipelineEvent{Type: "sweep", Detail: removed})
				}
			}
		}
	}()
}

func (p *Pipeline) publish(event PipelineEvent) {
	if p.feed != nil {
		p.feed.Publish(event)
	}
}
