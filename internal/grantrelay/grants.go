package grantrelay

import (
	"context"
	"log/slog"
)

// GrantDetail records the outcome of one (task, person) pair.
type GrantDetail struct {
	TaskID   string `json:"taskId"`
	PersonID string `json:"personId"`
	Status   string `json:"status"` // granted, skipped or failed
	Error    string `json:"error,omitempty"`
}

// Summary aggregates a batch grant. Successful+Failed+Skipped always equals
// Total.
type Summary struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Details    []GrantDetail `json:"details"`
}

// Engine grants task access to persons via expander references, skipping
// pairs that already hold a grant. Grants are idempotent from the caller's
// point of view; re-running a batch never revokes anything.
type Engine struct {
	client *Client
	log    *slog.Logger
}

func NewEngine(client *Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client: client,
		log:    logger.With("component", "grant-engine"),
	}
}

// HasGrant reports whether the person already holds an expander on the task.
// A fetch failure reports false so the caller retries the grant instead of
// silently skipping it.
func (e *Engine) HasGrant(ctx context.Context, taskID, personID string) bool {
	entity, err := e.client.GetEntity(ctx, taskID)
	if err != nil {
		e.log.Warn("grant check failed, will grant", "taskId", taskID, "personId", personID, "error", err)
		return false
	}
	_, ok := expanderRefs(entity)[personID]
	return ok
}

// GrantOne grants a single person access to a task.
func (e *Engine) GrantOne(ctx context.Context, taskID, personID string) error {
	return e.client.AddExpanders(ctx, taskID, []string{personID})
}

// GrantMany grants every listed person access to the task in one call.
func (e *Engine) GrantMany(ctx context.Context, taskID string, personIDs []string) error {
	return e.client.AddExpanders(ctx, taskID, personIDs)
}

// BatchGrant grants every person on every task. Each task is fetched once to
// find existing grants; pairs already granted are skipped, the rest go out
// as one batched call per task. A failing task marks only its own pairs
// failed and never aborts the other tasks.
func (e *Engine) BatchGrant(ctx context.Context, taskIDs, personIDs []string) Summary {
	summary := Summary{Total: len(taskIDs) * len(personIDs)}

	for _, taskID := range taskIDs {
		var existing map[string]struct{}
		entity, err := e.client.GetEntity(ctx, taskID)
		if err != nil {
			e.log.Warn("grant check failed, granting all", "taskId", taskID, "error", err)
		} else {
			existing = expanderRefs(entity)
		}

		var pending []string
		for _, personID := range personIDs {
			if _, ok := existing[personID]; ok {
				summary.Skipped++
				summary.Details = append(summary.Details, GrantDetail{
					TaskID: taskID, PersonID: personID, Status: "skipped",
				})
				continue
			}
			pending = append(pending, personID)
		}
		if len(pending) == 0 {
			continue
		}

		if err := e.GrantMany(ctx, taskID, pending); err != nil {
			e.log.Error("grant batch failed", "taskId", taskID, "persons", len(pending), "error", err)
			for _, personID := range pending {
				summary.Failed++
				summary.Details = append(summary.Details, GrantDetail{
					TaskID: taskID, PersonID: personID, Status: "failed", Error: err.Error(),
				})
			}
			continue
		}
		for _, personID := range pending {
			summary.Successful++
			summary.Details = append(summary.Details, GrantDetail{
				TaskID: taskID, PersonID: personID, Status: "granted",
			})
		}
	}
	return summary
}

// expanderRefs returns the set of person ids referenced by the entity's
// _expander properties.
func expanderRefs(entity map[string]any) map[string]struct{} {
	values, ok := entity["_expander"].([]any)
	if !ok {
		return nil
	}
	refs := make(map[string]struct{}, len(values))
	for _, v := range values {
		prop, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if ref, ok := prop["reference"].(string); ok && ref != "" {
			refs[ref] = struct{}{}
		}
	}
	return refs
}
