package grantrelay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
)

// ResolvedEntity is the projection of a CMS entity the pipeline cares about.
// Kind is "person", "task", "group" or "" when the type is unrecognized.
type ResolvedEntity struct {
	ID       string
	Kind     string
	GroupIDs []string
	GroupID  string
}

// Resolver classifies entities and walks their group relationships through
// the privileged client.
type Resolver struct {
	client *Client
	log    *slog.Logger
}

func NewResolver(client *Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		client: client,
		log:    logger.With("component", "webhook-pipeline"),
	}
}

// GetEntityDetails fetches an entity and projects it. Group references are
// only populated for the matching kind: persons get GroupIDs, tasks get
// GroupID.
func (r *Resolver) GetEntityDetails(ctx context.Context, id string) (ResolvedEntity, error) {
	entity, err := r.client.GetEntity(ctx, id)
	if err != nil {
		return ResolvedEntity{}, fmt.Errorf("resolve entity %s: %w", id, err)
	}
	resolved := ResolvedEntity{ID: id, Kind: entityKind(entity)}
	switch resolved.Kind {
	case "person":
		resolved.GroupIDs = ExtractGroupsFromPerson(entity)
	case "task":
		resolved.GroupID = ExtractGroupFromTask(entity)
	}
	return resolved, nil
}

// TasksOfGroup lists the ids of tasks whose parent is the group.
func (r *Resolver) TasksOfGroup(ctx context.Context, groupID string) ([]string, error) {
	return r.listChildIDs(ctx, "task", groupID)
}

// PersonsOfGroup lists the ids of persons whose parent is the group.
func (r *Resolver) PersonsOfGroup(ctx context.Context, groupID string) ([]string, error) {
	return r.listChildIDs(ctx, "person", groupID)
}

func (r *Resolver) listChildIDs(ctx context.Context, kind, groupID string) ([]string, error) {
	if groupID == "" {
		return nil, nil
	}
	query := url.Values{
		"_type.string":      {kind},
		"_parent.reference": {groupID},
		"props":             {"_id"},
	}
	entities, err := r.client.ListEntities(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %ss of group %s: %w", kind, groupID, err)
	}
	ids := make([]string, 0, len(entities))
	for _, entity := range entities {
		if id, ok := entity["_id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// entityKind reads the declared type out of the _type property list.
func entityKind(entity map[string]any) string {
	values, ok := entity["_type"].([]any)
	if !ok {
		return ""
	}
	for _, v := range values {
		prop, ok := v.(map[string]any)
		if !ok {
			continue
		}
		switch prop["string"] {
		case "person", "task", "group":
			return prop["string"].(string)
		}
	}
	return ""
}

// parentGroupRefs collects _parent references whose referenced entity is a
// group.
func parentGroupRefs(entity map[string]any) []string {
	values, ok := entity["_parent"].([]any)
	if !ok {
		return nil
	}
	var refs []string
	for _, v := range values {
		prop, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if prop["entity_type"] != "group" {
			continue
		}
		if ref, ok := prop["reference"].(string); ok && ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// ExtractGroupsFromPerson returns the group ids a person belongs to, or nil
// when the entity is not a person.
func ExtractGroupsFromPerson(entity map[string]any) []string {
	if entityKind(entity) != "person" {
		return nil
	}
	return parentGroupRefs(entity)
}

// ExtractGroupFromTask returns the group a task belongs to, or "" when the
// entity is not a task or has no group parent.
func ExtractGroupFromTask(entity map[string]any) string {
	if entityKind(entity) != "task" {
		return ""
	}
	refs := parentGroupRefs(entity)
	if len(refs) == 0 {
		return ""
	}
	return refs[0]
}
