package sync

import (
	"context"
	"fmt"
	"time"

	"driftline/api/internal/store"
)

// ChangeStore reads the ordered changefeed out of storage.
type ChangeStore interface {
	ListChanges(ctx context.Context, orgID string, entityTypes []string, afterUpdatedAt *time.Time, afterID string, limit int) ([]store.SyncEntity, error)
}

// Puller builds paginated changefeed batches. Page size is capped
// server-side regardless of what the client asks for.
type Puller struct {
	registry     *Registry
	store        ChangeStore
	defaultLimit int
	maxLimit     int
}

func NewPuller(registry *Registry, st ChangeStore, defaultLimit, maxLimit int) *Puller {
	return &Puller{registry: registry, store: st, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Pull returns a bounded batch of changes after the request cursor,
// tombstones included. An undecodable cursor yields ForceResync rather
// than an error: retrying the same bad cursor would loop forever, the
// client must restart from an empty cursor instead.
func (p *Puller) Pull(ctx context.Context, orgID string, req PullRequest) (PullResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = p.defaultLimit
	}
	if limit > p.maxLimit {
		limit = p.maxLimit
	}

	for _, entityType := range req.EntityTypes {
		if _, err := p.registry.Handler(entityType); err != nil {
			return PullResponse{}, err
		}
	}

	var afterUpdatedAt *time.Time
	var afterID string
	if req.Since != "" {
		pos, err := DecodeCursor(req.Since)
		if err != nil {
			return PullResponse{Changes: []Change{}, ForceResync: true}, nil
		}
		afterUpdatedAt = &pos.UpdatedAt
		afterID = pos.EntityID
	}

	rows, err := p.store.ListChanges(ctx, orgID, req.EntityTypes, afterUpdatedAt, afterID, limit+1)
	if err != nil {
		return PullResponse{}, fmt.Errorf("pull changes: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	changes := make([]Change, 0, len(rows))
	for _, entity := range rows {
		changes = append(changes, p.toChange(entity))
	}

	cursor := req.Since
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		cursor = EncodeCursor(last.UpdatedAt, last.ID)
	}

	return PullResponse{
		Changes: changes,
		Cursor:  cursor,
		HasMore: hasMore,
	}, nil
}

func (p *Puller) toChange(entity store.SyncEntity) Change {
	change := Change{
		EntityType: entity.EntityType,
		EntityID:   entity.ID,
		Version:    entity.SyncVersion,
		UpdatedAt:  entity.UpdatedAt,
	}
	if entity.Deleted() {
		change.Operation = ChangeDelete
		return change
	}
	change.Operation = ChangeUpsert
	if handler, err := p.registry.Handler(entity.EntityType); err == nil {
		change.Data = handler.Serialize(entity.Payload)
	} else {
		// Type no longer registered; still feed the raw payload so
		// clients do not silently lose records.
		change.Data = entity.Payload
	}
	return change
}
