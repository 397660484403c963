package search

import (
	"context"
	"log"

	"driftline/api/internal/store"
)

// OperationStore is the Postgres fallback for audit lookups.
type OperationStore interface {
	SearchOperations(ctx context.Context, orgID, text, status string, limit int) ([]store.SyncOperation, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// exact-match lookups in Postgres.
type Service struct {
	meili *Meili
	ops   OperationStore
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured.
func NewService(meili *Meili, ops OperationStore) *Service {
	return &Service{meili: meili, ops: ops}
}

// Search tries Meilisearch if healthy, otherwise falls back to the
// audit table. The fallback matches keys and entity ids exactly rather
// than fuzzily, which is still enough to trace one operation.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	rows, err := s.ops.SearchOperations(ctx, q.OrgID, q.Text, q.FilterStatus, limit)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []OperationRecord{}, Total: 0, Query: q.Text}
	}

	results := make([]OperationRecord, 0, len(rows))
	for _, op := range rows {
		if q.FilterType != "" && op.EntityType != q.FilterType {
			continue
		}
		results = append(results, RecordFromOperation(op))
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexOperation indexes one processed operation, fire and forget.
func (s *Service) IndexOperation(op store.SyncOperation) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := RecordFromOperation(op)
	go func() {
		if err := s.meili.IndexOperation(rec); err != nil {
			log.Printf("search: index operation %s: %v", rec.ID, err)
		}
	}()
}

// RemoveOperations drops operation records from the index after the
// retention sweeper deletes the underlying rows.
func (s *Service) RemoveOperations(ids []int64) {
	if s.meili == nil || !s.meili.Healthy() || len(ids) == 0 {
		return
	}
	docIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		docIDs = append(docIDs, opDocID(id))
	}
	go func() {
		if err := s.meili.DeleteOperations(docIDs); err != nil {
			log.Printf("search: remove %d operations: %v", len(docIDs), err)
		}
	}()
}

// Close shuts the Meilisearch health monitor down if one is running.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []OperationRecord) []OperationRecord {
	if r == nil {
		return []OperationRecord{}
	}
	return r
}
