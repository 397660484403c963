// Package search indexes the sync operations audit log for operator
// lookups. Meilisearch is the primary backend with a Postgres fallback.
package search

import (
	"time"

	"driftline/api/internal/store"
)

// OperationRecord is the data we index for one processed operation.
type OperationRecord struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	IdempotencyKey string `json:"idempotencyKey"`
	EntityType     string `json:"entityType"`
	EntityID       string `json:"entityId"`
	Intent         string `json:"intent"`
	Status         string `json:"status"`
	ErrorCode      string `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	MemberID       string `json:"memberId"`
	DeviceID       string `json:"deviceId,omitempty"`
	ServerUnixUS   int64  `json:"serverUnixUs"`
}

// Query describes an audit search request. Text matches idempotency
// keys, entity ids and error messages.
type Query struct {
	Text         string
	OrgID        string
	FilterStatus string
	FilterType   string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the operations search endpoint.
type Response struct {
	Results []OperationRecord `json:"results"`
	Total   int               `json:"total"`
	Query   string            `json:"query"`
}

// Searcher can execute an audit log search.
type Searcher interface {
	Search(q Query) ([]OperationRecord, int, error)
	Healthy() bool
}

// Indexer can push operation records into a search index.
type Indexer interface {
	IndexOperation(rec OperationRecord) error
	DeleteOperations(ids []string) error
}

// RecordFromOperation converts an audit row into its indexed form.
func RecordFromOperation(op store.SyncOperation) OperationRecord {
	return OperationRecord{
		ID:             opDocID(op.ID),
		OrganizationID: op.OrganizationID,
		IdempotencyKey: op.IdempotencyKey,
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		Intent:         op.Intent,
		Status:         op.Status,
		ErrorCode:      op.ErrorCode,
		ErrorMessage:   op.ErrorMessage,
		MemberID:       op.MemberID,
		DeviceID:       op.DeviceID,
		ServerUnixUS:   op.ServerTimestamp.UnixMicro(),
	}
}

// ServerTimestamp recovers the operation's server time.
func (r OperationRecord) ServerTimestamp() time.Time {
	return time.UnixMicro(r.ServerUnixUS).UTC()
}
