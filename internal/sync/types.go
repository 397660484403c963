// Package sync implements the offline-first synchronization engine:
// idempotent operation application, last-writer-wins conflict resolution,
// and cursor-based incremental replication of entity changes.
package sync

import (
	"errors"
	"time"
)

const (
	IntentCreate = "create"
	IntentUpdate = "update"
	IntentDelete = "delete"
)

// Terminal operation statuses. An operation record transitions from
// pending to exactly one of these and is immutable afterwards.
const (
	StatusApplied   = "applied"
	StatusConflict  = "conflict"
	StatusRejected  = "rejected"
	StatusDuplicate = "duplicate"
)

// Changefeed operations.
const (
	ChangeUpsert = "upsert"
	ChangeDelete = "delete"
)

// Error codes surfaced in per-operation results.
const (
	CodeUnknownEntityType = "UNKNOWN_ENTITY_TYPE"
	CodeEntityNotFound    = "ENTITY_NOT_FOUND"
	CodeEntityExists      = "ENTITY_EXISTS"
	CodeValidation        = "VALIDATION_ERROR"
	CodeServerError       = "SERVER_ERROR"
)

var (
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrInvalidCursor     = errors.New("invalid cursor")
)

// PushOperation is one client-submitted mutation.
type PushOperation struct {
	IdempotencyKey  string         `json:"idempotency_key"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Intent          string         `json:"intent"`
	ClientTimestamp time.Time      `json:"client_timestamp"`
	Data            map[string]any `json:"data,omitempty"`
}

// OperationResult is the per-operation outcome returned to the client,
// in the same order operations were submitted.
type OperationResult struct {
	IdempotencyKey  string         `json:"idempotency_key"`
	Status          string         `json:"status"`
	ServerTimestamp time.Time      `json:"server_timestamp"`
	ServerVersion   int64          `json:"server_version,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ConflictFields  []string       `json:"conflict_fields,omitempty"`
	ConflictData    map[string]any `json:"conflict_data,omitempty"`
}

// Change is one entry in the pull changefeed.
type Change struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  string         `json:"operation"`
	Data       map[string]any `json:"data"`
	Version    int64          `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// PullRequest carries the parsed pull parameters.
type PullRequest struct {
	Since       string
	EntityTypes []string
	Limit       int
}

// PullResponse is a bounded, ordered batch of changes plus the cursor
// to resume from. ForceResync tells the client to discard local state
// and restart from an empty cursor.
type PullResponse struct {
	Changes     []Change `json:"changes"`
	Cursor      string   `json:"cursor"`
	HasMore     bool     `json:"has_more"`
	ForceResync bool     `json:"force_resync"`
}

// Actor identifies who is pushing: the authenticated member, the owning
// organization, and the originating device.
type Actor struct {
	OrgID    string
	MemberID string
	DeviceID string
}
