package store

import "time"

type Organization struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Member struct {
	ID             string
	OrganizationID string
	DisplayName    string
	Email          string
	PasswordHash   string
	Role           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Device struct {
	ID             string
	OrganizationID string
	MemberID       string
	Name           string
	Platform       string
	LastSeenAt     *time.Time
	CreatedAt      time.Time
}

// SyncEntity is one tenant-owned, sync-enabled record. Payload holds the
// entity's syncable fields; FieldTimestamps is populated only for entity
// types that opt into field-level conflict resolution.
type SyncEntity struct {
	ID              string
	OrganizationID  string
	EntityType      string
	Payload         map[string]any
	SyncVersion     int64
	UpdatedAt       time.Time
	DeletedAt       *time.Time
	LastModifiedBy  *string
	DeviceID        *string
	FieldTimestamps map[string]time.Time
	CreatedAt       time.Time
}

// Deleted reports whether the entity is a tombstone.
func (e *SyncEntity) Deleted() bool {
	return e.DeletedAt != nil
}

// SyncOperation is the append-only audit/idempotency record, one per push
// attempt. After reaching a terminal status it is never mutated.
type SyncOperation struct {
	ID                int64
	OrganizationID    string
	IdempotencyKey    string
	EntityType        string
	EntityID          string
	Intent            string
	Payload           map[string]any
	ClientTimestamp   time.Time
	ServerTimestamp   time.Time
	Status            string
	ErrorCode         string
	ErrorMessage      string
	ConflictFields    []string
	ResolutionDetails string
	DriftMs           int64
	ServerVersion     int64
	MemberID          string
	DeviceID          string
	CreatedAt         time.Time
}
