package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"driftline/api/internal/store"
)

// Tx is the transactional storage view one operation runs inside. The
// entity mutation and the audit record are committed or rolled back as
// a unit; partial application is never observable.
type Tx interface {
	GetEntity(ctx context.Context, orgID, entityType, entityID string) (*store.SyncEntity, error)
	InsertEntity(ctx context.Context, entity store.SyncEntity) error
	UpdateEntity(ctx context.Context, entity store.SyncEntity) error
	InsertOperation(ctx context.Context, op *store.SyncOperation) (bool, error)
	FinalizeOperation(ctx context.Context, op store.SyncOperation) error
}

// Store provides transactions and duplicate-replay lookups.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetOperationByKey(ctx context.Context, orgID, idempotencyKey string) (store.SyncOperation, error)
}

// errDuplicateKey aborts the transaction when the idempotency key is
// already taken; the caller then replays the recorded outcome.
var errDuplicateKey = errors.New("duplicate idempotency key")

// Processor applies one client-submitted operation at a time: idempotency
// check, conflict policy, entity mutation, audit record.
type Processor struct {
	registry *Registry
	store    Store
	now      func() time.Time
}

func NewProcessor(registry *Registry, st Store) *Processor {
	return &Processor{registry: registry, store: st, now: time.Now}
}

// Process applies a single operation for the given actor and returns its
// terminal result. The returned error is infrastructure failure only;
// domain rejections and conflicts are reported in the result.
func (p *Processor) Process(ctx context.Context, actor Actor, op PushOperation) (OperationResult, error) {
	serverTS := p.now().UTC().Truncate(time.Microsecond)

	var result OperationResult
	err := p.store.InTx(ctx, func(tx Tx) error {
		rec := &store.SyncOperation{
			OrganizationID:  actor.OrgID,
			IdempotencyKey:  op.IdempotencyKey,
			EntityType:      op.EntityType,
			EntityID:        op.EntityID,
			Intent:          op.Intent,
			Payload:         op.Data,
			ClientTimestamp: op.ClientTimestamp,
			ServerTimestamp: serverTS,
			DriftMs:         serverTS.Sub(op.ClientTimestamp).Milliseconds(),
			MemberID:        actor.MemberID,
			DeviceID:        actor.DeviceID,
		}
		inserted, err := tx.InsertOperation(ctx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicateKey
		}

		outcome, err := p.apply(ctx, tx, actor, op, serverTS)
		if err != nil {
			return err
		}

		rec.Status = outcome.Status
		rec.ErrorCode = outcome.ErrorCode
		rec.ErrorMessage = outcome.ErrorMessage
		rec.ConflictFields = outcome.ConflictFields
		rec.ServerVersion = outcome.ServerVersion
		rec.ResolutionDetails = resolutionDetails(outcome)
		if err := tx.FinalizeOperation(ctx, *rec); err != nil {
			return err
		}
		result = outcome
		return nil
	})
	if errors.Is(err, errDuplicateKey) {
		return p.replay(ctx, actor, op)
	}
	if err != nil {
		return OperationResult{}, err
	}
	return result, nil
}

// replay returns the previously recorded outcome for an already-processed
// idempotency key. The original operation is never reapplied.
func (p *Processor) replay(ctx context.Context, actor Actor, op PushOperation) (OperationResult, error) {
	prev, err := p.store.GetOperationByKey(ctx, actor.OrgID, op.IdempotencyKey)
	if err != nil {
		return OperationResult{}, fmt.Errorf("load duplicate operation: %w", err)
	}
	return OperationResult{
		IdempotencyKey:  prev.IdempotencyKey,
		Status:          StatusDuplicate,
		ServerTimestamp: prev.ServerTimestamp,
		ServerVersion:   prev.ServerVersion,
		ErrorCode:       prev.ErrorCode,
		ErrorMessage:    prev.ErrorMessage,
		ConflictFields:  prev.ConflictFields,
	}, nil
}

func (p *Processor) apply(ctx context.Context, tx Tx, actor Actor, op PushOperation, serverTS time.Time) (OperationResult, error) {
	base := OperationResult{IdempotencyKey: op.IdempotencyKey, ServerTimestamp: serverTS}

	handler, err := p.registry.Handler(op.EntityType)
	if err != nil {
		return rejected(base, CodeUnknownEntityType, err.Error()), nil
	}
	if op.EntityID == "" {
		return rejected(base, CodeValidation, "entity_id is required"), nil
	}

	switch op.Intent {
	case IntentCreate:
		return p.applyCreate(ctx, tx, handler, actor, op, serverTS, base)
	case IntentUpdate:
		return p.applyUpdate(ctx, tx, handler, actor, op, serverTS, base)
	case IntentDelete:
		return p.applyDelete(ctx, tx, handler, actor, op, serverTS, base)
	default:
		return rejected(base, CodeValidation, fmt.Sprintf("unknown intent %q", op.Intent)), nil
	}
}

func (p *Processor) applyCreate(ctx context.Context, tx Tx, handler Handler, actor Actor, op PushOperation, serverTS time.Time, base OperationResult) (OperationResult, error) {
	if err := handler.Validate(op.Data, false); err != nil {
		return rejected(base, CodeValidation, err.Error()), nil
	}
	existing, err := tx.GetEntity(ctx, actor.OrgID, op.EntityType, op.EntityID)
	if err != nil {
		return OperationResult{}, err
	}
	if existing != nil {
		// Same id under a different idempotency key: the client reused
		// an id it must not reuse. The server record is returned so the
		// client can reconcile instead of retrying blindly.
		result := rejected(base, CodeEntityExists, fmt.Sprintf("entity %q already exists", op.EntityID))
		result.ConflictData = handler.Serialize(existing.Payload)
		result.ServerVersion = existing.SyncVersion
		return result, nil
	}

	entity := store.SyncEntity{
		ID:             op.EntityID,
		OrganizationID: actor.OrgID,
		EntityType:     op.EntityType,
		Payload:        handler.Serialize(op.Data),
		SyncVersion:    1,
		UpdatedAt:      serverTS,
		LastModifiedBy: optional(actor.MemberID),
		DeviceID:       optional(actor.DeviceID),
	}
	if handler.FieldLWW() {
		entity.FieldTimestamps = make(map[string]time.Time, len(op.Data))
		for field := range op.Data {
			entity.FieldTimestamps[field] = clampStamp(op.ClientTimestamp, serverTS)
		}
	}
	if err := tx.InsertEntity(ctx, entity); err != nil {
		// The tenant-scoped read above cannot see ids held by other
		// tenants or won by a concurrent create; the insert is the
		// authority. No server record is exposed in that case.
		if errors.Is(err, store.ErrEntityExists) {
			return rejected(base, CodeEntityExists, fmt.Sprintf("entity %q already exists", op.EntityID)), nil
		}
		return OperationResult{}, err
	}

	base.Status = StatusApplied
	base.ServerVersion = entity.SyncVersion
	return base, nil
}

func (p *Processor) applyUpdate(ctx context.Context, tx Tx, handler Handler, actor Actor, op PushOperation, serverTS time.Time, base OperationResult) (OperationResult, error) {
	if err := handler.Validate(op.Data, true); err != nil {
		return rejected(base, CodeValidation, err.Error()), nil
	}
	entity, err := tx.GetEntity(ctx, actor.OrgID, op.EntityType, op.EntityID)
	if err != nil {
		return OperationResult{}, err
	}
	if entity == nil || entity.Deleted() {
		return rejected(base, CodeEntityNotFound, fmt.Sprintf("entity %q not found", op.EntityID)), nil
	}

	var resolution Resolution
	if handler.FieldLWW() {
		resolution = ResolveFieldLevel(entity.FieldTimestamps, op.Data, op.ClientTimestamp)
	} else {
		resolution = ResolveWholeRecord(entity.UpdatedAt, op.Data, op.ClientTimestamp)
	}

	if !resolution.Applied() {
		// Every field lost; the entity is untouched.
		base.Status = StatusConflict
		base.ServerVersion = entity.SyncVersion
		base.ConflictFields = resolution.ConflictFields
		base.ConflictData = handler.Serialize(entity.Payload)
		return base, nil
	}

	for field, value := range resolution.Fields {
		entity.Payload[field] = value
	}
	if handler.FieldLWW() {
		if entity.FieldTimestamps == nil {
			entity.FieldTimestamps = make(map[string]time.Time, len(resolution.Stamps))
		}
		for field, stamp := range resolution.Stamps {
			entity.FieldTimestamps[field] = clampStamp(stamp, serverTS)
		}
	}
	// One version bump per operation regardless of field count.
	entity.SyncVersion++
	entity.UpdatedAt = serverTS
	entity.LastModifiedBy = optional(actor.MemberID)
	entity.DeviceID = optional(actor.DeviceID)
	if err := tx.UpdateEntity(ctx, *entity); err != nil {
		return OperationResult{}, err
	}

	base.ServerVersion = entity.SyncVersion
	if len(resolution.ConflictFields) > 0 {
		base.Status = StatusConflict
		base.ConflictFields = resolution.ConflictFields
		base.ConflictData = handler.Serialize(entity.Payload)
	} else {
		base.Status = StatusApplied
	}
	return base, nil
}

func (p *Processor) applyDelete(ctx context.Context, tx Tx, handler Handler, actor Actor, op PushOperation, serverTS time.Time, base OperationResult) (OperationResult, error) {
	entity, err := tx.GetEntity(ctx, actor.OrgID, op.EntityType, op.EntityID)
	if err != nil {
		return OperationResult{}, err
	}
	// Deletes are idempotent: a missing or already-tombstoned entity is
	// a successful no-op, and the no-op does not bump sync_version.
	if entity == nil {
		base.Status = StatusApplied
		return base, nil
	}
	if entity.Deleted() {
		base.Status = StatusApplied
		base.ServerVersion = entity.SyncVersion
		return base, nil
	}

	deletedAt := serverTS
	entity.DeletedAt = &deletedAt
	entity.SyncVersion++
	entity.UpdatedAt = serverTS
	entity.LastModifiedBy = optional(actor.MemberID)
	entity.DeviceID = optional(actor.DeviceID)
	if err := tx.UpdateEntity(ctx, *entity); err != nil {
		return OperationResult{}, err
	}

	base.Status = StatusApplied
	base.ServerVersion = entity.SyncVersion
	return base, nil
}

func rejected(base OperationResult, code, message string) OperationResult {
	base.Status = StatusRejected
	base.ErrorCode = code
	base.ErrorMessage = message
	return base
}

func resolutionDetails(result OperationResult) string {
	switch {
	case result.Status == StatusConflict && result.ErrorCode == "":
		return fmt.Sprintf("%d field(s) lost to newer writes", len(result.ConflictFields))
	case result.Status == StatusRejected:
		return result.ErrorMessage
	default:
		return ""
	}
}

// clampStamp keeps field timestamps within the entity's updated_at even
// when a client clock runs ahead of the server.
func clampStamp(clientTS, serverTS time.Time) time.Time {
	if clientTS.After(serverTS) {
		return serverTS
	}
	return clientTS.UTC()
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
