package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"driftline/api/internal/store"
)

// memStore is an in-memory Store with transactional staging, so rollback
// behaviour matches the real thing: nothing staged survives a failed tx.
type memStore struct {
	entities map[string]store.SyncEntity
	ops      map[string]store.SyncOperation
	nextOpID int64

	failFinalize bool
}

func newMemStore() *memStore {
	return &memStore{
		entities: make(map[string]store.SyncEntity),
		ops:      make(map[string]store.SyncOperation),
	}
}

func entityKey(orgID, entityType, entityID string) string {
	return orgID + "|" + entityType + "|" + entityID
}

func opKey(orgID, idempotencyKey string) string {
	return orgID + "|" + idempotencyKey
}

type memTx struct {
	s        *memStore
	entities map[string]store.SyncEntity
	ops      map[string]store.SyncOperation
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:        s,
		entities: make(map[string]store.SyncEntity),
		ops:      make(map[string]store.SyncOperation),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for key, entity := range tx.entities {
		s.entities[key] = entity
	}
	for key, op := range tx.ops {
		s.ops[key] = op
	}
	return nil
}

func (s *memStore) GetOperationByKey(ctx context.Context, orgID, idempotencyKey string) (store.SyncOperation, error) {
	op, ok := s.ops[opKey(orgID, idempotencyKey)]
	if !ok {
		return store.SyncOperation{}, fmt.Errorf("operation not found")
	}
	return op, nil
}

func copyEntity(entity store.SyncEntity) store.SyncEntity {
	payload := make(map[string]any, len(entity.Payload))
	for k, v := range entity.Payload {
		payload[k] = v
	}
	entity.Payload = payload
	if entity.FieldTimestamps != nil {
		stamps := make(map[string]time.Time, len(entity.FieldTimestamps))
		for k, v := range entity.FieldTimestamps {
			stamps[k] = v
		}
		entity.FieldTimestamps = stamps
	}
	return entity
}

func (t *memTx) GetEntity(ctx context.Context, orgID, entityType, entityID string) (*store.SyncEntity, error) {
	key := entityKey(orgID, entityType, entityID)
	if entity, ok := t.entities[key]; ok {
		copied := copyEntity(entity)
		return &copied, nil
	}
	if entity, ok := t.s.entities[key]; ok {
		copied := copyEntity(entity)
		return &copied, nil
	}
	return nil, nil
}

// InsertEntity enforces global id uniqueness like the real table's
// primary key, so an id held by any tenant rejects the insert.
func (t *memTx) InsertEntity(ctx context.Context, entity store.SyncEntity) error {
	for key := range t.s.entities {
		if strings.HasSuffix(key, "|"+entity.ID) {
			return store.ErrEntityExists
		}
	}
	for key := range t.entities {
		if strings.HasSuffix(key, "|"+entity.ID) {
			return store.ErrEntityExists
		}
	}
	t.entities[entityKey(entity.OrganizationID, entity.EntityType, entity.ID)] = copyEntity(entity)
	return nil
}

func (t *memTx) UpdateEntity(ctx context.Context, entity store.SyncEntity) error {
	t.entities[entityKey(entity.OrganizationID, entity.EntityType, entity.ID)] = copyEntity(entity)
	return nil
}

func (t *memTx) InsertOperation(ctx context.Context, op *store.SyncOperation) (bool, error) {
	key := opKey(op.OrganizationID, op.IdempotencyKey)
	if _, ok := t.s.ops[key]; ok {
		return false, nil
	}
	if _, ok := t.ops[key]; ok {
		return false, nil
	}
	t.s.nextOpID++
	op.ID = t.s.nextOpID
	op.Status = "pending"
	t.ops[key] = *op
	return true, nil
}

func (t *memTx) FinalizeOperation(ctx context.Context, op store.SyncOperation) error {
	if t.s.failFinalize {
		return errors.New("finalize failed")
	}
	t.ops[opKey(op.OrganizationID, op.IdempotencyKey)] = op
	return nil
}

var testActor = Actor{OrgID: "org_1", MemberID: "mem_1", DeviceID: "dev_1"}

func newTestProcessor(st *memStore, serverTS time.Time) *Processor {
	p := NewProcessor(DefaultRegistry(), st)
	p.now = func() time.Time { return serverTS }
	return p
}

func pushOp(key, entityType, entityID, intent string, ts time.Time, data map[string]any) PushOperation {
	return PushOperation{
		IdempotencyKey:  key,
		EntityType:      entityType,
		EntityID:        entityID,
		Intent:          intent,
		ClientTimestamp: ts,
		Data:            data,
	}
}

func TestProcessCreateApplied(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	serverTS := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, serverTS)
	clientTS := serverTS.Add(-2 * time.Second)

	result, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, clientTS, map[string]any{"name": "Alice"}))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Status != StatusApplied || result.ServerVersion != 1 {
		t.Fatalf("result = %+v, want applied v1", result)
	}

	entity := st.entities[entityKey("org_1", TypeContact, "c1")]
	if entity.Payload["name"] != "Alice" || entity.SyncVersion != 1 {
		t.Errorf("entity = %+v", entity)
	}
	if !entity.FieldTimestamps["name"].Equal(clientTS) {
		t.Errorf("field timestamp = %v, want %v", entity.FieldTimestamps["name"], clientTS)
	}

	op := st.ops[opKey("org_1", "op1")]
	if op.Status != StatusApplied || op.ServerVersion != 1 {
		t.Errorf("recorded op = %+v", op)
	}
	if op.DriftMs != 2000 {
		t.Errorf("drift = %d, want 2000", op.DriftMs)
	}
}

func TestProcessDuplicateReturnsOriginalOutcome(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	serverTS := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, serverTS)

	first, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, serverTS, map[string]any{"name": "Alice"}))
	if err != nil {
		t.Fatalf("first Process() error = %v", err)
	}

	// Retry with the same key but a different payload: the stored
	// outcome is replayed verbatim and nothing is reapplied.
	p.now = func() time.Time { return serverTS.Add(time.Hour) }
	second, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, serverTS, map[string]any{"name": "Mallory"}))
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if second.Status != StatusDuplicate {
		t.Errorf("status = %q, want duplicate", second.Status)
	}
	if second.ServerVersion != first.ServerVersion {
		t.Errorf("server version = %d, want %d", second.ServerVersion, first.ServerVersion)
	}
	if !second.ServerTimestamp.Equal(first.ServerTimestamp) {
		t.Errorf("server timestamp changed across replay")
	}
	if st.entities[entityKey("org_1", TypeContact, "c1")].Payload["name"] != "Alice" {
		t.Error("duplicate push must not mutate the entity")
	}
	if len(st.ops) != 1 {
		t.Errorf("ops = %d, want exactly one record per key", len(st.ops))
	}
}

func TestProcessFieldLevelIndependentUpdates(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, base)

	if _, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, base, map[string]any{"name": "Alice", "email": "old@example.com"})); err != nil {
		t.Fatalf("create error = %v", err)
	}

	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	r1, err := p.Process(ctx, testActor, pushOp("op2", TypeContact, "c1", IntentUpdate, base.Add(time.Minute), map[string]any{"name": "Alicia"}))
	if err != nil {
		t.Fatalf("update1 error = %v", err)
	}
	r2, err := p.Process(ctx, testActor, pushOp("op3", TypeContact, "c1", IntentUpdate, base.Add(90*time.Second), map[string]any{"email": "new@example.com"}))
	if err != nil {
		t.Fatalf("update2 error = %v", err)
	}

	if r1.Status != StatusApplied || len(r1.ConflictFields) != 0 {
		t.Errorf("update1 = %+v", r1)
	}
	if r2.Status != StatusApplied || len(r2.ConflictFields) != 0 {
		t.Errorf("update2 = %+v", r2)
	}

	entity := st.entities[entityKey("org_1", TypeContact, "c1")]
	if entity.Payload["name"] != "Alicia" || entity.Payload["email"] != "new@example.com" {
		t.Errorf("payload = %v, both edits should survive", entity.Payload)
	}
	if entity.SyncVersion != 3 {
		t.Errorf("sync version = %d, want 3 (bumped once per update)", entity.SyncVersion)
	}
}

func TestProcessStaleFieldReportedNotErrored(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, base)

	if _, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, base, map[string]any{"name": "Alice", "email": "a@example.com"})); err != nil {
		t.Fatalf("create error = %v", err)
	}

	// name is stale, email is fresh: partial apply, conflict reported.
	p.now = func() time.Time { return base.Add(time.Minute) }
	result, err := p.Process(ctx, testActor, pushOp("op2", TypeContact, "c1", IntentUpdate, base.Add(-time.Hour),
		map[string]any{"name": "Old Alice"}))
	if err != nil {
		t.Fatalf("update error = %v", err)
	}
	if result.Status != StatusConflict {
		t.Errorf("status = %q, want conflict", result.Status)
	}
	if len(result.ConflictFields) != 1 || result.ConflictFields[0] != "name" {
		t.Errorf("conflict fields = %v", result.ConflictFields)
	}
	if result.ConflictData["name"] != "Alice" {
		t.Errorf("conflict data should carry the surviving server value: %v", result.ConflictData)
	}
	if st.entities[entityKey("org_1", TypeContact, "c1")].Payload["name"] != "Alice" {
		t.Error("stale field must not overwrite the newer value")
	}
}

func TestProcessWholeRecordLWW(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, base)

	if _, err := p.Process(ctx, testActor, pushOp("op1", TypeNote, "n1", IntentCreate, base, map[string]any{"body": "first"})); err != nil {
		t.Fatalf("create error = %v", err)
	}

	// Older than the record's updated_at: whole update loses.
	p.now = func() time.Time { return base.Add(time.Minute) }
	stale, err := p.Process(ctx, testActor, pushOp("op2", TypeNote, "n1", IntentUpdate, base.Add(-time.Second), map[string]any{"body": "stale"}))
	if err != nil {
		t.Fatalf("stale update error = %v", err)
	}
	if stale.Status != StatusConflict {
		t.Errorf("stale status = %q, want conflict", stale.Status)
	}
	if st.entities[entityKey("org_1", TypeNote, "n1")].Payload["body"] != "first" {
		t.Error("stale whole-record write must not apply")
	}

	fresh, err := p.Process(ctx, testActor, pushOp("op3", TypeNote, "n1", IntentUpdate, base.Add(2*time.Minute), map[string]any{"body": "fresh"}))
	if err != nil {
		t.Fatalf("fresh update error = %v", err)
	}
	if fresh.Status != StatusApplied {
		t.Errorf("fresh status = %q, want applied", fresh.Status)
	}
	if st.entities[entityKey("org_1", TypeNote, "n1")].Payload["body"] != "fresh" {
		t.Error("fresh whole-record write should apply")
	}
}

func TestProcessCreateIDCollision(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, base)

	if _, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, base, map[string]any{"name": "Alice"})); err != nil {
		t.Fatalf("create error = %v", err)
	}

	result, err := p.Process(ctx, testActor, pushOp("op2", TypeContact, "c1", IntentCreate, base, map[string]any{"name": "Bob"}))
	if err != nil {
		t.Fatalf("colliding create error = %v", err)
	}
	if result.Status != StatusRejected || result.ErrorCode != CodeEntityExists {
		t.Errorf("result = %+v, want rejected ENTITY_EXISTS", result)
	}
	if result.ConflictData["name"] != "Alice" {
		t.Errorf("conflict data should carry the server record: %v", result.ConflictData)
	}
	if st.entities[entityKey("org_1", TypeContact, "c1")].Payload["name"] != "Alice" {
		t.Error("colliding create must not overwrite")
	}
}

func TestProcessCreateCrossTenantIDCollision(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, base)

	if _, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, base, map[string]any{"name": "Alice"})); err != nil {
		t.Fatalf("create error = %v", err)
	}

	// Another tenant reuses the id. The tenant-scoped read misses it, so
	// the insert itself must turn the collision into a per-operation
	// rejection instead of failing the batch.
	other := Actor{OrgID: "org_2", MemberID: "mem_9", DeviceID: "dev_9"}
	result, err := p.Process(ctx, other, pushOp("op2", TypeContact, "c1", IntentCreate, base, map[string]any{"name": "Eve"}))
	if err != nil {
		t.Fatalf("colliding create error = %v", err)
	}
	if result.Status != StatusRejected || result.ErrorCode != CodeEntityExists {
		t.Errorf("result = %+v, want rejected ENTITY_EXISTS", result)
	}
	if result.ConflictData != nil {
		t.Errorf("conflict data = %v, another tenant's record must not leak", result.ConflictData)
	}
	if st.entities[entityKey("org_1", TypeContact, "c1")].Payload["name"] != "Alice" {
		t.Error("owner's record must be untouched")
	}

	op := st.ops[opKey("org_2", "op2")]
	if op.Status != StatusRejected || op.ErrorCode != CodeEntityExists {
		t.Errorf("recorded op = %+v, the rejection must still be audited", op)
	}
}

func TestProcessRejections(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, base)

	cases := []struct {
		name     string
		op       PushOperation
		wantCode string
	}{
		{"unknown entity type", pushOp("k1", "widget", "w1", IntentCreate, base, map[string]any{"name": "x"}), CodeUnknownEntityType},
		{"update missing entity", pushOp("k2", TypeContact, "ghost", IntentUpdate, base, map[string]any{"name": "x"}), CodeEntityNotFound},
		{"invalid payload field", pushOp("k3", TypeContact, "c9", IntentCreate, base, map[string]any{"name": "x", "favorite_color": "teal"}), CodeValidation},
		{"missing entity id", pushOp("k4", TypeContact, "", IntentCreate, base, map[string]any{"name": "x"}), CodeValidation},
		{"unknown intent", pushOp("k5", TypeContact, "c9", "upsert", base, map[string]any{"name": "x"}), CodeValidation},
	}
	for _, tc := range cases {
		result, err := p.Process(ctx, testActor, tc.op)
		if err != nil {
			t.Fatalf("%s: Process() error = %v", tc.name, err)
		}
		if result.Status != StatusRejected || result.ErrorCode != tc.wantCode {
			t.Errorf("%s: result = %+v, want rejected %s", tc.name, result, tc.wantCode)
		}
	}
}

func TestProcessDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, base)

	if _, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, base, map[string]any{"name": "Alice"})); err != nil {
		t.Fatalf("create error = %v", err)
	}

	p.now = func() time.Time { return base.Add(time.Minute) }
	first, err := p.Process(ctx, testActor, pushOp("op2", TypeContact, "c1", IntentDelete, base.Add(time.Minute), nil))
	if err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if first.Status != StatusApplied || first.ServerVersion != 2 {
		t.Errorf("first delete = %+v, want applied v2", first)
	}
	entity := st.entities[entityKey("org_1", TypeContact, "c1")]
	if !entity.Deleted() {
		t.Fatal("entity should be tombstoned")
	}

	// Again with a new key: successful no-op, version untouched.
	second, err := p.Process(ctx, testActor, pushOp("op3", TypeContact, "c1", IntentDelete, base.Add(2*time.Minute), nil))
	if err != nil {
		t.Fatalf("second delete error = %v", err)
	}
	if second.Status != StatusApplied || second.ServerVersion != 2 {
		t.Errorf("second delete = %+v, want applied v2 no-op", second)
	}
	if st.entities[entityKey("org_1", TypeContact, "c1")].SyncVersion != 2 {
		t.Error("repeat delete must not bump sync_version")
	}

	// Never-seen entity: also a successful no-op.
	third, err := p.Process(ctx, testActor, pushOp("op4", TypeContact, "never", IntentDelete, base, nil))
	if err != nil {
		t.Fatalf("third delete error = %v", err)
	}
	if third.Status != StatusApplied {
		t.Errorf("delete of unknown entity = %+v, want applied no-op", third)
	}
}

func TestProcessUpdateTombstoneRejected(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, base)

	if _, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, base, map[string]any{"name": "Alice"})); err != nil {
		t.Fatalf("create error = %v", err)
	}
	if _, err := p.Process(ctx, testActor, pushOp("op2", TypeContact, "c1", IntentDelete, base, nil)); err != nil {
		t.Fatalf("delete error = %v", err)
	}

	result, err := p.Process(ctx, testActor, pushOp("op3", TypeContact, "c1", IntentUpdate, base.Add(time.Minute), map[string]any{"name": "Zombie"}))
	if err != nil {
		t.Fatalf("update error = %v", err)
	}
	if result.Status != StatusRejected || result.ErrorCode != CodeEntityNotFound {
		t.Errorf("result = %+v, want rejected ENTITY_NOT_FOUND", result)
	}
}

func TestProcessRollsBackTogether(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, base)
	st.failFinalize = true

	_, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, base, map[string]any{"name": "Alice"}))
	if err == nil || !strings.Contains(err.Error(), "finalize failed") {
		t.Fatalf("Process() error = %v, want finalize failure", err)
	}
	if len(st.entities) != 0 {
		t.Error("entity mutation must roll back with the audit record")
	}
	if len(st.ops) != 0 {
		t.Error("no audit record may survive a failed transaction")
	}
}

func TestProcessClampsForwardClockSkew(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	serverTS := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	p := newTestProcessor(st, serverTS)

	// Client clock runs an hour ahead; field stamps stay within updated_at.
	ahead := serverTS.Add(time.Hour)
	if _, err := p.Process(ctx, testActor, pushOp("op1", TypeContact, "c1", IntentCreate, ahead, map[string]any{"name": "Alice"})); err != nil {
		t.Fatalf("create error = %v", err)
	}
	entity := st.entities[entityKey("org_1", TypeContact, "c1")]
	if entity.FieldTimestamps["name"].After(entity.UpdatedAt) {
		t.Errorf("field timestamp %v exceeds updated_at %v", entity.FieldTimestamps["name"], entity.UpdatedAt)
	}
}
