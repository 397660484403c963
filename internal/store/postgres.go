package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEntityExists reports an entity id collision on insert: the id is
// already taken, possibly by another tenant or by a concurrent create.
var ErrEntityExists = errors.New("entity id already exists")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- organizations / members / devices ----

func (s *PostgresStore) CountOrganizations(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count organizations: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertOrganization(ctx context.Context, org Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, org.ID, org.Name, org.Slug)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMember(ctx context.Context, member Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, organization_id, display_name, email, password_hash, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, member.ID, member.OrganizationID, member.DisplayName, member.Email, member.PasswordHash, member.Role)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMemberByEmail(ctx context.Context, email string) (Member, error) {
	var member Member
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, display_name, email, password_hash, role
		FROM members
		WHERE email=$1
	`, email).Scan(&member.ID, &member.OrganizationID, &member.DisplayName, &member.Email, &member.PasswordHash, &member.Role)
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

func (s *PostgresStore) GetMemberByID(ctx context.Context, memberID string) (Member, error) {
	var member Member
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, display_name, email, password_hash, role
		FROM members
		WHERE id=$1
	`, memberID).Scan(&member.ID, &member.OrganizationID, &member.DisplayName, &member.Email, &member.PasswordHash, &member.Role)
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, device Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, organization_id, member_id, name, platform, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, platform=EXCLUDED.platform, last_seen_at=NOW()
	`, device.ID, device.OrganizationID, device.MemberID, device.Name, device.Platform)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchDevice(ctx context.Context, orgID, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_seen_at=NOW() WHERE organization_id=$1 AND id=$2
	`, orgID, deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// ---- refresh sessions (Postgres fallback when Redis is unconfigured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, memberID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, member_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET member_id=EXCLUDED.member_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, memberID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (Member, error) {
	const query = `
		SELECT m.id, m.organization_id, m.display_name, m.email, m.role
		FROM refresh_sessions rs
		JOIN members m ON m.id = rs.member_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var member Member
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&member.ID, &member.OrganizationID, &member.DisplayName, &member.Email, &member.Role)
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- sync operation transaction ----

// SyncTx is the transactional view one push operation runs inside. The
// entity mutation and the audit record commit or roll back together.
type SyncTx struct {
	tx *sql.Tx
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx *SyncTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync tx: %w", err)
	}
	if err := fn(&SyncTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync tx: %w", err)
	}
	return nil
}

// GetEntity loads one entity (tombstones included) scoped to a tenant,
// locking the row for the remainder of the transaction. Returns nil when
// the entity does not exist.
func (t *SyncTx) GetEntity(ctx context.Context, orgID, entityType, entityID string) (*SyncEntity, error) {
	const query = `
		SELECT id, organization_id, entity_type, payload, sync_version, updated_at,
			deleted_at, last_modified_by, device_id, field_timestamps, created_at
		FROM sync_entities
		WHERE organization_id=$1 AND entity_type=$2 AND id=$3
		FOR UPDATE
	`
	entity, err := scanEntity(t.tx.QueryRowContext(ctx, query, orgID, entityType, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return entity, nil
}

// InsertEntity creates a new entity row. Entity ids are client-generated
// and globally unique; ON CONFLICT keeps a collision from aborting the
// surrounding transaction and surfaces it as ErrEntityExists instead.
// The row-level lock from GetEntity does not cover ids this tenant has
// never seen, so this is where a concurrent or cross-tenant id reuse is
// caught.
func (t *SyncTx) InsertEntity(ctx context.Context, entity SyncEntity) error {
	payload, stamps, err := encodeEntityJSON(entity)
	if err != nil {
		return err
	}
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_entities (id, organization_id, entity_type, payload, sync_version,
			updated_at, deleted_at, last_modified_by, device_id, field_timestamps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, entity.ID, entity.OrganizationID, entity.EntityType, payload, entity.SyncVersion,
		entity.UpdatedAt, entity.DeletedAt, entity.LastModifiedBy, entity.DeviceID, stamps)
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert entity: %w", err)
	}
	if inserted == 0 {
		return ErrEntityExists
	}
	return nil
}

func (t *SyncTx) UpdateEntity(ctx context.Context, entity SyncEntity) error {
	payload, stamps, err := encodeEntityJSON(entity)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE sync_entities
		SET payload=$4, sync_version=$5, updated_at=$6, deleted_at=$7,
			last_modified_by=$8, device_id=$9, field_timestamps=$10
		WHERE organization_id=$1 AND entity_type=$2 AND id=$3
	`, entity.OrganizationID, entity.EntityType, entity.ID, payload, entity.SyncVersion,
		entity.UpdatedAt, entity.DeletedAt, entity.LastModifiedBy, entity.DeviceID, stamps)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	return nil
}

// InsertOperation appends a pending audit record. Returns false without
// error when the idempotency key was already taken; the caller treats
// that as a duplicate push and rolls back.
func (t *SyncTx) InsertOperation(ctx context.Context, op *SyncOperation) (bool, error) {
	payload, err := marshalMap(op.Payload)
	if err != nil {
		return false, err
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO sync_operations (organization_id, idempotency_key, entity_type, entity_id,
			intent, payload, client_timestamp, server_timestamp, status, drift_ms, member_id, device_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11)
		ON CONFLICT (organization_id, idempotency_key) DO NOTHING
		RETURNING id
	`, op.OrganizationID, op.IdempotencyKey, op.EntityType, op.EntityID, op.Intent, payload,
		op.ClientTimestamp, op.ServerTimestamp, op.DriftMs, op.MemberID, op.DeviceID).Scan(&op.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert operation: %w", err)
	}
	return true, nil
}

// FinalizeOperation moves the pending record to its terminal state. This
// is the single status transition an operation ever makes.
func (t *SyncTx) FinalizeOperation(ctx context.Context, op SyncOperation) error {
	conflictFields, err := json.Marshal(conflictFieldsOrEmpty(op.ConflictFields))
	if err != nil {
		return fmt.Errorf("marshal conflict fields: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE sync_operations
		SET status=$2, error_code=$3, error_message=$4, conflict_fields=$5,
			resolution_details=$6, server_version=$7
		WHERE id=$1 AND status='pending'
	`, op.ID, op.Status, op.ErrorCode, op.ErrorMessage, conflictFields, op.ResolutionDetails, op.ServerVersion)
	if err != nil {
		return fmt.Errorf("finalize operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOperationByKey(ctx context.Context, orgID, idempotencyKey string) (SyncOperation, error) {
	const query = `
		SELECT id, organization_id, idempotency_key, entity_type, entity_id, intent, payload,
			client_timestamp, server_timestamp, status, error_code, error_message,
			conflict_fields, resolution_details, drift_ms, server_version, member_id, device_id, created_at
		FROM sync_operations
		WHERE organization_id=$1 AND idempotency_key=$2
	`
	return scanOperation(s.db.QueryRowContext(ctx, query, orgID, idempotencyKey))
}

// ---- changefeed ----

// ListChanges returns up to limit entities changed after the given
// position, tombstones included, ordered by (updated_at, id) ascending.
// A nil position starts from the beginning.
func (s *PostgresStore) ListChanges(ctx context.Context, orgID string, entityTypes []string, afterUpdatedAt *time.Time, afterID string, limit int) ([]SyncEntity, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, organization_id, entity_type, payload, sync_version, updated_at,
			deleted_at, last_modified_by, device_id, field_timestamps, created_at
		FROM sync_entities
		WHERE organization_id=$1
	`)
	args := []any{orgID}
	if afterUpdatedAt != nil {
		args = append(args, *afterUpdatedAt, afterID)
		query.WriteString(fmt.Sprintf(" AND (updated_at, id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(entityTypes) > 0 {
		placeholders := make([]string, 0, len(entityTypes))
		for _, entityType := range entityTypes {
			args = append(args, entityType)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query.WriteString(" AND entity_type IN (" + strings.Join(placeholders, ", ") + ")")
	}
	args = append(args, limit)
	query.WriteString(fmt.Sprintf(" ORDER BY updated_at, id LIMIT $%d", len(args)))

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	items := make([]SyncEntity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		items = append(items, *entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return items, nil
}

// ---- audit search fallback ----

// SearchOperations is the Postgres fallback for the operations audit
// lookup: exact match on idempotency key or entity id, optional status
// filter, newest first.
func (s *PostgresStore) SearchOperations(ctx context.Context, orgID, text, status string, limit int) ([]SyncOperation, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT id, organization_id, idempotency_key, entity_type, entity_id, intent, payload,
			client_timestamp, server_timestamp, status, error_code, error_message,
			conflict_fields, resolution_details, drift_ms, server_version, member_id, device_id, created_at
		FROM sync_operations
		WHERE organization_id=$1
	`)
	args := []any{orgID}
	if text != "" {
		args = append(args, text)
		query.WriteString(fmt.Sprintf(" AND (idempotency_key=$%d OR entity_id=$%d)", len(args), len(args)))
	}
	if status != "" {
		args = append(args, status)
		query.WriteString(fmt.Sprintf(" AND status=$%d", len(args)))
	}
	args = append(args, limit)
	query.WriteString(fmt.Sprintf(" ORDER BY server_timestamp DESC LIMIT $%d", len(args)))

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("search operations: %w", err)
	}
	defer rows.Close()

	items := make([]SyncOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		items = append(items, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return items, nil
}

// ---- retention ----

func (s *PostgresStore) ListExpiredOperations(ctx context.Context, before time.Time, limit int) ([]SyncOperation, error) {
	const query = `
		SELECT id, organization_id, idempotency_key, entity_type, entity_id, intent, payload,
			client_timestamp, server_timestamp, status, error_code, error_message,
			conflict_fields, resolution_details, drift_ms, server_version, member_id, device_id, created_at
		FROM sync_operations
		WHERE server_timestamp < $1
		ORDER BY id
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired operations: %w", err)
	}
	defer rows.Close()

	items := make([]SyncOperation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired operation: %w", err)
		}
		items = append(items, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired operations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteOperations(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete operations: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredTombstones(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_entities WHERE deleted_at IS NOT NULL AND deleted_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired tombstones: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted tombstones: %w", err)
	}
	return count, nil
}

// ---- backfill ----

// BackfillFieldTimestamps stamps every payload field of entities that
// have no field timestamps yet, treating each field as last modified at
// the entity's current updated_at. Used when an entity type is
// retrofitted onto field-level LWW.
func (s *PostgresStore) BackfillFieldTimestamps(ctx context.Context, orgID, entityType string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_entities
		SET field_timestamps = (
			SELECT COALESCE(jsonb_object_agg(key, to_jsonb(updated_at)), '{}'::jsonb)
			FROM jsonb_object_keys(payload) AS key
		)
		WHERE organization_id=$1 AND entity_type=$2
			AND field_timestamps='{}'::jsonb AND deleted_at IS NULL
	`, orgID, entityType)
	if err != nil {
		return 0, fmt.Errorf("backfill field timestamps: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count backfilled entities: %w", err)
	}
	return count, nil
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*SyncEntity, error) {
	var entity SyncEntity
	var payload, stamps []byte
	err := row.Scan(&entity.ID, &entity.OrganizationID, &entity.EntityType, &payload,
		&entity.SyncVersion, &entity.UpdatedAt, &entity.DeletedAt, &entity.LastModifiedBy,
		&entity.DeviceID, &stamps, &entity.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &entity.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(stamps, &entity.FieldTimestamps); err != nil {
		return nil, fmt.Errorf("decode field timestamps: %w", err)
	}
	return &entity, nil
}

func scanOperation(row rowScanner) (SyncOperation, error) {
	var op SyncOperation
	var payload, conflictFields []byte
	err := row.Scan(&op.ID, &op.OrganizationID, &op.IdempotencyKey, &op.EntityType, &op.EntityID,
		&op.Intent, &payload, &op.ClientTimestamp, &op.ServerTimestamp, &op.Status,
		&op.ErrorCode, &op.ErrorMessage, &conflictFields, &op.ResolutionDetails,
		&op.DriftMs, &op.ServerVersion, &op.MemberID, &op.DeviceID, &op.CreatedAt)
	if err != nil {
		return SyncOperation{}, err
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &op.Payload); err != nil {
			return SyncOperation{}, fmt.Errorf("decode operation payload: %w", err)
		}
	}
	if err := json.Unmarshal(conflictFields, &op.ConflictFields); err != nil {
		return SyncOperation{}, fmt.Errorf("decode conflict fields: %w", err)
	}
	return op, nil
}

func encodeEntityJSON(entity SyncEntity) (payload, stamps []byte, err error) {
	payload, err = marshalMap(entity.Payload)
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		payload = []byte(`{}`)
	}
	if entity.FieldTimestamps == nil {
		stamps = []byte(`{}`)
	} else if stamps, err = json.Marshal(entity.FieldTimestamps); err != nil {
		return nil, nil, fmt.Errorf("marshal field timestamps: %w", err)
	}
	return payload, stamps, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

func conflictFieldsOrEmpty(fields []string) []string {
	if fields == nil {
		return []string{}
	}
	return fields
}
