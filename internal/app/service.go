package app

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"driftline/api/internal/auth"
	"driftline/api/internal/config"
	"driftline/api/internal/events"
	"driftline/api/internal/search"
	"driftline/api/internal/store"
	syncengine "driftline/api/internal/sync"
	"driftline/api/internal/util"
)

// Session is one authenticated caller: the member, their organization,
// and optionally the device the access token is bound to.
type Session struct {
	Token        string
	RefreshToken string
	MemberID     string
	MemberName   string
	OrgID        string
	Role         string
	DeviceID     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CountOrganizations(context.Context) (int, error)
	InsertOrganization(context.Context, store.Organization) error
	InsertMember(context.Context, store.Member) error
	GetMemberByEmail(context.Context, string) (store.Member, error)
	GetMemberByID(context.Context, string) (store.Member, error)
	UpsertDevice(context.Context, store.Device) error
	TouchDevice(context.Context, string, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	GetOperationByKey(context.Context, string, string) (store.SyncOperation, error)
	BackfillFieldTimestamps(context.Context, string, string) (int64, error)
	Ping(ctx context.Context) error
}

// SessionStore holds refresh sessions. Redis when configured, Postgres
// otherwise. Lookup may return a sparse member carrying only the id.
type SessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.Member, error)
	RevokeRefreshSession(context.Context, string) error
}

type operationProcessor interface {
	Process(ctx context.Context, actor syncengine.Actor, op syncengine.PushOperation) (syncengine.OperationResult, error)
}

type changePuller interface {
	Pull(ctx context.Context, orgID string, req syncengine.PullRequest) (syncengine.PullResponse, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  SessionStore
	processor operationProcessor
	puller    changePuller
	search    *search.Service
	events    *events.Publisher
}

// syncStoreAdapter lifts the concrete transaction type into the engine's
// storage interface.
type syncStoreAdapter struct {
	store *store.PostgresStore
}

func (a syncStoreAdapter) InTx(ctx context.Context, fn func(tx syncengine.Tx) error) error {
	return a.store.InTx(ctx, func(tx *store.SyncTx) error {
		return fn(tx)
	})
}

func (a syncStoreAdapter) GetOperationByKey(ctx context.Context, orgID, idempotencyKey string) (store.SyncOperation, error) {
	return a.store.GetOperationByKey(ctx, orgID, idempotencyKey)
}

// New wires the service together. sessions may be the Postgres store
// itself when Redis is not configured; searchSvc and publisher may be
// nil and the corresponding side channels are skipped.
func New(cfg config.Config, pg *store.PostgresStore, sessions SessionStore, searchSvc *search.Service, publisher *events.Publisher) *Service {
	registry := syncengine.DefaultRegistry()
	adapter := syncStoreAdapter{store: pg}
	return &Service{
		cfg:       cfg,
		store:     pg,
		sessions:  sessions,
		processor: syncengine.NewProcessor(registry, adapter),
		puller:    syncengine.NewPuller(registry, pg, cfg.DefaultPullLimit, cfg.MaxPullLimit),
		search:    searchSvc,
		events:    publisher,
	}
}

// Bootstrap seeds a default organization and admin member on first run
// so the API is usable before any provisioning tooling exists.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountOrganizations(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	org := store.Organization{
		ID:   util.NewID("org"),
		Name: "Driftline",
		Slug: "driftline",
	}
	if err := s.store.InsertOrganization(ctx, org); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("driftline-admin"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	admin := store.Member{
		ID:             util.NewID("mem"),
		OrganizationID: org.ID,
		DisplayName:    "Admin",
		Email:          "admin@driftline.local",
		PasswordHash:   string(hash),
		Role:           "admin",
	}
	if err := s.store.InsertMember(ctx, admin); err != nil {
		return err
	}

	log.Printf("bootstrap: seeded organization %s with admin@driftline.local", org.ID)
	return nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	member, err := s.store.GetMemberByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(member.PasswordHash), []byte(password)); err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, member, "")
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	// The session may carry only the member id; re-resolve so role and
	// organization changes take effect on rotation.
	member, err := s.store.GetMemberByID(ctx, found.ID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, member, "")
}

func (s *Service) issueSession(ctx context.Context, member store.Member, deviceID string) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:    member.ID,
		Name:   member.DisplayName,
		Org:    member.OrganizationID,
		Role:   member.Role,
		Device: deviceID,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), member.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		MemberID:     member.ID,
		MemberName:   member.DisplayName,
		OrgID:        member.OrganizationID,
		Role:         member.Role,
		DeviceID:     deviceID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	member, err := s.store.GetMemberByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:      token,
		MemberID:   member.ID,
		MemberName: member.DisplayName,
		OrgID:      member.OrganizationID,
		Role:       member.Role,
		DeviceID:   claims.Device,
		JTI:        claims.JTI,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// RegisterDevice records a device for the member and reissues the
// access token bound to it. Push operations are attributed to that
// device from then on.
func (s *Service) RegisterDevice(ctx context.Context, session Session, name, platform string) (map[string]any, error) {
	deviceName := strings.TrimSpace(name)
	if deviceName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	device := store.Device{
		ID:             util.NewID("dev"),
		OrganizationID: session.OrgID,
		MemberID:       session.MemberID,
		Name:           deviceName,
		Platform:       strings.TrimSpace(platform),
	}
	if err := s.store.UpsertDevice(ctx, device); err != nil {
		return nil, err
	}

	member, err := s.store.GetMemberByID(ctx, session.MemberID)
	if err != nil {
		return nil, err
	}
	bound, err := s.issueSession(ctx, member, device.ID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"device_id":     device.ID,
		"access_token":  bound.Token,
		"refresh_token": bound.RefreshToken,
		"expires_at":    bound.ExpiresAt.Unix(),
	}, nil
}

// Push applies a batch of operations in submission order and returns
// one result per operation. An infrastructure error aborts the batch
// and fails the whole request; operations already applied stay applied,
// and the client's retry replays them as duplicates.
func (s *Service) Push(ctx context.Context, session Session, ops []syncengine.PushOperation) (map[string]any, error) {
	if len(ops) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "operations must not be empty", nil)
	}
	if len(ops) > s.cfg.MaxPushBatch {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"batch exceeds maximum size", map[string]any{"max_batch_size": s.cfg.MaxPushBatch})
	}
	if session.DeviceID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "DEVICE_NOT_REGISTERED", "push requires a registered device", nil)
	}
	for i, op := range ops {
		if strings.TrimSpace(op.IdempotencyKey) == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"idempotency_key is required", map[string]any{"index": i})
		}
	}

	actor := syncengine.Actor{
		OrgID:    session.OrgID,
		MemberID: session.MemberID,
		DeviceID: session.DeviceID,
	}

	results := make([]syncengine.OperationResult, 0, len(ops))
	for _, op := range ops {
		result, err := s.processor.Process(ctx, actor, op)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
		s.afterOperation(ctx, session, op, result)
	}

	_ = s.store.TouchDevice(ctx, session.OrgID, session.DeviceID)

	return map[string]any{
		"results":     results,
		"server_time": time.Now().UTC(),
	}, nil
}

// afterOperation feeds the side channels: a change event for connected
// clients and the audit row into the search index. Both are best effort.
func (s *Service) afterOperation(ctx context.Context, session Session, op syncengine.PushOperation, result syncengine.OperationResult) {
	if result.Status == syncengine.StatusDuplicate {
		return
	}

	if s.events != nil && result.ServerVersion > 0 && result.Status != syncengine.StatusRejected {
		event := events.ChangeEvent{
			OrganizationID: session.OrgID,
			EntityType:     op.EntityType,
			EntityID:       op.EntityID,
			Intent:         op.Intent,
			ServerVersion:  result.ServerVersion,
			OccurredAt:     result.ServerTimestamp,
		}
		if err := s.events.EntitySynced(ctx, event); err != nil {
			log.Printf("events: publish %s/%s: %v", op.EntityType, op.EntityID, err)
		}
	}

	if s.search != nil {
		rec, err := s.store.GetOperationByKey(ctx, session.OrgID, op.IdempotencyKey)
		if err != nil {
			log.Printf("search: load operation %s: %v", op.IdempotencyKey, err)
			return
		}
		s.search.IndexOperation(rec)
	}
}

func (s *Service) Pull(ctx context.Context, session Session, req syncengine.PullRequest) (syncengine.PullResponse, error) {
	resp, err := s.puller.Pull(ctx, session.OrgID, req)
	if err != nil {
		return syncengine.PullResponse{}, err
	}
	return resp, nil
}

// SearchOperations looks an operation up in the audit log.
func (s *Service) SearchOperations(ctx context.Context, session Session, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.OperationRecord{}}, nil
	}
	q.OrgID = session.OrgID
	return s.search.Search(ctx, q), nil
}

// BackfillFieldTimestamps stamps every payload field of rows that
// predate per-field tracking with the row's updated_at. Admin only;
// run once per entity type after enabling field-level resolution.
func (s *Service) BackfillFieldTimestamps(ctx context.Context, session Session, entityType string) (map[string]any, error) {
	if session.Role != "admin" {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	if strings.TrimSpace(entityType) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "entity_type is required", nil)
	}
	updated, err := s.store.BackfillFieldTimestamps(ctx, session.OrgID, entityType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"updated": updated, "entity_type": entityType}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
