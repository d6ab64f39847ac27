package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskflow/api/internal/auth"
	"taskflow/api/internal/authpw"
	"taskflow/api/internal/blob"
	"taskflow/api/internal/config"
	"taskflow/api/internal/log"
	"taskflow/api/internal/rbac"
	"taskflow/api/internal/search"
	"taskflow/api/internal/store"
	"taskflow/api/internal/util"
)

// Session is the authenticated identity behind a request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	UserEmail    string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	store.Queries
	WithTx(ctx context.Context, fn func(store.Queries) error) error
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type iconStore interface {
	Upload(ctx context.Context, data []byte, fileName string, folder blob.Folder) (blob.Object, error)
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexProject(p search.ProjectRecord)
	IndexTask(t search.TaskRecord)
}

// Dependencies are the optional collaborators of Service.
type Dependencies struct {
	// Sessions defaults to the Postgres store when nil.
	Sessions sessionStore
	// Icons disables icon uploads when nil.
	Icons *blob.Uploader
	// Search disables search when nil.
	Search *search.Service
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	icons     iconStore
	search    searchIndex
}

func New(cfg config.Config, pg *store.PostgresStore, deps Dependencies) *Service {
	s := &Service{
		cfg:       cfg,
		store:     pg,
		sessions:  deps.Sessions,
		passwords: authpw.NewService(pg, cfg.BcryptCost),
	}
	if s.sessions == nil {
		s.sessions = pg
	}
	if deps.Icons != nil {
		s.icons = deps.Icons
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// =============================================================================
// Identity gate
// =============================================================================

func (s *Service) SignUp(ctx context.Context, name, email, password string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{Name: name, Email: email, Password: password})
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return Session{}, domainError(KindInvariantViolation, "EMAIL_EXISTS", "email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidInput), errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrInvalidEmail):
		return Session{}, errValidation(err.Error(), nil)
	case err != nil:
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(KindUnauthorized, "INVALID_CREDENTIALS", "invalid email or password", nil)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, errUnauthorized("refresh token invalid")
	}
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, errUnauthorized("refresh token invalid")
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, errUnauthorized("refresh token invalid")
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Name, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		UserEmail:    user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken resolves a bearer token. Invalid, expired and revoked
// tokens yield auth.ErrInvalidToken or auth.ErrExpiredToken.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		UserEmail: user.Email,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.WithUser(session.UserID, "").WithError(err).Warn("logout: revoke access token")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.WithUser(session.UserID, "").WithError(err).Warn("logout: revoke refresh token")
		}
	}
	return nil
}

// =============================================================================
// Authorization
// =============================================================================

// actorIn returns the caller's membership in workspaceID as a policy actor,
// or nil when there is none.
func actorIn(ctx context.Context, q store.Queries, userID, workspaceID string) (*rbac.Actor, *store.Membership, error) {
	membership, err := q.FindMembership(ctx, userID, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("find membership: %w", err)
	}
	return &rbac.Actor{
		MembershipID: membership.ID,
		UserID:       membership.UserID,
		Role:         rbac.Role(membership.Role),
	}, &membership, nil
}

// authorize evaluates req and returns a DomainError for any denial.
func authorize(req rbac.Request) error {
	if decision := rbac.Authorize(req); !decision.Allowed {
		return denial(decision)
	}
	return nil
}

// requireMember gathers the caller's membership and authorizes a
// member-level action that needs no further facts.
func requireMember(ctx context.Context, q store.Queries, session Session, workspaceID string, action rbac.Action) (*store.Membership, error) {
	actor, membership, err := actorIn(ctx, q, session.UserID, workspaceID)
	if err != nil {
		return nil, err
	}
	if err := authorize(rbac.Request{Actor: actor, Action: action}); err != nil {
		return nil, err
	}
	return membership, nil
}

// lockWorkspace locks the workspace row for the rest of the transaction. A
// missing workspace is reported like a missing membership so non-members
// cannot probe for ids.
func lockWorkspace(ctx context.Context, q store.Queries, workspaceID string) (store.Workspace, error) {
	workspace, err := q.LockWorkspace(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Workspace{}, errNotMember
	}
	return workspace, err
}
