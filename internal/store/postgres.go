package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Queries is the set of persistence operations shared by the pooled store and
// by a store bound to one transaction.
type Queries interface {
	CreateUser(ctx context.Context, user User) error
	GetUserByID(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)

	CreateWorkspace(ctx context.Context, workspace Workspace) error
	GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error)
	LockWorkspace(ctx context.Context, workspaceID string) (Workspace, error)
	ListWorkspacesByUser(ctx context.Context, userID string) ([]Workspace, error)
	UpdateWorkspace(ctx context.Context, workspaceID string, update WorkspaceUpdate) (Workspace, error)
	SetInviteCode(ctx context.Context, workspaceID, code string) (Workspace, error)
	DeleteWorkspace(ctx context.Context, workspaceID string) error

	FindMembership(ctx context.Context, userID, workspaceID string) (Membership, error)
	GetMembership(ctx context.Context, membershipID string) (Membership, error)
	ListMembers(ctx context.Context, workspaceID string) ([]Member, error)
	CountMembers(ctx context.Context, workspaceID string) (int, error)
	CountAdmins(ctx context.Context, workspaceID string) (int, error)
	CreateMembership(ctx context.Context, membership Membership) error
	UpdateMembershipRole(ctx context.Context, membershipID, role string) (Membership, error)
	DeleteMembership(ctx context.Context, membershipID string) error

	CreateProject(ctx context.Context, project Project) error
	GetProject(ctx context.Context, projectID string) (Project, error)
	ListProjects(ctx context.Context, workspaceID string) ([]Project, error)
	UpdateProject(ctx context.Context, projectID string, update ProjectUpdate) (Project, error)

	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	MaxTaskPosition(ctx context.Context, workspaceID, status string) (int, bool, error)
	SearchTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	CountTasks(ctx context.Context, filter TaskFilter) (int, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]Task, error)
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

type PostgresStore struct {
	*queries
	pool *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{queries: &queries{db: db}, pool: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.pool
}

// WithTx runs fn inside one transaction. The transaction commits only when fn
// returns nil.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&queries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.PingContext(ctx)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =============================================================================
// Users
// =============================================================================

var ErrEmailTaken = errors.New("email already registered")

func (q *queries) CreateUser(ctx context.Context, user User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.Name, user.Email, user.PasswordHash)
	if isUniqueViolation(err, "users_email_key") {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (q *queries) GetUserByID(ctx context.Context, userID string) (User, error) {
	return q.getUser(ctx, `WHERE id=$1`, userID)
}

func (q *queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return q.getUser(ctx, `WHERE email=LOWER($1)`, email)
}

func (q *queries) getUser(ctx context.Context, where string, arg string) (User, error) {
	var user User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, created_at, updated_at
		FROM users `+where, arg).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

// =============================================================================
// Workspaces
// =============================================================================

const workspaceColumns = `id, name, image_url, image_id, invite_code, owner_user_id, created_at, updated_at`

func scanWorkspace(row interface{ Scan(...any) error }) (Workspace, error) {
	var item Workspace
	err := row.Scan(
		&item.ID,
		&item.Name,
		&item.ImageURL,
		&item.ImageID,
		&item.InviteCode,
		&item.OwnerUserID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (q *queries) CreateWorkspace(ctx context.Context, workspace Workspace) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, image_url, image_id, invite_code, owner_user_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, workspace.ID, workspace.Name, workspace.ImageURL, workspace.ImageID, workspace.InviteCode, workspace.OwnerUserID)
	if isUniqueViolation(err, "workspaces_invite_code_key") {
		return ErrInviteCodeTaken
	}
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (q *queries) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	item, err := scanWorkspace(q.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=$1`, workspaceID))
	if err != nil {
		return Workspace{}, notFound(err)
	}
	return item, nil
}

// LockWorkspace reads the workspace row FOR UPDATE. Inside a transaction it
// serializes every membership or lane mutation of that workspace.
func (q *queries) LockWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	item, err := scanWorkspace(q.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=$1 FOR UPDATE`, workspaceID))
	if err != nil {
		return Workspace{}, notFound(err)
	}
	return item, nil
}

func (q *queries) ListWorkspacesByUser(ctx context.Context, userID string) ([]Workspace, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT w.id, w.name, w.image_url, w.image_id, w.invite_code, w.owner_user_id, w.created_at, w.updated_at
		FROM workspaces w
		JOIN memberships m ON m.workspace_id = w.id
		WHERE m.user_id = $1
		ORDER BY w.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		item, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return items, nil
}

func (q *queries) UpdateWorkspace(ctx context.Context, workspaceID string, update WorkspaceUpdate) (Workspace, error) {
	sets, args := partialUpdate(update.Name, update.Image)
	args = append(args, workspaceID)
	item, err := scanWorkspace(q.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE workspaces SET %s
		WHERE id=$%d
		RETURNING %s
	`, sets, len(args), workspaceColumns), args...))
	if err != nil {
		return Workspace{}, notFound(err)
	}
	return item, nil
}

func (q *queries) SetInviteCode(ctx context.Context, workspaceID, code string) (Workspace, error) {
	item, err := scanWorkspace(q.db.QueryRowContext(ctx, `
		UPDATE workspaces SET invite_code=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+workspaceColumns, workspaceID, code))
	if isUniqueViolation(err, "workspaces_invite_code_key") {
		return Workspace{}, ErrInviteCodeTaken
	}
	if err != nil {
		return Workspace{}, notFound(err)
	}
	return item, nil
}

// DeleteWorkspace removes the workspace; memberships, projects and tasks cascade.
func (q *queries) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id=$1`, workspaceID)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// partialUpdate builds the SET clause shared by workspaces and projects.
func partialUpdate(name *string, image *Image) (string, []any) {
	sets := []string{"updated_at=NOW()"}
	var args []any
	if name != nil {
		args = append(args, *name)
		sets = append(sets, fmt.Sprintf("name=$%d", len(args)))
	}
	if image != nil {
		args = append(args, image.URL, image.ID)
		sets = append(sets, fmt.Sprintf("image_url=$%d", len(args)-1), fmt.Sprintf("image_id=$%d", len(args)))
	}
	return strings.Join(sets, ", "), args
}

// =============================================================================
// Memberships
// =============================================================================

var ErrAlreadyMember = errors.New("membership already exists")

const membershipColumns = `id, user_id, workspace_id, role, created_at`

func scanMembership(row interface{ Scan(...any) error }) (Membership, error) {
	var item Membership
	err := row.Scan(&item.ID, &item.UserID, &item.WorkspaceID, &item.Role, &item.CreatedAt)
	return item, err
}

func (q *queries) FindMembership(ctx context.Context, userID, workspaceID string) (Membership, error) {
	item, err := scanMembership(q.db.QueryRowContext(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE user_id=$1 AND workspace_id=$2
	`, userID, workspaceID))
	if err != nil {
		return Membership{}, notFound(err)
	}
	return item, nil
}

func (q *queries) GetMembership(ctx context.Context, membershipID string) (Membership, error) {
	item, err := scanMembership(q.db.QueryRowContext(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE id=$1`, membershipID))
	if err != nil {
		return Membership{}, notFound(err)
	}
	return item, nil
}

func (q *queries) ListMembers(ctx context.Context, workspaceID string) ([]Member, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.workspace_id, m.role, m.created_at, u.name, u.email
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.workspace_id = $1
		ORDER BY m.created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.ID, &item.UserID, &item.WorkspaceID, &item.Role, &item.CreatedAt, &item.UserName, &item.UserEmail); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (q *queries) CountMembers(ctx context.Context, workspaceID string) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE workspace_id=$1`, workspaceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

func (q *queries) CountAdmins(ctx context.Context, workspaceID string) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE workspace_id=$1 AND role='ADMIN'`, workspaceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return count, nil
}

func (q *queries) CreateMembership(ctx context.Context, membership Membership) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO memberships (id, user_id, workspace_id, role)
		VALUES ($1, $2, $3, $4)
	`, membership.ID, membership.UserID, membership.WorkspaceID, membership.Role)
	if isUniqueViolation(err, "memberships_user_id_workspace_id_key") {
		return ErrAlreadyMember
	}
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (q *queries) UpdateMembershipRole(ctx context.Context, membershipID, role string) (Membership, error) {
	item, err := scanMembership(q.db.QueryRowContext(ctx, `
		UPDATE memberships SET role=$2
		WHERE id=$1
		RETURNING `+membershipColumns, membershipID, role))
	if err != nil {
		return Membership{}, notFound(err)
	}
	return item, nil
}

func (q *queries) DeleteMembership(ctx context.Context, membershipID string) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM memberships WHERE id=$1`, membershipID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// Projects
// =============================================================================

const projectColumns = `id, name, image_url, image_id, workspace_id, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var item Project
	err := row.Scan(&item.ID, &item.Name, &item.ImageURL, &item.ImageID, &item.WorkspaceID, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (q *queries) CreateProject(ctx context.Context, project Project) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, image_url, image_id, workspace_id)
		VALUES ($1, $2, $3, $4, $5)
	`, project.ID, project.Name, project.ImageURL, project.ImageID, project.WorkspaceID)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (q *queries) GetProject(ctx context.Context, projectID string) (Project, error) {
	item, err := scanProject(q.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID))
	if err != nil {
		return Project{}, notFound(err)
	}
	return item, nil
}

func (q *queries) ListProjects(ctx context.Context, workspaceID string) ([]Project, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects
		WHERE workspace_id=$1
		ORDER BY created_at DESC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		item, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (q *queries) UpdateProject(ctx context.Context, projectID string, update ProjectUpdate) (Project, error) {
	sets, args := partialUpdate(update.Name, update.Image)
	args = append(args, projectID)
	item, err := scanProject(q.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE projects SET %s
		WHERE id=$%d
		RETURNING %s
	`, sets, len(args), projectColumns), args...))
	if err != nil {
		return Project{}, notFound(err)
	}
	return item, nil
}

// =============================================================================
// Tasks
// =============================================================================

const taskColumns = `id, name, description, status, due_date, position, assignee_id, project_id, workspace_id, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var item Task
	var assignee sql.NullString
	err := row.Scan(
		&item.ID,
		&item.Name,
		&item.Description,
		&item.Status,
		&item.DueDate,
		&item.Position,
		&assignee,
		&item.ProjectID,
		&item.WorkspaceID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	item.AssigneeID = assignee.String
	return item, err
}

func (q *queries) CreateTask(ctx context.Context, task Task) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, description, status, due_date, position, assignee_id, project_id, workspace_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, task.ID, task.Name, task.Description, task.Status, task.DueDate, task.Position, nilIfEmpty(task.AssigneeID), task.ProjectID, task.WorkspaceID)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (q *queries) GetTask(ctx context.Context, taskID string) (Task, error) {
	item, err := scanTask(q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID))
	if err != nil {
		return Task{}, notFound(err)
	}
	return item, nil
}

// MaxTaskPosition returns the largest position in the (workspace, status) lane.
// The boolean is false when the lane is empty.
func (q *queries) MaxTaskPosition(ctx context.Context, workspaceID, status string) (int, bool, error) {
	var position sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT MAX(position) FROM tasks WHERE workspace_id=$1 AND status=$2
	`, workspaceID, status).Scan(&position)
	if err != nil {
		return 0, false, fmt.Errorf("max task position: %w", err)
	}
	return int(position.Int64), position.Valid, nil
}

func (q *queries) SearchTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	where, args := taskWhere(filter)
	column, ok := TaskSortColumns[filter.SortBy]
	if !ok {
		column = "position"
	}
	direction := "ASC"
	if strings.EqualFold(filter.SortOrder, "desc") {
		direction = "DESC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	args = append(args, limit, max(filter.Offset, 0))

	query := fmt.Sprintf(`
		SELECT %s
		FROM tasks
		WHERE %s
		ORDER BY %s %s, id ASC
		LIMIT $%d OFFSET $%d
	`, taskColumns, where, column, direction, len(args)-1, len(args))
	return q.listTasks(ctx, query, args...)
}

func (q *queries) CountTasks(ctx context.Context, filter TaskFilter) (int, error) {
	where, args := taskWhere(filter)
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

func (q *queries) ListTasksByProject(ctx context.Context, projectID string) ([]Task, error) {
	return q.listTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE project_id=$1
		ORDER BY status ASC, position ASC
	`, projectID)
}

func (q *queries) listTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func taskWhere(filter TaskFilter) (string, []any) {
	clauses := []string{"workspace_id = $1"}
	args := []any{filter.WorkspaceID}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ProjectID != "" {
		add("project_id = $%d", filter.ProjectID)
	}
	if filter.AssigneeID != "" {
		add("assignee_id = $%d", filter.AssigneeID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.DueDate != nil {
		add("(due_date AT TIME ZONE 'UTC')::date = $%d::date", filter.DueDate.UTC().Format(time.DateOnly))
	}
	if filter.SearchTerm != "" {
		add("name ILIKE '%%' || $%d || '%%'", escapeLike(filter.SearchTerm))
	}
	return strings.Join(clauses, " AND "), args
}

// escapeLike escapes LIKE wildcards so the term matches literally.
func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

// =============================================================================
// Sessions (fallback when Redis is not configured)
// =============================================================================

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.pool.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.pool.QueryRowContext(ctx, `
		SELECT user_id
		FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", notFound(err)
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.pool.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.pool.ExecContext(ctx, `
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
	err := s.pool.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}
