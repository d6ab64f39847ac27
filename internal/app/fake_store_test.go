package app

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"taskflow/api/internal/authpw"
	"taskflow/api/internal/blob"
	"taskflow/api/internal/config"
	"taskflow/api/internal/store"
)

// memStore is an in-memory store. Transactions are serialized and rolled
// back by restoring a snapshot, which is enough to observe the same
// interleavings a row lock allows.
type memStore struct {
	txMu sync.Mutex

	mu          sync.Mutex
	clock       time.Time
	users       map[string]store.User
	workspaces  map[string]store.Workspace
	memberships map[string]store.Membership
	projects    map[string]store.Project
	tasks       map[string]store.Task
	refresh     map[string]string
	revoked     map[string]bool

	pingFn        func(context.Context) error
	countAdminsFn func(context.Context, string) (int, error)
}

func newMemStore() *memStore {
	return &memStore{
		clock:       time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		users:       map[string]store.User{},
		workspaces:  map[string]store.Workspace{},
		memberships: map[string]store.Membership{},
		projects:    map[string]store.Project{},
		tasks:       map[string]store.Task{},
		refresh:     map[string]string{},
		revoked:     map[string]bool{},
	}
}

type memSnapshot struct {
	users       map[string]store.User
	workspaces  map[string]store.Workspace
	memberships map[string]store.Membership
	projects    map[string]store.Project
	tasks       map[string]store.Task
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memStore) WithTx(ctx context.Context, fn func(store.Queries) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snap := memSnapshot{
		users:       cloneMap(m.users),
		workspaces:  cloneMap(m.workspaces),
		memberships: cloneMap(m.memberships),
		projects:    cloneMap(m.projects),
		tasks:       cloneMap(m.tasks),
	}
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.users, m.workspaces, m.memberships = snap.users, snap.workspaces, snap.memberships
		m.projects, m.tasks = snap.projects, snap.tasks
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) Ping(ctx context.Context) error {
	if m.pingFn != nil {
		return m.pingFn(ctx)
	}
	return nil
}

// tick returns a strictly increasing timestamp so ordering by creation
// time is deterministic.
func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

// Users

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return store.ErrEmailTaken
		}
	}
	user.CreatedAt = m.tick()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

// Workspaces

func (m *memStore) inviteCodeTaken(code, exceptID string) bool {
	for _, ws := range m.workspaces {
		if ws.InviteCode == code && ws.ID != exceptID {
			return true
		}
	}
	return false
}

func (m *memStore) CreateWorkspace(_ context.Context, workspace store.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inviteCodeTaken(workspace.InviteCode, "") {
		return store.ErrInviteCodeTaken
	}
	workspace.CreatedAt = m.tick()
	workspace.UpdatedAt = workspace.CreatedAt
	m.workspaces[workspace.ID] = workspace
	return nil
}

func (m *memStore) GetWorkspace(_ context.Context, workspaceID string) (store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, store.ErrNotFound
	}
	return ws, nil
}

// LockWorkspace is a plain read; WithTx already serializes transactions.
func (m *memStore) LockWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error) {
	return m.GetWorkspace(ctx, workspaceID)
}

func (m *memStore) ListWorkspacesByUser(_ context.Context, userID string) ([]store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Workspace
	for _, mem := range m.memberships {
		if mem.UserID == userID {
			out = append(out, m.workspaces[mem.WorkspaceID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) UpdateWorkspace(_ context.Context, workspaceID string, update store.WorkspaceUpdate) (store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, store.ErrNotFound
	}
	if update.Name != nil {
		ws.Name = *update.Name
	}
	if update.Image != nil {
		ws.ImageURL, ws.ImageID = update.Image.URL, update.Image.ID
	}
	ws.UpdatedAt = m.tick()
	m.workspaces[workspaceID] = ws
	return ws, nil
}

func (m *memStore) SetInviteCode(_ context.Context, workspaceID, code string) (store.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, store.ErrNotFound
	}
	if m.inviteCodeTaken(code, workspaceID) {
		return store.Workspace{}, store.ErrInviteCodeTaken
	}
	ws.InviteCode = code
	ws.UpdatedAt = m.tick()
	m.workspaces[workspaceID] = ws
	return ws, nil
}

func (m *memStore) DeleteWorkspace(_ context.Context, workspaceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[workspaceID]; !ok {
		return store.ErrNotFound
	}
	delete(m.workspaces, workspaceID)
	for id, mem := range m.memberships {
		if mem.WorkspaceID == workspaceID {
			delete(m.memberships, id)
		}
	}
	for id, p := range m.projects {
		if p.WorkspaceID == workspaceID {
			delete(m.projects, id)
		}
	}
	for id, t := range m.tasks {
		if t.WorkspaceID == workspaceID {
			delete(m.tasks, id)
		}
	}
	return nil
}

// Memberships

func (m *memStore) FindMembership(_ context.Context, userID, workspaceID string) (store.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.memberships {
		if mem.UserID == userID && mem.WorkspaceID == workspaceID {
			return mem, nil
		}
	}
	return store.Membership{}, store.ErrNotFound
}

func (m *memStore) GetMembership(_ context.Context, membershipID string) (store.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[membershipID]
	if !ok {
		return store.Membership{}, store.ErrNotFound
	}
	return mem, nil
}

func (m *memStore) ListMembers(_ context.Context, workspaceID string) ([]store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Member
	for _, mem := range m.memberships {
		if mem.WorkspaceID == workspaceID {
			u := m.users[mem.UserID]
			out = append(out, store.Member{Membership: mem, UserName: u.Name, UserEmail: u.Email})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) CountMembers(_ context.Context, workspaceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mem := range m.memberships {
		if mem.WorkspaceID == workspaceID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountAdmins(ctx context.Context, workspaceID string) (int, error) {
	if m.countAdminsFn != nil {
		return m.countAdminsFn(ctx, workspaceID)
	}
	return m.countAdmins(workspaceID), nil
}

func (m *memStore) countAdmins(workspaceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mem := range m.memberships {
		if mem.WorkspaceID == workspaceID && mem.Role == "ADMIN" {
			n++
		}
	}
	return n
}

func (m *memStore) CreateMembership(_ context.Context, membership store.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mem := range m.memberships {
		if mem.UserID == membership.UserID && mem.WorkspaceID == membership.WorkspaceID {
			return store.ErrAlreadyMember
		}
	}
	membership.CreatedAt = m.tick()
	m.memberships[membership.ID] = membership
	return nil
}

func (m *memStore) UpdateMembershipRole(_ context.Context, membershipID, role string) (store.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[membershipID]
	if !ok {
		return store.Membership{}, store.ErrNotFound
	}
	mem.Role = role
	m.memberships[membershipID] = mem
	return mem, nil
}

func (m *memStore) DeleteMembership(_ context.Context, membershipID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memberships[membershipID]; !ok {
		return store.ErrNotFound
	}
	delete(m.memberships, membershipID)
	for id, t := range m.tasks {
		if t.AssigneeID == membershipID {
			t.AssigneeID = ""
			m.tasks[id] = t
		}
	}
	return nil
}

// Projects

func (m *memStore) CreateProject(_ context.Context, project store.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	project.CreatedAt = m.tick()
	project.UpdatedAt = project.CreatedAt
	m.projects[project.ID] = project
	return nil
}

func (m *memStore) GetProject(_ context.Context, projectID string) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memStore) ListProjects(_ context.Context, workspaceID string) ([]store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Project
	for _, p := range m.projects {
		if p.WorkspaceID == workspaceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) UpdateProject(_ context.Context, projectID string, update store.ProjectUpdate) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.Image != nil {
		p.ImageURL, p.ImageID = update.Image.URL, update.Image.ID
	}
	p.UpdatedAt = m.tick()
	m.projects[projectID] = p
	return p, nil
}

// Tasks

func (m *memStore) CreateTask(_ context.Context, task store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.CreatedAt = m.tick()
	task.UpdatedAt = task.CreatedAt
	m.tasks[task.ID] = task
	return nil
}

func (m *memStore) GetTask(_ context.Context, taskID string) (store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return store.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (m *memStore) MaxTaskPosition(_ context.Context, workspaceID, status string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	top, found := 0, false
	for _, t := range m.tasks {
		if t.WorkspaceID == workspaceID && t.Status == status && (!found || t.Position > top) {
			top, found = t.Position, true
		}
	}
	return top, found, nil
}

func (m *memStore) filterTasks(filter store.TaskFilter) []store.Task {
	var out []store.Task
	for _, t := range m.tasks {
		switch {
		case t.WorkspaceID != filter.WorkspaceID:
			continue
		case filter.ProjectID != "" && t.ProjectID != filter.ProjectID:
			continue
		case filter.AssigneeID != "" && t.AssigneeID != filter.AssigneeID:
			continue
		case filter.Status != "" && t.Status != filter.Status:
			continue
		case filter.SearchTerm != "" && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(filter.SearchTerm)):
			continue
		case filter.DueDate != nil && t.DueDate.UTC().Format("2006-01-02") != filter.DueDate.UTC().Format("2006-01-02"):
			continue
		}
		out = append(out, t)
	}
	return out
}

func taskLess(a, b store.Task, sortBy string) (less, equal bool) {
	switch sortBy {
	case "createdAt":
		return a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
	case "dueDate":
		return a.DueDate.Before(b.DueDate), a.DueDate.Equal(b.DueDate)
	case "status":
		return a.Status < b.Status, a.Status == b.Status
	case "name":
		return a.Name < b.Name, a.Name == b.Name
	default:
		return a.Position < b.Position, a.Position == b.Position
	}
}

func (m *memStore) SearchTasks(_ context.Context, filter store.TaskFilter) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.filterTasks(filter)
	sort.Slice(out, func(i, j int) bool {
		less, equal := taskLess(out[i], out[j], filter.SortBy)
		if equal {
			return out[i].ID < out[j].ID
		}
		if filter.SortOrder == "desc" {
			return !less
		}
		return less
	})
	if filter.Offset >= len(out) {
		return []store.Task{}, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) CountTasks(_ context.Context, filter store.TaskFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filterTasks(filter)), nil
}

func (m *memStore) ListTasksByProject(_ context.Context, projectID string) ([]store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

// Sessions

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = userID
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.refresh[tokenHash]
	if !ok {
		return "", store.ErrNotFound
	}
	return userID, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

// fakeIcons records uploads instead of talking to object storage.
type fakeIcons struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (f *fakeIcons) Upload(_ context.Context, data []byte, fileName string, folder blob.Folder) (blob.Object, error) {
	if f.err != nil {
		return blob.Object{}, f.err
	}
	if _, err := blob.Validate(data); err != nil {
		return blob.Object{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := blob.ObjectKey(folder, fileName, ".png")
	f.uploads = append(f.uploads, key)
	return blob.Object{URL: "https://cdn.example.test/" + key, ExternalID: key}, nil
}

func newTestService(mem *memStore) *Service {
	cfg := config.Config{
		JWTSecret:        "test-secret",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       time.Hour,
		BcryptCost:       bcrypt.MinCost,
		InviteCodeLength: 16,
	}
	return &Service{
		cfg:       cfg,
		store:     mem,
		sessions:  mem,
		passwords: authpw.NewService(mem, cfg.BcryptCost),
	}
}

// signUp registers a user named name and returns their session.
func signUp(t *testing.T, svc *Service, name string) Session {
	t.Helper()
	session, err := svc.SignUp(context.Background(), name, strings.ToLower(name)+"@example.test", "correct-horse")
	if err != nil {
		t.Fatalf("sign up %s: %v", name, err)
	}
	return session
}

func assertKind(t *testing.T, err error, want Kind) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected %s DomainError, got %v", want, err)
	}
	if domainErr.Kind != want {
		t.Fatalf("expected kind %s, got %s (%s)", want, domainErr.Kind, domainErr.Message)
	}
	return domainErr
}
