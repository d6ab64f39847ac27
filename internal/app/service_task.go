package app

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"taskflow/api/internal/log"
	"taskflow/api/internal/rbac"
	"taskflow/api/internal/search"
	"taskflow/api/internal/store"
	"taskflow/api/internal/util"
)

// positionStep is the gap between consecutive task positions in a lane.
const positionStep = 1000

var taskStatuses = map[string]struct{}{
	"BACKLOG":     {},
	"TODO":        {},
	"IN_PROGRESS": {},
	"IN_REVIEW":   {},
	"DONE":        {},
}

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

type CreateTaskInput struct {
	Name        string
	Description string
	Status      string
	DueDate     time.Time
	AssigneeID  string
	ProjectID   string
	WorkspaceID string
}

func (in *CreateTaskInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Status = strings.ToUpper(strings.TrimSpace(in.Status))

	var missing []string
	for _, f := range []struct{ field, value string }{
		{"workspaceId", in.WorkspaceID},
		{"projectId", in.ProjectID},
		{"assigneeId", in.AssigneeID},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.field)
		}
	}
	if len(missing) > 0 {
		return errValidation("missing required fields", map[string]any{"fields": missing})
	}
	if utf8.RuneCountInString(in.Name) < minNameLength {
		return errValidation("name must be at least 3 characters", map[string]any{"field": "name"})
	}
	if _, ok := taskStatuses[in.Status]; !ok {
		return errValidation("status is invalid", map[string]any{"field": "status"})
	}
	if in.DueDate.IsZero() {
		return errValidation("dueDate is required", map[string]any{"field": "dueDate"})
	}
	return nil
}

// nextPosition appends to a lane: one step past the current maximum, or one
// step from zero when the lane is empty.
func nextPosition(top int, ok bool) int {
	if !ok {
		return positionStep
	}
	return top + positionStep
}

// CreateTask adds a task at the end of its (workspace, status) lane. The
// workspace lock serializes concurrent creations in the same lane.
func (s *Service) CreateTask(ctx context.Context, session Session, in CreateTaskInput) (store.Task, error) {
	if err := in.validate(); err != nil {
		return store.Task{}, err
	}

	var created store.Task
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := lockWorkspace(ctx, q, in.WorkspaceID); err != nil {
			return err
		}
		if _, err := requireMember(ctx, q, session, in.WorkspaceID, rbac.ActionCreateTask); err != nil {
			return err
		}
		if _, err := projectIn(ctx, q, in.WorkspaceID, in.ProjectID); err != nil {
			return err
		}
		assignee, err := q.GetMembership(ctx, in.AssigneeID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && assignee.WorkspaceID != in.WorkspaceID) {
			return errNotFound("assignee")
		}
		if err != nil {
			return err
		}

		top, ok, err := q.MaxTaskPosition(ctx, in.WorkspaceID, in.Status)
		if err != nil {
			return err
		}
		task := store.Task{
			ID:          util.NewID("tsk"),
			Name:        in.Name,
			Description: strings.TrimSpace(in.Description),
			Status:      in.Status,
			DueDate:     in.DueDate.UTC(),
			Position:    nextPosition(top, ok),
			AssigneeID:  assignee.ID,
			ProjectID:   in.ProjectID,
			WorkspaceID: in.WorkspaceID,
		}
		if err := q.CreateTask(ctx, task); err != nil {
			return err
		}
		created, err = q.GetTask(ctx, task.ID)
		return err
	})
	if err != nil {
		return store.Task{}, err
	}

	if s.search != nil {
		s.search.IndexTask(search.TaskRecord{
			ID:          created.ID,
			Name:        created.Name,
			Description: created.Description,
			Status:      created.Status,
			ProjectID:   created.ProjectID,
			WorkspaceID: created.WorkspaceID,
		})
	}
	log.WithUser(session.UserID, in.WorkspaceID).WithField("taskId", created.ID).Debug("task created")
	return created, nil
}

// TaskQuery is a task search request. Zero values select the defaults.
type TaskQuery struct {
	WorkspaceID string
	ProjectID   string
	AssigneeID  string
	Status      string
	DueDate     *time.Time
	SearchTerm  string
	Page        int
	Limit       int
	SortBy      string
	SortOrder   string
}

func (in *TaskQuery) normalize() error {
	if err := requireWorkspaceID(in.WorkspaceID); err != nil {
		return err
	}
	if in.Page == 0 {
		in.Page = 1
	}
	if in.Page < 1 {
		return errValidation("page must be at least 1", map[string]any{"field": "page"})
	}
	if in.Limit == 0 {
		in.Limit = defaultPageLimit
	}
	if in.Limit < 1 || in.Limit > maxPageLimit {
		return errValidation("limit must be between 1 and 100", map[string]any{"field": "limit"})
	}
	// Offsets past int32 overflow and are rejected by Postgres anyway.
	if in.Page-1 > math.MaxInt32/in.Limit {
		return errValidation("page is out of range", map[string]any{"field": "page"})
	}
	if in.SortBy == "" {
		in.SortBy = "position"
	}
	if _, ok := store.TaskSortColumns[in.SortBy]; !ok {
		return errValidation("sortBy is invalid", map[string]any{"field": "sortBy", "allowed": []string{"createdAt", "position", "dueDate", "status", "name"}})
	}
	in.SortOrder = strings.ToLower(in.SortOrder)
	if in.SortOrder == "" {
		in.SortOrder = "asc"
	}
	if in.SortOrder != "asc" && in.SortOrder != "desc" {
		return errValidation("sortOrder must be asc or desc", map[string]any{"field": "sortOrder"})
	}
	if in.Status != "" {
		in.Status = strings.ToUpper(in.Status)
		if _, ok := taskStatuses[in.Status]; !ok {
			return errValidation("status is invalid", map[string]any{"field": "status"})
		}
	}
	in.SearchTerm = strings.TrimSpace(in.SearchTerm)
	return nil
}

type Pagination struct {
	CurrentPage  int  `json:"currentPage"`
	TotalPages   int  `json:"totalPages"`
	TotalItems   int  `json:"totalItems"`
	ItemsPerPage int  `json:"itemsPerPage"`
	HasNextPage  bool `json:"hasNextPage"`
	HasPrevPage  bool `json:"hasPrevPage"`
}

func paginate(page, limit, total int) Pagination {
	totalPages := (total + limit - 1) / limit
	return Pagination{
		CurrentPage:  page,
		TotalPages:   totalPages,
		TotalItems:   total,
		ItemsPerPage: limit,
		HasNextPage:  page < totalPages,
		HasPrevPage:  page > 1,
	}
}

type TaskPage struct {
	Tasks      []store.Task
	Pagination Pagination
	Query      TaskQuery
}

// SearchTasks filters, sorts and pages the tasks of one workspace. The page
// and the total are read in the same transaction.
func (s *Service) SearchTasks(ctx context.Context, session Session, query TaskQuery) (TaskPage, error) {
	if err := query.normalize(); err != nil {
		return TaskPage{}, err
	}
	filter := store.TaskFilter{
		WorkspaceID: query.WorkspaceID,
		ProjectID:   query.ProjectID,
		AssigneeID:  query.AssigneeID,
		Status:      query.Status,
		DueDate:     query.DueDate,
		SearchTerm:  query.SearchTerm,
		SortBy:      query.SortBy,
		SortOrder:   query.SortOrder,
		Limit:       query.Limit,
		Offset:      (query.Page - 1) * query.Limit,
	}

	var tasks []store.Task
	var total int
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := requireMember(ctx, q, session, query.WorkspaceID, rbac.ActionListTasks); err != nil {
			return err
		}
		var err error
		if tasks, err = q.SearchTasks(ctx, filter); err != nil {
			return err
		}
		total, err = q.CountTasks(ctx, filter)
		return err
	})
	if err != nil {
		return TaskPage{}, err
	}
	return TaskPage{
		Tasks:      tasks,
		Pagination: paginate(query.Page, query.Limit, total),
		Query:      query,
	}, nil
}

// Search runs a full-text search over the projects and tasks of one workspace.
func (s *Service) Search(ctx context.Context, session Session, query search.Query) (search.Response, error) {
	if err := requireWorkspaceID(query.WorkspaceID); err != nil {
		return search.Response{}, err
	}
	if _, err := requireMember(ctx, s.store, session, query.WorkspaceID, rbac.ActionSearch); err != nil {
		return search.Response{}, err
	}
	if s.search == nil || strings.TrimSpace(query.Text) == "" {
		return search.Response{Results: []search.Result{}, Query: query.Text}, nil
	}
	return s.search.Search(ctx, query), nil
}
