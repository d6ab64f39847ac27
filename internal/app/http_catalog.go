package app

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"taskflow/api/internal/search"
	"taskflow/api/internal/store"
)

func (s *HTTPServer) handleProjects(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	query := r.URL.Query()
	workspaceID := strings.TrimSpace(query.Get("workspaceId"))

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			projects, err := s.service.ListProjects(r.Context(), session, workspaceID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			items := make([]map[string]any, 0, len(projects))
			for _, p := range projects {
				items = append(items, projectView(p))
			}
			writeJSON(w, http.StatusOK, map[string]any{"projects": items})
		case http.MethodPost:
			form, err := readIconForm(w, r)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			name := ""
			if form.Name != nil {
				name = *form.Name
			}
			project, err := s.service.CreateProject(r.Context(), session, form.WorkspaceID, name, form.Icon)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"project": projectView(project)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	projectID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			project, err := s.service.GetProject(r.Context(), session, workspaceID, projectID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"project": projectView(project)})
		case http.MethodPatch:
			form, err := readIconForm(w, r)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			if form.WorkspaceID != "" {
				workspaceID = form.WorkspaceID
			}
			project, err := s.service.UpdateProject(r.Context(), session, workspaceID, projectID, form.Name, form.Icon)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"project": projectView(project)})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 2 && parts[1] == "tasks" && r.Method == http.MethodGet {
		project, tasks, err := s.service.ListProjectTasks(r.Context(), session, workspaceID, projectID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(tasks))
		for _, t := range tasks {
			items = append(items, taskView(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tasks": items,
			"project": map[string]any{
				"id":          project.ID,
				"name":        project.Name,
				"workspaceId": project.WorkspaceID,
			},
			"total": len(items),
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Status      string `json:"status"`
			DueDate     string `json:"dueDate"`
			AssigneeID  string `json:"assigneeId"`
			ProjectID   string `json:"projectId"`
			WorkspaceID string `json:"workspaceId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		var due time.Time
		if body.DueDate != "" {
			parsed, err := parseDate(body.DueDate)
			if err != nil {
				s.fail(w, r, errValidation("dueDate must be a date", map[string]any{"field": "dueDate"}))
				return
			}
			due = parsed
		}
		task, err := s.service.CreateTask(r.Context(), session, CreateTaskInput{
			Name:        body.Name,
			Description: body.Description,
			Status:      body.Status,
			DueDate:     due,
			AssigneeID:  body.AssigneeID,
			ProjectID:   body.ProjectID,
			WorkspaceID: body.WorkspaceID,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"task": taskView(task)})
	case http.MethodGet:
		query, err := taskQueryFrom(r.URL.Query())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		page, err := s.service.SearchTasks(r.Context(), session, query)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		items := make([]map[string]any, 0, len(page.Tasks))
		for _, t := range page.Tasks {
			items = append(items, taskView(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"tasks":          items,
			"pagination":     page.Pagination,
			"appliedFilters": appliedFiltersView(page.Query),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func taskQueryFrom(values url.Values) (TaskQuery, error) {
	query := TaskQuery{
		WorkspaceID: strings.TrimSpace(values.Get("workspaceId")),
		ProjectID:   strings.TrimSpace(values.Get("projectId")),
		AssigneeID:  strings.TrimSpace(values.Get("assigneeId")),
		Status:      strings.TrimSpace(values.Get("status")),
		SearchTerm:  values.Get("search"),
		SortBy:      strings.TrimSpace(values.Get("sortBy")),
		SortOrder:   strings.TrimSpace(values.Get("sortOrder")),
	}
	var err error
	if query.Page, err = positiveParam(values, "page"); err != nil {
		return TaskQuery{}, err
	}
	if query.Limit, err = positiveParam(values, "limit"); err != nil {
		return TaskQuery{}, err
	}
	if raw := strings.TrimSpace(values.Get("dueDate")); raw != "" {
		due, err := parseDate(raw)
		if err != nil {
			return TaskQuery{}, errValidation("dueDate must be a date", map[string]any{"field": "dueDate"})
		}
		query.DueDate = &due
	}
	return query, nil
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	values := r.URL.Query()
	resultType, ok := search.ParseType(strings.TrimSpace(values.Get("type")))
	if !ok {
		s.fail(w, r, errValidation("type must be project or task", map[string]any{"field": "type"}))
		return
	}
	limit, err := positiveParam(values, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if limit == 0 {
		limit = 20
	}
	offset, err := intParam(values, "offset")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	payload, err := s.service.Search(r.Context(), session, search.Query{
		Text:        strings.TrimSpace(values.Get("q")),
		Type:        resultType,
		WorkspaceID: strings.TrimSpace(values.Get("workspaceId")),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func intParam(values url.Values, name string) (int, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, errValidation(name+" must be a non-negative integer", map[string]any{"field": name})
	}
	return parsed, nil
}

// positiveParam is intParam for parameters where an explicit 0 is meaningless.
// An absent parameter still reads as 0 so callers can apply their default.
func positiveParam(values url.Values, name string) (int, error) {
	parsed, err := intParam(values, name)
	if err != nil {
		return 0, err
	}
	if parsed == 0 && strings.TrimSpace(values.Get(name)) != "" {
		return 0, errValidation(name+" must be a positive integer", map[string]any{"field": name})
	}
	return parsed, nil
}

// parseDate accepts a calendar day or a full RFC 3339 timestamp.
func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func projectView(p store.Project) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"imageUrl":    nullable(p.ImageURL),
		"imageId":     nullable(p.ImageID),
		"workspaceId": p.WorkspaceID,
		"createdAt":   p.CreatedAt,
		"updatedAt":   p.UpdatedAt,
	}
}

func taskView(t store.Task) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"name":        t.Name,
		"description": t.Description,
		"status":      t.Status,
		"dueDate":     t.DueDate,
		"position":    t.Position,
		"assigneeId":  nullable(t.AssigneeID),
		"projectId":   t.ProjectID,
		"workspaceId": t.WorkspaceID,
		"createdAt":   t.CreatedAt,
		"updatedAt":   t.UpdatedAt,
	}
}

func appliedFiltersView(q TaskQuery) map[string]any {
	var due any
	if q.DueDate != nil {
		due = q.DueDate.Format("2006-01-02")
	}
	return map[string]any{
		"workspaceId": q.WorkspaceID,
		"projectId":   nullable(q.ProjectID),
		"assigneeId":  nullable(q.AssigneeID),
		"status":      nullable(q.Status),
		"searchTerm":  nullable(q.SearchTerm),
		"date":        due,
		"sortBy":      q.SortBy,
		"sortOrder":   q.SortOrder,
		"page":        q.Page,
		"limit":       q.Limit,
	}
}
