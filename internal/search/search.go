package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProject ResultType = "project"
	ResultTask    ResultType = "task"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	ProjectID   string     `json:"projectId"`
	WorkspaceID string     `json:"workspaceId"`
	Status      string     `json:"status,omitempty"`
}

// Query describes a search request. WorkspaceID is mandatory; results never
// cross workspaces.
type Query struct {
	Text        string
	Type        ResultType // empty = all types
	WorkspaceID string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ProjectRecord is the data we index for a project.
type ProjectRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	WorkspaceID string `json:"workspaceId"`
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	ProjectID   string `json:"projectId"`
	WorkspaceID string `json:"workspaceId"`
}

func ParseType(value string) (ResultType, bool) {
	switch ResultType(value) {
	case "":
		return "", true
	case ResultProject, ResultTask:
		return ResultType(value), true
	}
	return "", false
}
