package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Searcher with case-insensitive substring matching in
// PostgreSQL. It is the fallback when Meilisearch is absent or unhealthy.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

func (p *PgSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	countSQL, dataSQL, args, ok := buildPgQuery(q)
	if !ok {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgsearch count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgsearch query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID, &r.WorkspaceID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgsearch scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// buildPgQuery returns the count and page queries. ok is false when there is
// nothing to search for.
func buildPgQuery(q Query) (countSQL, dataSQL string, args []any, ok bool) {
	text := strings.TrimSpace(q.Text)
	if text == "" || q.WorkspaceID == "" {
		return "", "", nil, false
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	args = []any{q.WorkspaceID, escapeLike(text)}
	var subQueries []string
	if q.Type == "" || q.Type == ResultProject {
		subQueries = append(subQueries, `
			SELECT 'project'::text AS type, p.id, p.name AS title, ''::text AS snippet,
				p.id AS project_id, p.workspace_id, ''::text AS status, p.created_at
			FROM projects p
			WHERE p.workspace_id = $1 AND p.name ILIKE '%' || $2 || '%'`)
	}
	if q.Type == "" || q.Type == ResultTask {
		subQueries = append(subQueries, `
			SELECT 'task'::text AS type, t.id, t.name AS title, t.description AS snippet,
				t.project_id, t.workspace_id, t.status, t.created_at
			FROM tasks t
			WHERE t.workspace_id = $1 AND (t.name ILIKE '%' || $2 || '%' OR t.description ILIKE '%' || $2 || '%')`)
	}
	if len(subQueries) == 0 {
		return "", "", nil, false
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL = fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL = fmt.Sprintf(`SELECT type, id, title, snippet, project_id, workspace_id, status
		FROM (%s) sub
		ORDER BY created_at DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)
	return countSQL, dataSQL, args, true
}

func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]ProjectRecord, []TaskRecord, error) {
	projectRows, err := p.db.QueryContext(ctx, `SELECT id, name, workspace_id FROM projects`)
	if err != nil {
		return nil, nil, fmt.Errorf("load projects: %w", err)
	}
	defer projectRows.Close()

	projects := make([]ProjectRecord, 0)
	for projectRows.Next() {
		var r ProjectRecord
		if err := projectRows.Scan(&r.ID, &r.Name, &r.WorkspaceID); err != nil {
			return nil, nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, r)
	}
	if err := projectRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate projects: %w", err)
	}

	taskRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, status, project_id, workspace_id
		FROM tasks
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()

	tasks := make([]TaskRecord, 0)
	for taskRows.Next() {
		var r TaskRecord
		if err := taskRows.Scan(&r.ID, &r.Name, &r.Description, &r.Status, &r.ProjectID, &r.WorkspaceID); err != nil {
			return nil, nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, r)
	}
	if err := taskRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}

	return projects, tasks, nil
}
