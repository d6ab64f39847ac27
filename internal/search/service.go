package search

import (
	"context"

	"taskflow/api/internal/log"
)

// Service is the facade that tries Meilisearch first and falls back to Postgres.
type Service struct {
	meili    *Meili
	fallback Searcher
	loader   recordLoader
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]ProjectRecord, []TaskRecord, error)
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pg *PgSearch) *Service {
	s := &Service{meili: meili}
	if pg != nil {
		s.fallback = pg
		s.loader = pg
	}
	return s
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	empty := Response{Results: []Result{}, Total: 0, Query: q.Text}
	if q.WorkspaceID == "" {
		return empty
	}

	if s.meiliReady() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Log.WithError(err).Warn("search: meilisearch error, falling back to postgres")
	}

	if s.fallback == nil {
		return empty
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Log.WithError(err).Error("search: postgres error")
		return empty
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexProject indexes a project (fire-and-forget to Meilisearch).
func (s *Service) IndexProject(p ProjectRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexProjects([]ProjectRecord{p}); err != nil {
			log.Log.WithError(err).WithField("projectId", p.ID).Warn("search: index project")
		}
	}()
}

// IndexTask indexes a task (fire-and-forget to Meilisearch).
func (s *Service) IndexTask(t TaskRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexTasks([]TaskRecord{t}); err != nil {
			log.Log.WithError(err).WithField("taskId", t.ID).Warn("search: index task")
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.loader == nil {
		return
	}
	projects, tasks, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		log.Log.WithError(err).Error("search: reindex load failed")
		return
	}
	if err := s.meili.IndexProjects(projects); err != nil {
		log.Log.WithError(err).Error("search: reindex projects")
	}
	if err := s.meili.IndexTasks(tasks); err != nil {
		log.Log.WithError(err).Error("search: reindex tasks")
	}
	log.Log.WithField("projects", len(projects)).WithField("tasks", len(tasks)).Info("search: reindexed from postgres")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
