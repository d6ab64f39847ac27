package app

import (
	"context"
	"errors"
	"strings"

	"taskflow/api/internal/blob"
	"taskflow/api/internal/rbac"
	"taskflow/api/internal/search"
	"taskflow/api/internal/store"
	"taskflow/api/internal/util"
)

func requireWorkspaceID(workspaceID string) error {
	if strings.TrimSpace(workspaceID) == "" {
		return errValidation("workspaceId is required", map[string]any{"field": "workspaceId"})
	}
	return nil
}

// projectIn loads a project and hides projects of other workspaces.
func projectIn(ctx context.Context, q store.Queries, workspaceID, projectID string) (store.Project, error) {
	project, err := q.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && project.WorkspaceID != workspaceID) {
		return store.Project{}, errNotFound("project")
	}
	return project, err
}

func (s *Service) indexProject(project store.Project) {
	if s.search == nil {
		return
	}
	s.search.IndexProject(search.ProjectRecord{
		ID:          project.ID,
		Name:        project.Name,
		WorkspaceID: project.WorkspaceID,
	})
}

func (s *Service) CreateProject(ctx context.Context, session Session, workspaceID, name string, icon *Icon) (store.Project, error) {
	if err := requireWorkspaceID(workspaceID); err != nil {
		return store.Project{}, err
	}
	name, err := validateName("name", name)
	if err != nil {
		return store.Project{}, err
	}
	if err := s.validateIcon(icon); err != nil {
		return store.Project{}, err
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		WorkspaceID: workspaceID,
	}
	if icon != nil {
		err := s.store.WithTx(ctx, func(q store.Queries) error {
			_, err := requireMember(ctx, q, session, workspaceID, rbac.ActionCreateProject)
			return err
		})
		if err != nil {
			return store.Project{}, err
		}
		image, err := s.uploadIcon(ctx, icon, name, blob.ProjectIcon)
		if err != nil {
			return store.Project{}, err
		}
		project.ImageURL, project.ImageID = image.URL, image.ID
	}

	var created store.Project
	err = s.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := requireMember(ctx, q, session, workspaceID, rbac.ActionCreateProject); err != nil {
			return err
		}
		if err := q.CreateProject(ctx, project); err != nil {
			return err
		}
		var err error
		created, err = q.GetProject(ctx, project.ID)
		return err
	})
	if err != nil {
		return store.Project{}, err
	}
	s.indexProject(created)
	return created, nil
}

// ListProjects returns the workspace's projects, newest first.
func (s *Service) ListProjects(ctx context.Context, session Session, workspaceID string) ([]store.Project, error) {
	if err := requireWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	var projects []store.Project
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := requireMember(ctx, q, session, workspaceID, rbac.ActionReadProject); err != nil {
			return err
		}
		var err error
		projects, err = q.ListProjects(ctx, workspaceID)
		return err
	})
	return projects, err
}

func (s *Service) GetProject(ctx context.Context, session Session, workspaceID, projectID string) (store.Project, error) {
	if err := requireWorkspaceID(workspaceID); err != nil {
		return store.Project{}, err
	}
	var project store.Project
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := requireMember(ctx, q, session, workspaceID, rbac.ActionReadProject); err != nil {
			return err
		}
		var err error
		project, err = projectIn(ctx, q, workspaceID, projectID)
		return err
	})
	return project, err
}

// UpdateProject renames and/or re-brands a project. Membership and role are
// checked before the project is looked up.
func (s *Service) UpdateProject(ctx context.Context, session Session, workspaceID, projectID string, name *string, icon *Icon) (store.Project, error) {
	if err := requireWorkspaceID(workspaceID); err != nil {
		return store.Project{}, err
	}
	update := store.ProjectUpdate{}
	if name != nil {
		valid, err := validateName("name", *name)
		if err != nil {
			return store.Project{}, err
		}
		update.Name = &valid
	}
	if err := s.validateIcon(icon); err != nil {
		return store.Project{}, err
	}

	authorizeUpdate := func(q store.Queries) error {
		if _, err := requireMember(ctx, q, session, workspaceID, rbac.ActionUpdateProject); err != nil {
			return err
		}
		_, err := projectIn(ctx, q, workspaceID, projectID)
		return err
	}

	if icon != nil {
		if err := s.store.WithTx(ctx, authorizeUpdate); err != nil {
			return store.Project{}, err
		}
		fallback := "update-icon"
		if update.Name != nil {
			fallback = *update.Name
		}
		image, err := s.uploadIcon(ctx, icon, fallback, blob.ProjectIcon)
		if err != nil {
			return store.Project{}, err
		}
		update.Image = image
	}

	var updated store.Project
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if err := authorizeUpdate(q); err != nil {
			return err
		}
		var err error
		updated, err = q.UpdateProject(ctx, projectID, update)
		return err
	})
	if err != nil {
		return store.Project{}, err
	}
	s.indexProject(updated)
	return updated, nil
}

// ListProjectTasks returns a project together with all of its tasks.
func (s *Service) ListProjectTasks(ctx context.Context, session Session, workspaceID, projectID string) (store.Project, []store.Task, error) {
	if err := requireWorkspaceID(workspaceID); err != nil {
		return store.Project{}, nil, err
	}
	var project store.Project
	var tasks []store.Task
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := requireMember(ctx, q, session, workspaceID, rbac.ActionListTasks); err != nil {
			return err
		}
		var err error
		if project, err = projectIn(ctx, q, workspaceID, projectID); err != nil {
			return err
		}
		tasks, err = q.ListTasksByProject(ctx, projectID)
		return err
	})
	return project, tasks, err
}
