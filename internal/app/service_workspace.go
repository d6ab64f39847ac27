package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"taskflow/api/internal/blob"
	"taskflow/api/internal/log"
	"taskflow/api/internal/rbac"
	"taskflow/api/internal/store"
	"taskflow/api/internal/util"
)

const (
	minNameLength = 3
	maxNameLength = 32

	// inviteCodeAttempts bounds the retries on an invite code collision.
	inviteCodeAttempts = 3
)

// Icon is an uploaded image as received from the client.
type Icon struct {
	Data     []byte
	FileName string
}

func validateName(field, value string) (string, error) {
	name := strings.TrimSpace(value)
	n := utf8.RuneCountInString(name)
	if n < minNameLength || n > maxNameLength {
		return "", errValidation(
			fmt.Sprintf("%s must be between %d and %d characters", field, minNameLength, maxNameLength),
			map[string]any{"field": field},
		)
	}
	return name, nil
}

// validateIcon rejects a bad icon before anything is authorized or uploaded.
func (s *Service) validateIcon(icon *Icon) error {
	if icon == nil {
		return nil
	}
	if s.icons == nil {
		return errValidation("image uploads are not available", map[string]any{"field": "image"})
	}
	if _, err := blob.Validate(icon.Data); err != nil {
		return errValidation(err.Error(), map[string]any{"field": "image"})
	}
	return nil
}

func (s *Service) uploadIcon(ctx context.Context, icon *Icon, fallbackName string, folder blob.Folder) (*store.Image, error) {
	if icon == nil {
		return nil, nil
	}
	fileName := icon.FileName
	if fileName == "" {
		fileName = fallbackName
	}
	obj, err := s.icons.Upload(ctx, icon.Data, fileName, folder)
	if err != nil {
		return nil, fmt.Errorf("upload icon: %w", err)
	}
	return &store.Image{URL: obj.URL, ID: obj.ExternalID}, nil
}

// CreateWorkspace creates a workspace with a fresh invite code and makes the
// caller its ADMIN in the same transaction.
func (s *Service) CreateWorkspace(ctx context.Context, session Session, name string, icon *Icon) (store.Workspace, store.Membership, error) {
	name, err := validateName("name", name)
	if err != nil {
		return store.Workspace{}, store.Membership{}, err
	}
	if err := s.validateIcon(icon); err != nil {
		return store.Workspace{}, store.Membership{}, err
	}
	image, err := s.uploadIcon(ctx, icon, name, blob.WorkspaceIcon)
	if err != nil {
		return store.Workspace{}, store.Membership{}, err
	}

	workspace := store.Workspace{
		ID:          util.NewID("wsp"),
		Name:        name,
		OwnerUserID: session.UserID,
	}
	if image != nil {
		workspace.ImageURL, workspace.ImageID = image.URL, image.ID
	}
	admin := store.Membership{
		ID:          util.NewID("mem"),
		UserID:      session.UserID,
		WorkspaceID: workspace.ID,
		Role:        string(rbac.RoleAdmin),
	}

	for attempt := 1; ; attempt++ {
		code, err := util.NewInviteCode(s.cfg.InviteCodeLength)
		if err != nil {
			return store.Workspace{}, store.Membership{}, err
		}
		workspace.InviteCode = code

		err = s.store.WithTx(ctx, func(q store.Queries) error {
			if err := q.CreateWorkspace(ctx, workspace); err != nil {
				return err
			}
			return q.CreateMembership(ctx, admin)
		})
		if errors.Is(err, store.ErrInviteCodeTaken) && attempt < inviteCodeAttempts {
			log.WithUser(session.UserID, workspace.ID).Warn("invite code collision, retrying")
			continue
		}
		if err != nil {
			return store.Workspace{}, store.Membership{}, err
		}
		break
	}

	created, err := s.store.GetWorkspace(ctx, workspace.ID)
	if err != nil {
		return store.Workspace{}, store.Membership{}, err
	}
	membership, err := s.store.GetMembership(ctx, admin.ID)
	if err != nil {
		return store.Workspace{}, store.Membership{}, err
	}
	log.WithUser(session.UserID, created.ID).Info("workspace created")
	return created, membership, nil
}

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]store.Workspace, error) {
	return s.store.ListWorkspacesByUser(ctx, session.UserID)
}

// GetWorkspace returns the workspace together with the caller's membership.
func (s *Service) GetWorkspace(ctx context.Context, session Session, workspaceID string) (store.Workspace, store.Membership, error) {
	var workspace store.Workspace
	var membership store.Membership
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		m, err := requireMember(ctx, q, session, workspaceID, rbac.ActionReadWorkspace)
		if err != nil {
			return err
		}
		membership = *m
		workspace, err = q.GetWorkspace(ctx, workspaceID)
		return err
	})
	return workspace, membership, err
}

// CheckMembership reports the caller's membership in a workspace, or nil.
func (s *Service) CheckMembership(ctx context.Context, session Session, workspaceID string) (*store.Membership, error) {
	membership, err := s.store.FindMembership(ctx, session.UserID, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

// authorizeWorkspace locks the workspace and checks a workspace-level action
// for the caller. It must run inside a transaction.
func authorizeWorkspace(ctx context.Context, q store.Queries, session Session, workspaceID string, action rbac.Action) (store.Workspace, error) {
	workspace, err := lockWorkspace(ctx, q, workspaceID)
	if err != nil {
		return store.Workspace{}, err
	}
	actor, _, err := actorIn(ctx, q, session.UserID, workspaceID)
	if err != nil {
		return store.Workspace{}, err
	}
	if err := authorize(rbac.Request{Actor: actor, Action: action, OwnerUserID: workspace.OwnerUserID}); err != nil {
		return store.Workspace{}, err
	}
	return workspace, nil
}

// UpdateWorkspace renames and/or re-brands a workspace. Only the fields
// given are changed.
func (s *Service) UpdateWorkspace(ctx context.Context, session Session, workspaceID string, name *string, icon *Icon) (store.Workspace, error) {
	update := store.WorkspaceUpdate{}
	if name != nil {
		valid, err := validateName("name", *name)
		if err != nil {
			return store.Workspace{}, err
		}
		update.Name = &valid
	}
	if err := s.validateIcon(icon); err != nil {
		return store.Workspace{}, err
	}

	if icon != nil {
		// Authorize before uploading; the write below checks again.
		err := s.store.WithTx(ctx, func(q store.Queries) error {
			_, err := authorizeWorkspace(ctx, q, session, workspaceID, rbac.ActionUpdateWorkspace)
			return err
		})
		if err != nil {
			return store.Workspace{}, err
		}
		fallback := "update-icon"
		if update.Name != nil {
			fallback = *update.Name
		}
		update.Image, err = s.uploadIcon(ctx, icon, fallback, blob.WorkspaceIcon)
		if err != nil {
			return store.Workspace{}, err
		}
	}

	var updated store.Workspace
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := authorizeWorkspace(ctx, q, session, workspaceID, rbac.ActionUpdateWorkspace); err != nil {
			return err
		}
		var err error
		updated, err = q.UpdateWorkspace(ctx, workspaceID, update)
		return err
	})
	return updated, err
}

// RotateInviteCode replaces the invite code; the previous code stops working
// as soon as the transaction commits.
func (s *Service) RotateInviteCode(ctx context.Context, session Session, workspaceID string) (store.Workspace, error) {
	var updated store.Workspace
	for attempt := 1; ; attempt++ {
		code, err := util.NewInviteCode(s.cfg.InviteCodeLength)
		if err != nil {
			return store.Workspace{}, err
		}
		err = s.store.WithTx(ctx, func(q store.Queries) error {
			if _, err := authorizeWorkspace(ctx, q, session, workspaceID, rbac.ActionRotateInviteCode); err != nil {
				return err
			}
			var err error
			updated, err = q.SetInviteCode(ctx, workspaceID, code)
			return err
		})
		if errors.Is(err, store.ErrInviteCodeTaken) && attempt < inviteCodeAttempts {
			continue
		}
		if err != nil {
			return store.Workspace{}, err
		}
		log.WithUser(session.UserID, workspaceID).Info("invite code rotated")
		return updated, nil
	}
}

// JoinWorkspace admits the caller as a USER when code matches the current
// invite code.
func (s *Service) JoinWorkspace(ctx context.Context, session Session, workspaceID, code string) (store.Membership, error) {
	if strings.TrimSpace(code) == "" {
		return store.Membership{}, errValidation("code is required", map[string]any{"field": "code"})
	}

	var membership store.Membership
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := q.FindMembership(ctx, session.UserID, workspaceID); err == nil {
			return errAlreadyMember
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		workspace, err := q.LockWorkspace(ctx, workspaceID)
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound("workspace")
		}
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(code), []byte(workspace.InviteCode)) != 1 {
			return errInvalidCode
		}

		joined := store.Membership{
			ID:          util.NewID("mem"),
			UserID:      session.UserID,
			WorkspaceID: workspaceID,
			Role:        string(rbac.RoleUser),
		}
		if err := q.CreateMembership(ctx, joined); err != nil {
			if errors.Is(err, store.ErrAlreadyMember) {
				return errAlreadyMember
			}
			return err
		}
		membership, err = q.GetMembership(ctx, joined.ID)
		return err
	})
	if err != nil {
		return store.Membership{}, err
	}
	log.WithUser(session.UserID, workspaceID).Info("joined workspace")
	return membership, nil
}

// DeleteWorkspace removes the workspace with all memberships, projects and
// tasks. Only the owner may do this.
func (s *Service) DeleteWorkspace(ctx context.Context, session Session, workspaceID string) error {
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := authorizeWorkspace(ctx, q, session, workspaceID, rbac.ActionDeleteWorkspace); err != nil {
			return err
		}
		return q.DeleteWorkspace(ctx, workspaceID)
	})
	if err != nil {
		return err
	}
	log.WithUser(session.UserID, workspaceID).Info("workspace deleted")
	return nil
}
