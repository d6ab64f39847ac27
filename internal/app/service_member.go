package app

import (
	"context"
	"errors"

	"taskflow/api/internal/log"
	"taskflow/api/internal/rbac"
	"taskflow/api/internal/store"
)

func (s *Service) ListMembers(ctx context.Context, session Session, workspaceID string) ([]store.Member, error) {
	var members []store.Member
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		if _, err := requireMember(ctx, q, session, workspaceID, rbac.ActionListMembers); err != nil {
			return err
		}
		var err error
		members, err = q.ListMembers(ctx, workspaceID)
		return err
	})
	return members, err
}

// memberFacts gathers, under the workspace lock, everything the policy needs
// to judge an action on another membership.
func memberFacts(ctx context.Context, q store.Queries, session Session, workspaceID, membershipID string, action rbac.Action) (rbac.Request, store.Membership, error) {
	if _, err := lockWorkspace(ctx, q, workspaceID); err != nil {
		return rbac.Request{}, store.Membership{}, err
	}
	actor, _, err := actorIn(ctx, q, session.UserID, workspaceID)
	if err != nil {
		return rbac.Request{}, store.Membership{}, err
	}
	// Refuse non-admins before the target lookup so they cannot tell
	// missing memberships from existing ones.
	if decision := rbac.Gate(rbac.Request{Actor: actor, Action: action, TargetMembershipID: membershipID}); !decision.Allowed {
		return rbac.Request{}, store.Membership{}, denial(decision)
	}

	target, err := q.GetMembership(ctx, membershipID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && target.WorkspaceID != workspaceID) {
		return rbac.Request{}, store.Membership{}, errNotFound("member")
	}
	if err != nil {
		return rbac.Request{}, store.Membership{}, err
	}

	members, err := q.CountMembers(ctx, workspaceID)
	if err != nil {
		return rbac.Request{}, store.Membership{}, err
	}
	admins, err := q.CountAdmins(ctx, workspaceID)
	if err != nil {
		return rbac.Request{}, store.Membership{}, err
	}

	return rbac.Request{
		Actor:              actor,
		Action:             action,
		TargetMembershipID: target.ID,
		TargetRole:         rbac.Role(target.Role),
		MemberCount:        members,
		AdminCount:         admins,
	}, target, nil
}

// RemoveMember deletes a membership. Members may always leave; removing
// someone else needs ADMIN. The last member and the last admin stay.
func (s *Service) RemoveMember(ctx context.Context, session Session, workspaceID, membershipID string) error {
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		req, target, err := memberFacts(ctx, q, session, workspaceID, membershipID, rbac.ActionRemoveMember)
		if err != nil {
			return err
		}
		if err := authorize(req); err != nil {
			return err
		}
		return q.DeleteMembership(ctx, target.ID)
	})
	if err != nil {
		return err
	}
	log.WithUser(session.UserID, workspaceID).WithField("membershipId", membershipID).Info("member removed")
	return nil
}

func (s *Service) ChangeMemberRole(ctx context.Context, session Session, workspaceID, membershipID, role string) (store.Membership, error) {
	newRole, ok := rbac.Normalize(role)
	if !ok {
		return store.Membership{}, errValidation("role must be ADMIN or USER", map[string]any{"field": "role"})
	}

	var updated store.Membership
	err := s.store.WithTx(ctx, func(q store.Queries) error {
		req, target, err := memberFacts(ctx, q, session, workspaceID, membershipID, rbac.ActionChangeRole)
		if err != nil {
			return err
		}
		req.NewRole = newRole
		if err := authorize(req); err != nil {
			return err
		}
		if target.Role == string(newRole) {
			updated = target
			return nil
		}
		updated, err = q.UpdateMembershipRole(ctx, target.ID, string(newRole))
		return err
	})
	if err != nil {
		return store.Membership{}, err
	}
	log.WithUser(session.UserID, workspaceID).WithField("membershipId", membershipID).WithField("role", newRole).Info("member role changed")
	return updated, nil
}
