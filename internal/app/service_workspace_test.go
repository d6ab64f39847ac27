package app

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"taskflow/api/internal/util"
)

var pngIcon = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

func TestCreateWorkspaceAdmitsCreatorAsAdmin(t *testing.T) {
	mem := newMemStore()
	svc := newTestService(mem)
	ctx := context.Background()
	alice := signUp(t, svc, "Alice")

	workspace, admin, err := svc.CreateWorkspace(ctx, alice, "  Eng  ", nil)
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	if workspace.Name != "Eng" {
		t.Fatalf("expected trimmed name Eng, got %q", workspace.Name)
	}
	if workspace.OwnerUserID != alice.UserID {
		t.Fatalf("expected owner %s, got %s", alice.UserID, workspace.OwnerUserID)
	}
	if len(workspace.InviteCode) != 16 {
		t.Fatalf("expected 16-symbol invite code, got %q", workspace.InviteCode)
	}
	for _, r := range workspace.InviteCode {
		if !strings.ContainsRune(util.InviteAlphabet, r) {
			t.Fatalf("invite code symbol %q outside alphabet", r)
		}
	}
	if admin.Role != "ADMIN" || admin.UserID != alice.UserID || admin.WorkspaceID != workspace.ID {
		t.Fatalf("unexpected creator membership: %+v", admin)
	}
	if admin.CreatedAt.IsZero() {
		t.Fatalf("expected the stored creation time on the creator membership")
	}
	if n, _ := mem.CountMembers(ctx, workspace.ID); n != 1 {
		t.Fatalf("expected 1 member, got %d", n)
	}

	listed, err := svc.ListWorkspaces(ctx, alice)
	if err != nil {
		t.Fatalf("list workspaces: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != workspace.ID {
		t.Fatalf("expected the new workspace to be listed, got %+v", listed)
	}
}

func TestCreateWorkspaceValidatesName(t *testing.T) {
	svc := newTestService(newMemStore())
	alice := signUp(t, svc, "Alice")

	for _, name := range []string{"", "ab", "   ab  ", strings.Repeat("x", 33)} {
		_, _, err := svc.CreateWorkspace(context.Background(), alice, name, nil)
		assertKind(t, err, KindValidation)
	}
	if _, _, err := svc.CreateWorkspace(context.Background(), alice, strings.Repeat("é", 32), nil); err != nil {
		t.Fatalf("32 runes should be accepted: %v", err)
	}
}

func TestRenameScenario(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()
	alice := signUp(t, svc, "Alice")
	bob := signUp(t, svc, "Bob")

	workspace, _, err := svc.CreateWorkspace(ctx, alice, "Eng", nil)
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	joined, err := svc.JoinWorkspace(ctx, bob, workspace.ID, workspace.InviteCode)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.Role != "USER" {
		t.Fatalf("expected joiner role USER, got %s", joined.Role)
	}

	newName := "Engineering"
	_, err = svc.UpdateWorkspace(ctx, bob, workspace.ID, &newName, nil)
	assertKind(t, err, KindForbidden)

	updated, err := svc.UpdateWorkspace(ctx, alice, workspace.ID, &newName, nil)
	if err != nil {
		t.Fatalf("rename as admin: %v", err)
	}
	if updated.Name != "Engineering" {
		t.Fatalf("expected name Engineering, got %q", updated.Name)
	}
	if updated.InviteCode != workspace.InviteCode {
		t.Fatalf("rename must not touch the invite code")
	}
}

func TestUpdateWorkspaceNonMemberIsUnauthorized(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()
	alice := signUp(t, svc, "Alice")
	mallory := signUp(t, svc, "Mallory")
	workspace, _, _ := svc.CreateWorkspace(ctx, alice, "Eng", nil)

	name := "Owned"
	_, err := svc.UpdateWorkspace(ctx, mallory, workspace.ID, &name, nil)
	assertKind(t, err, KindUnauthorized)

	_, err = svc.UpdateWorkspace(ctx, mallory, "wsp_missing", &name, nil)
	assertKind(t, err, KindUnauthorized)
}

func TestUpdateWorkspaceIcon(t *testing.T) {
	mem := newMemStore()
	svc := newTestService(mem)
	icons := &fakeIcons{}
	svc.icons = icons
	ctx := context.Background()
	alice := signUp(t, svc, "Alice")
	bob := signUp(t, svc, "Bob")
	workspace, _, _ := svc.CreateWorkspace(ctx, alice, "Eng", nil)
	if _, err := svc.JoinWorkspace(ctx, bob, workspace.ID, workspace.InviteCode); err != nil {
		t.Fatalf("join: %v", err)
	}

	t.Run("non-admin upload is refused before storing", func(t *testing.T) {
		_, err := svc.UpdateWorkspace(ctx, bob, workspace.ID, nil, &Icon{Data: pngIcon, FileName: "logo.png"})
		assertKind(t, err, KindForbidden)
		if len(icons.uploads) != 0 {
			t.Fatalf("expected no uploads, got %v", icons.uploads)
		}
	})

	t.Run("oversized icon is a validation error", func(t *testing.T) {
		big := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 1<<20)...)
		_, err := svc.UpdateWorkspace(ctx, alice, workspace.ID, nil, &Icon{Data: big})
		assertKind(t, err, KindValidation)
	})

	t.Run("non-image is a validation error", func(t *testing.T) {
		_, err := svc.UpdateWorkspace(ctx, alice, workspace.ID, nil, &Icon{Data: []byte("plain text")})
		assertKind(t, err, KindValidation)
	})

	t.Run("admin replaces url and id together", func(t *testing.T) {
		updated, err := svc.UpdateWorkspace(ctx, alice, workspace.ID, nil, &Icon{Data: pngIcon, FileName: "logo.png"})
		if err != nil {
			t.Fatalf("update icon: %v", err)
		}
		if updated.Name != "Eng" {
			t.Fatalf("icon-only update changed the name to %q", updated.Name)
		}
		if !strings.HasPrefix(updated.ImageID, "workspace-icon/") || !strings.HasSuffix(updated.ImageURL, updated.ImageID) {
			t.Fatalf("unexpected image fields url=%q id=%q", updated.ImageURL, updated.ImageID)
		}
	})
}

func TestIconWithoutBlobStorageIsRejected(t *testing.T) {
	svc := newTestService(newMemStore())
	alice := signUp(t, svc, "Alice")

	_, _, err := svc.CreateWorkspace(context.Background(), alice, "Eng", &Icon{Data: pngIcon})
	assertKind(t, err, KindValidation)
}

func TestJoinWorkspace(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()
	alice := signUp(t, svc, "Alice")
	bob := signUp(t, svc, "Bob")
	workspace, _, _ := svc.CreateWorkspace(ctx, alice, "Eng", nil)

	t.Run("creator is already a member", func(t *testing.T) {
		_, err := svc.JoinWorkspace(ctx, alice, workspace.ID, workspace.InviteCode)
		if de := assertKind(t, err, KindInvariantViolation); de.Code != "ALREADY_MEMBER" {
			t.Fatalf("expected ALREADY_MEMBER, got %s", de.Code)
		}
	})

	t.Run("missing workspace", func(t *testing.T) {
		_, err := svc.JoinWorkspace(ctx, bob, "wsp_missing", workspace.InviteCode)
		assertKind(t, err, KindNotFound)
	})

	t.Run("wrong code", func(t *testing.T) {
		_, err := svc.JoinWorkspace(ctx, bob, workspace.ID, workspace.InviteCode+"x")
		if de := assertKind(t, err, KindInvariantViolation); de.Code != "INVALID_CODE" {
			t.Fatalf("expected INVALID_CODE, got %s", de.Code)
		}
	})

	t.Run("empty code", func(t *testing.T) {
		_, err := svc.JoinWorkspace(ctx, bob, workspace.ID, "")
		assertKind(t, err, KindValidation)
	})

	t.Run("correct code", func(t *testing.T) {
		joined, err := svc.JoinWorkspace(ctx, bob, workspace.ID, workspace.InviteCode)
		if err != nil {
			t.Fatalf("join: %v", err)
		}
		if joined.Role != "USER" || joined.CreatedAt.IsZero() {
			t.Fatalf("unexpected joined membership %+v", joined)
		}
		membership, err := svc.CheckMembership(ctx, bob, workspace.ID)
		if err != nil || membership == nil {
			t.Fatalf("expected membership after join, got %v, %v", membership, err)
		}
	})
}

func TestRotatedInviteCodeInvalidatesOldCode(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()
	alice := signUp(t, svc, "Alice")
	bob := signUp(t, svc, "Bob")
	workspace, _, _ := svc.CreateWorkspace(ctx, alice, "Eng", nil)

	rotated, err := svc.RotateInviteCode(ctx, alice, workspace.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.InviteCode == workspace.InviteCode {
		t.Fatalf("expected a new invite code")
	}

	_, err = svc.JoinWorkspace(ctx, bob, workspace.ID, workspace.InviteCode)
	if de := assertKind(t, err, KindInvariantViolation); de.Code != "INVALID_CODE" {
		t.Fatalf("expected INVALID_CODE for stale code, got %s", de.Code)
	}
	if _, err := svc.JoinWorkspace(ctx, bob, workspace.ID, rotated.InviteCode); err != nil {
		t.Fatalf("join with rotated code: %v", err)
	}

	_, err = svc.RotateInviteCode(ctx, bob, workspace.ID)
	assertKind(t, err, KindForbidden)
}

func TestDeleteWorkspaceIsOwnerOnly(t *testing.T) {
	mem := newMemStore()
	svc := newTestService(mem)
	ctx := context.Background()
	alice := signUp(t, svc, "Alice")
	bob := signUp(t, svc, "Bob")
	workspace, _, _ := svc.CreateWorkspace(ctx, alice, "Eng", nil)
	bobMembership, err := svc.JoinWorkspace(ctx, bob, workspace.ID, workspace.InviteCode)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := svc.ChangeMemberRole(ctx, alice, workspace.ID, bobMembership.ID, "ADMIN"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	project, err := svc.CreateProject(ctx, bob, workspace.ID, "Roadmap", nil)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	// An admin who is not the owner is still refused.
	err = svc.DeleteWorkspace(ctx, bob, workspace.ID)
	assertKind(t, err, KindUnauthorized)

	if err := svc.DeleteWorkspace(ctx, alice, workspace.ID); err != nil {
		t.Fatalf("delete as owner: %v", err)
	}
	if _, err := mem.GetWorkspace(ctx, workspace.ID); err == nil {
		t.Fatalf("workspace still present")
	}
	if _, err := mem.GetProject(ctx, project.ID); err == nil {
		t.Fatalf("project not cascaded")
	}
	if n, _ := mem.CountMembers(ctx, workspace.ID); n != 0 {
		t.Fatalf("memberships not cascaded: %d left", n)
	}
}

func TestGetWorkspaceRequiresMembership(t *testing.T) {
	svc := newTestService(newMemStore())
	ctx := context.Background()
	alice := signUp(t, svc, "Alice")
	bob := signUp(t, svc, "Bob")
	workspace, _, _ := svc.CreateWorkspace(ctx, alice, "Eng", nil)

	got, membership, err := svc.GetWorkspace(ctx, alice, workspace.ID)
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	if got.ID != workspace.ID || membership.Role != "ADMIN" {
		t.Fatalf("unexpected result %+v %+v", got, membership)
	}

	_, _, err = svc.GetWorkspace(ctx, bob, workspace.ID)
	assertKind(t, err, KindUnauthorized)

	membershipOfBob, err := svc.CheckMembership(ctx, bob, workspace.ID)
	if err != nil || membershipOfBob != nil {
		t.Fatalf("expected no membership, got %v, %v", membershipOfBob, err)
	}
}
