// Package rbac decides whether a workspace member may perform an action.
//
// Authorize is a pure function over facts gathered by the caller; it never
// touches storage. Callers that gate on member or admin counts must read
// those counts in the same transaction as the write they authorize.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

const (
	ActionReadWorkspace    Action = "workspace.read"
	ActionUpdateWorkspace  Action = "workspace.update"
	ActionRotateInviteCode Action = "workspace.rotate_invite"
	ActionDeleteWorkspace  Action = "workspace.delete"
	ActionListMembers      Action = "member.list"
	ActionRemoveMember     Action = "member.remove"
	ActionChangeRole       Action = "member.change_role"
	ActionReadProject      Action = "project.read"
	ActionCreateProject    Action = "project.create"
	ActionUpdateProject    Action = "project.update"
	ActionCreateTask       Action = "task.create"
	ActionListTasks        Action = "task.list"
	ActionSearch           Action = "search"
)

// DenyKind classifies a denial.
type DenyKind string

const (
	DenyUnauthorized DenyKind = "UNAUTHORIZED"
	DenyForbidden    DenyKind = "FORBIDDEN"
	DenyInvariant    DenyKind = "INVARIANT_VIOLATION"
)

// Reasons attached to invariant denials.
const (
	ReasonNotMember  = "not a member of this workspace"
	ReasonAdminOnly  = "workspace admin required"
	ReasonOwnerOnly  = "only the workspace owner can delete it"
	ReasonLastMember = "cannot remove last member"
	ReasonLastAdmin  = "cannot remove last admin"
)

// Actor is the caller's membership in the target workspace.
type Actor struct {
	MembershipID string
	UserID       string
	Role         Role
}

// Request carries everything a decision may depend on. Actor is nil when the
// caller holds no membership in the workspace.
type Request struct {
	Actor  *Actor
	Action Action

	// Member-targeted actions.
	TargetMembershipID string
	TargetRole         Role
	NewRole            Role

	// Workspace facts.
	OwnerUserID string
	MemberCount int
	AdminCount  int
}

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed bool
	Kind    DenyKind
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(kind DenyKind, reason string) Decision {
	return Decision{Kind: kind, Reason: reason}
}

// Gate evaluates only the membership and admin-only rules. Callers use it to
// refuse a request before looking up the target or counting members.
func Gate(req Request) Decision {
	// 1. Membership is required for everything.
	if req.Actor == nil {
		return deny(DenyUnauthorized, ReasonNotMember)
	}
	self := req.TargetMembershipID != "" && req.TargetMembershipID == req.Actor.MembershipID

	// 2. Admin-only actions.
	if requiresAdmin(req.Action, self) && req.Actor.Role != RoleAdmin {
		return deny(DenyForbidden, ReasonAdminOnly)
	}
	return allow()
}

// Authorize evaluates the policy rules in precedence order.
func Authorize(req Request) Decision {
	if decision := Gate(req); !decision.Allowed {
		return decision
	}
	actor := req.Actor

	switch req.Action {
	case ActionRemoveMember:
		// 3 + 5. Self-removal is allowed for any role, but never the last member.
		if req.MemberCount <= 1 {
			return deny(DenyInvariant, ReasonLastMember)
		}
		if req.TargetRole == RoleAdmin && req.AdminCount <= 1 {
			return deny(DenyInvariant, ReasonLastAdmin)
		}
		return allow()
	case ActionChangeRole:
		// 6. The last admin cannot be demoted.
		if req.TargetRole == RoleAdmin && req.NewRole != RoleAdmin && req.AdminCount <= 1 {
			return deny(DenyInvariant, ReasonLastAdmin)
		}
		return allow()
	case ActionDeleteWorkspace:
		// 7. Owner only.
		if req.OwnerUserID == "" || actor.UserID != req.OwnerUserID {
			return deny(DenyUnauthorized, ReasonOwnerOnly)
		}
		return allow()
	}

	// 4. Everything else is open to any member.
	return allow()
}

func requiresAdmin(action Action, self bool) bool {
	switch action {
	case ActionUpdateWorkspace, ActionRotateInviteCode, ActionUpdateProject, ActionChangeRole:
		return true
	case ActionRemoveMember:
		return !self
	default:
		return false
	}
}

// Normalize maps user input onto a known role, ignoring case. The second
// result is false for unknown roles.
func Normalize(role string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(role))); r {
	case RoleAdmin, RoleUser:
		return r, true
	default:
		return "", false
	}
}
