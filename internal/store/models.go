package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// ErrInviteCodeTaken is returned when an invite code collides with another workspace's.
var ErrInviteCodeTaken = errors.New("invite code already in use")

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Workspace struct {
	ID          string
	Name        string
	ImageURL    string
	ImageID     string
	InviteCode  string
	OwnerUserID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkspaceUpdate is a partial update; nil fields are left unchanged.
// ImageURL and ImageID are always written together.
type WorkspaceUpdate struct {
	Name  *string
	Image *Image
}

type Image struct {
	URL string
	ID  string
}

type Membership struct {
	ID          string
	UserID      string
	WorkspaceID string
	Role        string
	CreatedAt   time.Time
}

// Member is a membership joined with the referenced user's display info.
type Member struct {
	Membership
	UserName  string
	UserEmail string
}

type Project struct {
	ID          string
	Name        string
	ImageURL    string
	ImageID     string
	WorkspaceID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ProjectUpdate struct {
	Name  *string
	Image *Image
}

type Task struct {
	ID          string
	Name        string
	Description string
	Status      string
	DueDate     time.Time
	Position    int
	AssigneeID  string
	ProjectID   string
	WorkspaceID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskFilter selects tasks within one workspace. Empty fields do not filter.
type TaskFilter struct {
	WorkspaceID string
	ProjectID   string
	AssigneeID  string
	Status      string
	DueDate     *time.Time
	SearchTerm  string
	SortBy      string
	SortOrder   string
	Limit       int
	Offset      int
}

// TaskSortColumns maps the sortable API fields onto columns.
var TaskSortColumns = map[string]string{
	"createdAt": "created_at",
	"position":  "position",
	"dueDate":   "due_date",
	"status":    "status",
	"name":      "name",
}
