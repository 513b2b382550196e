package group

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/chatsync/internal/user"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type Group struct {
	ID          string
	Name        string
	Description string
	CreatedBy   user.ID
	CreatedAt   time.Time
	MemberCount int
}

type Member struct {
	GroupID  string
	UserID   user.ID
	Username string
	Role     Role
	JoinedAt time.Time
}

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrExists       = errors.New("already a member")
)

type Repository interface {
	CreateGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, id string) (Group, error)
	ListGroupsForUser(ctx context.Context, userID user.ID) ([]Group, error)
	AddMember(ctx context.Context, m Member) error
	GetMember(ctx context.Context, groupID string, userID user.ID) (Member, error)
	ListMembers(ctx context.Context, groupID string) ([]Member, error)
}
