package group

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Avicted/chatsync/internal/user"
	"github.com/google/uuid"
)

const (
	maxNameLength        = 100
	maxDescriptionLength = 500
)

type Service struct {
	repo  Repository
	idGen func() string
	now   func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:  repo,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

// Create stores a new group with creator as its admin. Listed members are
// added with the member role; the creator and duplicates are skipped.
func (s *Service) Create(ctx context.Context, creator user.ID, name, description string, members []user.ID) (Group, error) {
	if s.repo == nil {
		return Group{}, errors.New("repository is required")
	}
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if creator == "" || name == "" {
		return Group{}, ErrInvalidInput
	}
	if len(name) > maxNameLength || len(description) > maxDescriptionLength {
		return Group{}, fmt.Errorf("%w: name or description too long", ErrInvalidInput)
	}

	now := s.now().UTC()
	g := Group{
		ID:          s.idGen(),
		Name:        name,
		Description: description,
		CreatedBy:   creator,
		CreatedAt:   now,
	}
	if err := s.repo.CreateGroup(ctx, g); err != nil {
		return Group{}, err
	}
	if err := s.repo.AddMember(ctx, Member{GroupID: g.ID, UserID: creator, Role: RoleAdmin, JoinedAt: now}); err != nil {
		return Group{}, err
	}
	g.MemberCount = 1

	seen := map[user.ID]bool{creator: true}
	for _, id := range members {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if err := s.repo.AddMember(ctx, Member{GroupID: g.ID, UserID: id, Role: RoleMember, JoinedAt: now}); err != nil {
			if errors.Is(err, ErrExists) {
				continue
			}
			return Group{}, err
		}
		g.MemberCount++
	}
	return g, nil
}

// AddMember adds userID to the group. Only admins may add members.
func (s *Service) AddMember(ctx context.Context, caller user.ID, groupID string, userID user.ID) (Member, error) {
	if s.repo == nil {
		return Member{}, errors.New("repository is required")
	}
	groupID = strings.TrimSpace(groupID)
	if caller == "" || groupID == "" || userID == "" {
		return Member{}, ErrInvalidInput
	}

	actor, err := s.repo.GetMember(ctx, groupID, caller)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Member{}, ErrForbidden
		}
		return Member{}, err
	}
	if actor.Role != RoleAdmin {
		return Member{}, ErrForbidden
	}

	m := Member{GroupID: groupID, UserID: userID, Role: RoleMember, JoinedAt: s.now().UTC()}
	if err := s.repo.AddMember(ctx, m); err != nil {
		return Member{}, err
	}
	return m, nil
}

func (s *Service) ListForUser(ctx context.Context, userID user.ID) ([]Group, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.ListGroupsForUser(ctx, userID)
}

// Members lists the group's members. Non-members get ErrForbidden.
func (s *Service) Members(ctx context.Context, caller user.ID, groupID string) ([]Member, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	ok, err := s.IsMember(ctx, groupID, caller)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	return s.repo.ListMembers(ctx, groupID)
}

func (s *Service) IsMember(ctx context.Context, groupID string, userID user.ID) (bool, error) {
	if s.repo == nil {
		return false, errors.New("repository is required")
	}
	if strings.TrimSpace(groupID) == "" || userID == "" {
		return false, ErrInvalidInput
	}
	if _, err := s.repo.GetMember(ctx, groupID, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) GroupIDsForUser(ctx context.Context, userID user.ID) ([]string, error) {
	groups, err := s.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids, nil
}
