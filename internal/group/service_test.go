package group

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Avicted/chatsync/internal/user"
)

type fakeRepo struct {
	groups  map[string]Group
	members map[string]map[user.ID]Member
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{groups: make(map[string]Group), members: make(map[string]map[user.ID]Member)}
}

func (r *fakeRepo) CreateGroup(_ context.Context, g Group) error {
	r.groups[g.ID] = g
	r.members[g.ID] = make(map[user.ID]Member)
	return nil
}

func (r *fakeRepo) GetGroup(_ context.Context, id string) (Group, error) {
	g, ok := r.groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	g.MemberCount = len(r.members[id])
	return g, nil
}

func (r *fakeRepo) ListGroupsForUser(_ context.Context, userID user.ID) ([]Group, error) {
	var out []Group
	for id, members := range r.members {
		if _, ok := members[userID]; ok {
			g := r.groups[id]
			g.MemberCount = len(members)
			out = append(out, g)
		}
	}
	return out, nil
}

func (r *fakeRepo) AddMember(_ context.Context, m Member) error {
	members, ok := r.members[m.GroupID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := members[m.UserID]; exists {
		return ErrExists
	}
	members[m.UserID] = m
	return nil
}

func (r *fakeRepo) GetMember(_ context.Context, groupID string, userID user.ID) (Member, error) {
	m, ok := r.members[groupID][userID]
	if !ok {
		return Member{}, ErrNotFound
	}
	return m, nil
}

func (r *fakeRepo) ListMembers(_ context.Context, groupID string) ([]Member, error) {
	var out []Member
	for _, m := range r.members[groupID] {
		out = append(out, m)
	}
	return out, nil
}

func newTestService(repo Repository) *Service {
	svc := NewService(repo)
	svc.idGen = func() string { return "g1" }
	svc.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return svc
}

func TestCreate_CreatorIsAdmin(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	g, err := svc.Create(context.Background(), "x", "  team  ", "", []user.ID{"y", "z", "x", "y", ""})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if g.ID != "g1" || g.Name != "team" {
		t.Fatalf("unexpected group: %+v", g)
	}
	if g.MemberCount != 3 {
		t.Fatalf("MemberCount = %d, want 3", g.MemberCount)
	}
	if repo.members["g1"]["x"].Role != RoleAdmin {
		t.Fatalf("creator should be admin, got %q", repo.members["g1"]["x"].Role)
	}
	if repo.members["g1"]["y"].Role != RoleMember {
		t.Fatalf("listed member should be member, got %q", repo.members["g1"]["y"].Role)
	}
}

func TestCreate_InvalidInput(t *testing.T) {
	svc := newTestService(newFakeRepo())

	if _, err := svc.Create(context.Background(), "x", "   ", "", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.Create(context.Background(), "", "name", "", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAddMember_AdminOnly(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	if _, err := svc.Create(ctx, "x", "team", "", []user.ID{"y"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := svc.AddMember(ctx, "y", "g1", "w"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("member adding should be forbidden, got %v", err)
	}
	if _, err := svc.AddMember(ctx, "stranger", "g1", "w"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-member adding should be forbidden, got %v", err)
	}
	m, err := svc.AddMember(ctx, "x", "g1", "w")
	if err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if m.Role != RoleMember {
		t.Fatalf("Role = %q, want member", m.Role)
	}
	if _, err := svc.AddMember(ctx, "x", "g1", "w"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestMembershipQueries(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	if _, err := svc.Create(ctx, "x", "team", "", []user.ID{"y"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ok, err := svc.IsMember(ctx, "g1", "y")
	if err != nil || !ok {
		t.Fatalf("IsMember(y) = %v, %v", ok, err)
	}
	ok, err = svc.IsMember(ctx, "g1", "outsider")
	if err != nil || ok {
		t.Fatalf("IsMember(outsider) = %v, %v", ok, err)
	}

	if _, err := svc.Members(ctx, "outsider", "g1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	members, err := svc.Members(ctx, "y", "g1")
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("len(members) = %d, want 2", len(members))
	}

	ids, err := svc.GroupIDsForUser(ctx, "y")
	if err != nil {
		t.Fatalf("GroupIDsForUser() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "g1" {
		t.Fatalf("GroupIDsForUser() = %v", ids)
	}
}

func TestService_NilRepository(t *testing.T) {
	svc := &Service{}
	if _, err := svc.ListForUser(context.Background(), "x"); err == nil {
		t.Fatal("expected error for nil repository")
	}
}
