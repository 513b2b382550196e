package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Avicted/chatsync/internal/group"
	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/user"
)

// MemoryStore keeps everything in process memory. It honours the same
// ordering and uniqueness contracts as PostgresStore.
type MemoryStore struct {
	users    *memoryUsers
	groups   *memoryGroups
	messages *memoryMessages
}

func NewMemoryStore() *MemoryStore {
	users := &memoryUsers{byID: make(map[user.ID]user.User), byName: make(map[string]user.ID)}
	return &MemoryStore{
		users: users,
		groups: &memoryGroups{
			users:   users,
			groups:  make(map[string]group.Group),
			members: make(map[string]map[user.ID]group.Member),
		},
		messages: &memoryMessages{
			convs:   make(map[string]message.Conversation),
			byPair:  make(map[[2]user.ID]string),
			targets: make(map[message.Target]*targetLog),
			acks:    make(map[user.ID]map[message.Target]message.ReadState),
		},
	}
}

func (s *MemoryStore) Close(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *MemoryStore) Users() user.Repository {
	return s.users
}

func (s *MemoryStore) Groups() group.Repository {
	return s.groups
}

func (s *MemoryStore) Messages() message.Repository {
	return s.messages
}

type memoryUsers struct {
	mu     sync.RWMutex
	byID   map[user.ID]user.User
	byName map[string]user.ID
}

func (r *memoryUsers) Create(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.ID == "" || u.Username == "" || u.PasswordHash == "" || u.CreatedAt.IsZero() {
		return fmt.Errorf("user id, username, password_hash, and created_at are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[u.Username]; ok {
		return user.ErrExists
	}
	if _, ok := r.byID[u.ID]; ok {
		return user.ErrExists
	}
	r.byID[u.ID] = u
	r.byName[u.Username] = u.ID
	return nil
}

func (r *memoryUsers) GetByID(ctx context.Context, id user.ID) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (r *memoryUsers) GetByUsername(ctx context.Context, username string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[username]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return r.byID[id], nil
}

func (r *memoryUsers) username(id user.ID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id].Username
}

type memoryGroups struct {
	users   *memoryUsers
	mu      sync.RWMutex
	groups  map[string]group.Group
	members map[string]map[user.ID]group.Member
}

func (r *memoryGroups) CreateGroup(ctx context.Context, g group.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.ID == "" || g.Name == "" || g.CreatedBy == "" || g.CreatedAt.IsZero() {
		return fmt.Errorf("group id, name, created_by, and created_at are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.ID]; ok {
		return fmt.Errorf("group %s already exists", g.ID)
	}
	g.MemberCount = 0
	r.groups[g.ID] = g
	r.members[g.ID] = make(map[user.ID]group.Member)
	return nil
}

func (r *memoryGroups) GetGroup(ctx context.Context, id string) (group.Group, error) {
	if err := ctx.Err(); err != nil {
		return group.Group{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return group.Group{}, group.ErrNotFound
	}
	g.MemberCount = len(r.members[id])
	return g, nil
}

func (r *memoryGroups) ListGroupsForUser(ctx context.Context, userID user.ID) ([]group.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []group.Group
	for id, members := range r.members {
		if _, ok := members[userID]; !ok {
			continue
		}
		g := r.groups[id]
		g.MemberCount = len(members)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryGroups) AddMember(ctx context.Context, m group.Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.GroupID == "" || m.UserID == "" || m.Role == "" || m.JoinedAt.IsZero() {
		return fmt.Errorf("group_id, user_id, role, and joined_at are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.members[m.GroupID]
	if !ok {
		return group.ErrNotFound
	}
	if _, exists := members[m.UserID]; exists {
		return group.ErrExists
	}
	m.Username = ""
	members[m.UserID] = m
	return nil
}

func (r *memoryGroups) GetMember(ctx context.Context, groupID string, userID user.ID) (group.Member, error) {
	if err := ctx.Err(); err != nil {
		return group.Member{}, err
	}
	r.mu.RLock()
	m, ok := r.members[groupID][userID]
	r.mu.RUnlock()
	if !ok {
		return group.Member{}, group.ErrNotFound
	}
	m.Username = r.users.username(userID)
	return m, nil
}

func (r *memoryGroups) ListMembers(ctx context.Context, groupID string) ([]group.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]group.Member, 0, len(r.members[groupID]))
	for _, m := range r.members[groupID] {
		out = append(out, m)
	}
	r.mu.RUnlock()

	for i := range out {
		out[i].Username = r.users.username(out[i].UserID)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Username < out[j].Username
	})
	return out, nil
}

// targetLog is the ordered message log of one target. Appends hold mu
// while drawing the id, so ids land in the log in increasing order.
type targetLog struct {
	mu   sync.RWMutex
	msgs []message.Message
}

type memoryMessages struct {
	nextID atomic.Int64

	mu      sync.RWMutex
	convs   map[string]message.Conversation
	byPair  map[[2]user.ID]string
	targets map[message.Target]*targetLog

	ackMu sync.Mutex
	acks  map[user.ID]map[message.Target]message.ReadState
}

func (r *memoryMessages) ResolveConversation(ctx context.Context, conv message.Conversation) (message.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return message.Conversation{}, err
	}
	if conv.ID == "" || conv.UserLow == "" || conv.UserHigh == "" || conv.CreatedAt.IsZero() {
		return message.Conversation{}, fmt.Errorf("conversation id, participants, and created_at are required")
	}
	if conv.UserLow >= conv.UserHigh {
		return message.Conversation{}, fmt.Errorf("%w: participants must be ordered and distinct", message.ErrInvalidInput)
	}
	key := [2]user.ID{conv.UserLow, conv.UserHigh}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byPair[key]; ok {
		return r.convs[id], nil
	}
	r.convs[conv.ID] = conv
	r.byPair[key] = conv.ID
	return conv, nil
}

func (r *memoryMessages) GetConversation(ctx context.Context, id string) (message.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return message.Conversation{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	if !ok {
		return message.Conversation{}, message.ErrNotFound
	}
	return c, nil
}

func (r *memoryMessages) ListConversations(ctx context.Context, userID user.ID) ([]message.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []message.Conversation
	for _, c := range r.convs {
		if c.Has(userID) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryMessages) log(target message.Target, create bool) *targetLog {
	r.mu.RLock()
	l := r.targets[target]
	r.mu.RUnlock()
	if l != nil || !create {
		return l
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l = r.targets[target]; l == nil {
		l = &targetLog{}
		r.targets[target] = l
	}
	return l
}

func (r *memoryMessages) Append(ctx context.Context, msg message.Message) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return message.Message{}, err
	}
	if msg.SenderID == "" || msg.CreatedAt.IsZero() {
		return message.Message{}, fmt.Errorf("sender_id and created_at are required")
	}
	if msg.Content == "" && msg.AttachmentURL == "" {
		return message.Message{}, fmt.Errorf("%w: content or attachment is required", message.ErrInvalidInput)
	}
	if err := msg.Target.Validate(); err != nil {
		return message.Message{}, err
	}
	if msg.Target.Kind == message.TargetConversation {
		if _, err := r.GetConversation(ctx, msg.Target.ID); err != nil {
			return message.Message{}, err
		}
	}
	if msg.Kind == "" {
		msg.Kind = message.KindText
	}

	l := r.log(msg.Target, true)
	l.mu.Lock()
	defer l.mu.Unlock()
	msg.ID = message.ID(r.nextID.Add(1))
	l.msgs = append(l.msgs, msg)
	return msg, nil
}

func (r *memoryMessages) FetchSince(ctx context.Context, target message.Target, afterID message.ID, limit int) ([]message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = message.DefaultBatchLimit
	}
	out := make([]message.Message, 0)
	l := r.log(target, false)
	if l == nil {
		return out, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := sort.Search(len(l.msgs), func(i int) bool { return l.msgs[i].ID > afterID })
	end := start + limit
	if end > len(l.msgs) {
		end = len(l.msgs)
	}
	return append(out, l.msgs[start:end]...), nil
}

func (r *memoryMessages) CountSince(ctx context.Context, target message.Target, afterID message.ID, exclude user.ID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l := r.log(target, false)
	if l == nil {
		return 0, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := sort.Search(len(l.msgs), func(i int) bool { return l.msgs[i].ID > afterID })
	n := 0
	for _, m := range l.msgs[start:] {
		if m.SenderID != exclude {
			n++
		}
	}
	return n, nil
}

func (r *memoryMessages) LastID(ctx context.Context, target message.Target) (message.ID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l := r.log(target, false)
	if l == nil {
		return 0, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.msgs) == 0 {
		return 0, nil
	}
	return l.msgs[len(l.msgs)-1].ID, nil
}

func (r *memoryMessages) Ack(ctx context.Context, state message.ReadState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.UserID == "" || state.UpdatedAt.IsZero() {
		return fmt.Errorf("user_id and updated_at are required")
	}
	if err := state.Target.Validate(); err != nil {
		return err
	}
	r.ackMu.Lock()
	defer r.ackMu.Unlock()
	byTarget := r.acks[state.UserID]
	if byTarget == nil {
		byTarget = make(map[message.Target]message.ReadState)
		r.acks[state.UserID] = byTarget
	}
	if prev, ok := byTarget[state.Target]; ok && prev.LastReadID > state.LastReadID {
		state.LastReadID = prev.LastReadID
	}
	byTarget[state.Target] = state
	return nil
}

func (r *memoryMessages) ListAcks(ctx context.Context, userID user.ID) ([]message.ReadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.ackMu.Lock()
	defer r.ackMu.Unlock()
	out := make([]message.ReadState, 0, len(r.acks[userID]))
	for _, s := range r.acks[userID] {
		out = append(out, s)
	}
	return out, nil
}
