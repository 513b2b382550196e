package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Avicted/chatsync/internal/user"
)

type fakeRepo struct {
	mu        sync.Mutex
	convs     map[string]Conversation
	messages  []Message
	acks      map[string]ReadState
	lastLimit int
	appendErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{convs: make(map[string]Conversation), acks: make(map[string]ReadState)}
}

func (r *fakeRepo) ResolveConversation(_ context.Context, conv Conversation) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.convs {
		if c.UserLow == conv.UserLow && c.UserHigh == conv.UserHigh {
			return c, nil
		}
	}
	r.convs[conv.ID] = conv
	return conv, nil
}

func (r *fakeRepo) GetConversation(_ context.Context, id string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (r *fakeRepo) ListConversations(_ context.Context, userID user.ID) ([]Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Conversation
	for _, c := range r.convs {
		if c.Has(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeRepo) Append(_ context.Context, msg Message) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return Message{}, r.appendErr
	}
	msg.ID = ID(len(r.messages) + 1)
	r.messages = append(r.messages, msg)
	return msg, nil
}

func (r *fakeRepo) FetchSince(_ context.Context, target Target, afterID ID, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLimit = limit
	var out []Message
	for _, m := range r.messages {
		if m.Target == target && m.ID > afterID {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) CountSince(_ context.Context, target Target, afterID ID, exclude user.ID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m.Target == target && m.ID > afterID && m.SenderID != exclude {
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) LastID(_ context.Context, target Target) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last ID
	for _, m := range r.messages {
		if m.Target == target && m.ID > last {
			last = m.ID
		}
	}
	return last, nil
}

func (r *fakeRepo) Ack(_ context.Context, state ReadState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(state.UserID) + "|" + state.Target.Key()
	if prev, ok := r.acks[key]; ok && prev.LastReadID >= state.LastReadID {
		return nil
	}
	r.acks[key] = state
	return nil
}

func (r *fakeRepo) ListAcks(_ context.Context, userID user.ID) ([]ReadState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ReadState
	for _, a := range r.acks {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeGroups struct {
	members map[string]map[user.ID]bool
}

func (g *fakeGroups) IsMember(_ context.Context, groupID string, userID user.ID) (bool, error) {
	return g.members[groupID][userID], nil
}

func (g *fakeGroups) GroupIDsForUser(_ context.Context, userID user.ID) ([]string, error) {
	var ids []string
	for id, m := range g.members {
		if m[userID] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func newTestService() (*Service, *fakeRepo, *recordingNotifier) {
	repo := newFakeRepo()
	groups := &fakeGroups{members: map[string]map[user.ID]bool{
		"g1": {"x": true, "y": true, "z": true},
	}}
	notifier := &recordingNotifier{}
	svc := NewService(repo, groups, notifier)
	seq := 0
	svc.idGen = func() string {
		seq++
		return fmt.Sprintf("conv-%d", seq)
	}
	svc.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return svc, repo, notifier
}

func TestAppend_FirstContactScenario(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()

	msg, err := svc.Append(ctx, "a", SendRequest{RecipientID: "b", Content: "hi"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if msg.ID != 1 {
		t.Fatalf("ID = %d, want 1", msg.ID)
	}
	if msg.Target.Kind != TargetConversation || msg.Target.ID == "" {
		t.Fatalf("unexpected target: %+v", msg.Target)
	}

	conv, err := svc.ResolveConversation(ctx, "b", "a")
	if err != nil {
		t.Fatalf("ResolveConversation() error = %v", err)
	}
	if conv.Target() != msg.Target {
		t.Fatalf("resolved %v, want %v", conv.Target(), msg.Target)
	}

	got, err := svc.FetchSince(ctx, "b", conv.Target(), 0, 0)
	if err != nil {
		t.Fatalf("FetchSince() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 || got[0].Content != "hi" {
		t.Fatalf("unexpected batch: %+v", got)
	}
	if len(notifier.msgs) != 1 || notifier.msgs[0].ID != 1 {
		t.Fatalf("expected one notification, got %+v", notifier.msgs)
	}
}

func TestAppend_Validation(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()

	cases := []struct {
		name string
		req  SendRequest
	}{
		{name: "no target", req: SendRequest{Content: "hi"}},
		{name: "both target and recipient", req: SendRequest{Target: GroupTarget("g1"), RecipientID: "y", Content: "hi"}},
		{name: "empty content", req: SendRequest{Target: GroupTarget("g1"), Content: "   "}},
		{name: "unknown kind", req: SendRequest{Target: GroupTarget("g1"), Content: "hi", Kind: "video"}},
		{name: "bad target kind", req: SendRequest{Target: Target{Kind: "channel", ID: "c"}, Content: "hi"}},
		{name: "self conversation", req: SendRequest{RecipientID: "x", Content: "hi"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Append(ctx, "x", tc.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if len(notifier.msgs) != 0 {
		t.Fatalf("rejected sends must not notify, got %d", len(notifier.msgs))
	}
}

func TestAppend_AttachmentWithoutContent(t *testing.T) {
	svc, _, _ := newTestService()

	msg, err := svc.Append(context.Background(), "x", SendRequest{
		Target:        GroupTarget("g1"),
		Kind:          "image",
		AttachmentURL: "https://cdn.example/cat.png",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if msg.Kind != KindImage || msg.AttachmentURL == "" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestAppend_StoreFailureDoesNotNotify(t *testing.T) {
	svc, repo, notifier := newTestService()
	repo.appendErr = fmt.Errorf("%w: connection reset", ErrUnavailable)

	_, err := svc.Append(context.Background(), "x", SendRequest{Target: GroupTarget("g1"), Content: "hi"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(notifier.msgs) != 0 {
		t.Fatal("failed append must not notify")
	}
}

func TestGroupAuthorizationScenario(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Append(ctx, "x", SendRequest{Target: GroupTarget("g1"), Content: "hello group"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if _, err := svc.FetchSince(ctx, "outsider", GroupTarget("g1"), 0, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-member, got %v", err)
	}
	got, err := svc.FetchSince(ctx, "y", GroupTarget("g1"), 0, 0)
	if err != nil {
		t.Fatalf("FetchSince() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "hello group" {
		t.Fatalf("unexpected batch: %+v", got)
	}
	if _, err := svc.Append(ctx, "outsider", SendRequest{Target: GroupTarget("g1"), Content: "let me in"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on send, got %v", err)
	}
}

func TestFetchSince_UnknownConversationIsForbidden(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.FetchSince(context.Background(), "a", ConversationTarget("nope"), 0, 0)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestFetchSince_LimitClamping(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		limit int
		want  int
	}{
		{limit: 0, want: DefaultBatchLimit},
		{limit: -3, want: DefaultBatchLimit},
		{limit: 10, want: 10},
		{limit: 1000, want: MaxBatchLimit},
	}
	for _, tc := range cases {
		if _, err := svc.FetchSince(ctx, "x", GroupTarget("g1"), 0, tc.limit); err != nil {
			t.Fatalf("FetchSince() error = %v", err)
		}
		if repo.lastLimit != tc.want {
			t.Fatalf("limit %d: repo saw %d, want %d", tc.limit, repo.lastLimit, tc.want)
		}
	}
}

func TestSetBatchLimits(t *testing.T) {
	svc, repo, _ := newTestService()
	svc.SetBatchLimits(500, 20)

	if _, err := svc.FetchSince(context.Background(), "x", GroupTarget("g1"), 0, 0); err != nil {
		t.Fatalf("FetchSince() error = %v", err)
	}
	if repo.lastLimit != 20 {
		t.Fatalf("default above max should clamp to max, got %d", repo.lastLimit)
	}
}

func TestFetchSince_EmptyAtHead(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := svc.Append(ctx, "x", SendRequest{Target: GroupTarget("g1"), Content: "m"}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := svc.FetchSince(ctx, "y", GroupTarget("g1"), 5, 0)
	if err != nil {
		t.Fatalf("FetchSince() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty batch, got %d", len(got))
	}
}

func TestCountUnread_ExcludesOwnMessages(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	_, _ = svc.Append(ctx, "x", SendRequest{Target: GroupTarget("g1"), Content: "one"})
	_, _ = svc.Append(ctx, "y", SendRequest{Target: GroupTarget("g1"), Content: "two"})
	_, _ = svc.Append(ctx, "z", SendRequest{Target: GroupTarget("g1"), Content: "three"})

	n, err := svc.CountUnread(ctx, "x", GroupTarget("g1"), 0)
	if err != nil {
		t.Fatalf("CountUnread() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("CountUnread() = %d, want 2", n)
	}
	n, _ = svc.CountUnread(ctx, "x", GroupTarget("g1"), 2)
	if n != 1 {
		t.Fatalf("CountUnread(after 2) = %d, want 1", n)
	}
}

func TestAckAndUnread(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	first, _ := svc.Append(ctx, "a", SendRequest{RecipientID: "x", Content: "psst"})
	_, _ = svc.Append(ctx, "y", SendRequest{Target: GroupTarget("g1"), Content: "g one"})
	g2, _ := svc.Append(ctx, "z", SendRequest{Target: GroupTarget("g1"), Content: "g two"})

	unread, err := svc.Unread(ctx, "x")
	if err != nil {
		t.Fatalf("Unread() error = %v", err)
	}
	if unread.Total != 3 || len(unread.Targets) != 2 {
		t.Fatalf("unexpected unread: %+v", unread)
	}

	if _, err := svc.Ack(ctx, "x", GroupTarget("g1"), g2.ID+100); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if _, err := svc.Ack(ctx, "x", first.Target, first.ID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	unread, _ = svc.Unread(ctx, "x")
	if unread.Total != 0 {
		t.Fatalf("Total = %d after acking everything, want 0", unread.Total)
	}
	for _, tc := range unread.Targets {
		if tc.Target.Kind == TargetGroup && tc.LastReadID != g2.ID {
			t.Fatalf("group ack should clamp to %d, got %d", g2.ID, tc.LastReadID)
		}
	}

	_, _ = svc.Append(ctx, "y", SendRequest{Target: GroupTarget("g1"), Content: "g three"})
	unread, _ = svc.Unread(ctx, "x")
	if unread.Total != 1 {
		t.Fatalf("Total = %d after a new message, want 1", unread.Total)
	}
}

func TestAck_Forbidden(t *testing.T) {
	svc, _, _ := newTestService()

	if _, err := svc.Ack(context.Background(), "outsider", GroupTarget("g1"), 1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestResolveConversation_SymmetricPair(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	ab, err := svc.ResolveConversation(ctx, "a", "b")
	if err != nil {
		t.Fatalf("ResolveConversation() error = %v", err)
	}
	ba, err := svc.ResolveConversation(ctx, "b", "a")
	if err != nil {
		t.Fatalf("ResolveConversation() error = %v", err)
	}
	if ab.ID != ba.ID {
		t.Fatalf("pair produced two conversations: %q and %q", ab.ID, ba.ID)
	}
	if ab.UserLow != "a" || ab.UserHigh != "b" {
		t.Fatalf("pair not normalized: %+v", ab)
	}
}

func TestParseTarget(t *testing.T) {
	got, err := ParseTarget(" Group ", " g1 ")
	if err != nil {
		t.Fatalf("ParseTarget() error = %v", err)
	}
	if got != GroupTarget("g1") {
		t.Fatalf("ParseTarget() = %+v", got)
	}
	if _, err := ParseTarget("group", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestConversationPeer(t *testing.T) {
	c := Conversation{ID: "c", UserLow: "a", UserHigh: "b"}
	if c.Peer("a") != "b" || c.Peer("b") != "a" || c.Peer("z") != "" {
		t.Fatalf("unexpected peers for %+v", c)
	}
}
