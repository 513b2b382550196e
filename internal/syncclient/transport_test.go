package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Avicted/chatsync/internal/auth"
	"github.com/Avicted/chatsync/internal/fanout"
	"github.com/Avicted/chatsync/internal/group"
	"github.com/Avicted/chatsync/internal/httpapi"
	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/pull"
	"github.com/Avicted/chatsync/internal/storage"
	"github.com/Avicted/chatsync/internal/user"
	"github.com/Avicted/chatsync/internal/ws"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := storage.NewMemoryStore()
	users := user.NewService(store.Users())
	groups := group.NewService(store.Groups())
	registry := fanout.NewRegistry()
	messages := message.NewService(store.Messages(), groups, registry)
	protocol := pull.New(messages,
		pull.WithInterval(10*time.Millisecond),
		pull.WithTimeout(200*time.Millisecond),
		pull.WithWaker(registry),
	)
	authService := auth.NewService(users)
	handler := httpapi.NewHandler(users, authService, messages, groups, protocol, httpapi.Limits{SendRPS: 100, SendBurst: 100})
	hub := ws.NewHub(registry, messages)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/ws", ws.WithAuthValidator(http.HandlerFunc(hub.HandleWS), authService))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

func registerClient(t *testing.T, srv *httptest.Server, username string) (*HTTPTransport, Identity) {
	t.Helper()
	tr := NewHTTPTransport(srv.URL, "", srv.Client())
	id, err := tr.Register(context.Background(), username, "password123")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	if tr.Token() == "" {
		t.Fatalf("token not stored after register")
	}
	return tr, id
}

func TestHTTPTransport_EndToEnd(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice, aliceID := registerClient(t, srv, "alice")
	bob, bobID := registerClient(t, srv, "bob")

	peer, err := alice.LookupUser(ctx, "bob")
	if err != nil || peer != bobID.UserID {
		t.Fatalf("LookupUser = %q, %v", peer, err)
	}
	conv, err := alice.ResolveConversation(ctx, peer)
	if err != nil {
		t.Fatalf("ResolveConversation: %v", err)
	}
	if conv.PeerUsername != "bob" || conv.Target.Kind != message.TargetConversation {
		t.Fatalf("conversation = %+v", conv)
	}

	aliceEngine := NewEngine(aliceID.UserID, alice, WithSelfName(aliceID.Username))
	bobEngine := NewEngine(bobID.UserID, bob)
	defer aliceEngine.Close()
	defer bobEngine.Close()

	if err := bobEngine.Start(ctx, conv.Target, nil, StartOptions{}); err != nil {
		t.Fatalf("bob Start: %v", err)
	}
	if err := aliceEngine.Start(ctx, conv.Target, nil, StartOptions{}); err != nil {
		t.Fatalf("alice Start: %v", err)
	}

	entry, err := aliceEngine.Send(ctx, conv.Target, "hello bob", SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if entry.ID <= 0 || entry.State != EntryConfirmed {
		t.Fatalf("entry = %+v", entry)
	}

	waitFor(t, "bob receives", func() bool { return len(bobEngine.Timeline(conv.Target)) == 1 })
	got := bobEngine.Timeline(conv.Target)[0]
	if got.ID != entry.ID || got.Content != "hello bob" || got.SenderName != "alice" || got.IsMine {
		t.Fatalf("bob sees %+v", got)
	}

	waitFor(t, "alice pulls own message", func() bool { return aliceEngine.Watermark(conv.Target) == entry.ID })
	if tl := aliceEngine.Timeline(conv.Target); len(tl) != 1 {
		t.Fatalf("alice timeline = %+v, want one entry", tl)
	}

	unread, err := bob.Unread(ctx)
	if err != nil || unread.Total != 1 {
		t.Fatalf("bob unread = %+v, %v", unread, err)
	}
	if err := bobEngine.Ack(ctx, conv.Target); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	unread, err = bob.Unread(ctx)
	if err != nil || unread.Total != 0 {
		t.Fatalf("bob unread after ack = %+v, %v", unread, err)
	}

	convs, err := bob.Conversations(ctx)
	if err != nil || len(convs) != 1 || convs[0].PeerID != aliceID.UserID {
		t.Fatalf("bob conversations = %+v, %v", convs, err)
	}
}

func TestHTTPTransport_PushModeOverWebsocket(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice, _ := registerClient(t, srv, "alice")
	bob, bobID := registerClient(t, srv, "bob")

	conv, err := bob.ResolveConversation(ctx, mustLookup(t, bob, "alice"))
	if err != nil {
		t.Fatalf("ResolveConversation: %v", err)
	}

	signals, err := DialSignals(ctx, srv.URL, bob.Token())
	if err != nil {
		t.Fatalf("DialSignals: %v", err)
	}
	defer signals.Close()

	engine := NewEngine(bobID.UserID, bob, WithSignals(signals))
	defer engine.Close()
	if err := engine.Start(ctx, conv.Target, nil, StartOptions{Mode: ModePush, Interval: time.Hour}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "idle", func() bool { return engine.State(conv.Target) == StateWaitingForUpdate })
	// The subscribe frame is handled asynchronously by the hub.
	time.Sleep(50 * time.Millisecond)

	if _, err := alice.Send(ctx, message.SendRequest{Target: conv.Target, Content: "ping"}); err != nil {
		t.Fatalf("alice send: %v", err)
	}
	waitFor(t, "pushed message", func() bool { return len(engine.Timeline(conv.Target)) == 1 })
}

func mustLookup(t *testing.T, tr *HTTPTransport, username string) user.ID {
	t.Helper()
	id, err := tr.LookupUser(context.Background(), username)
	if err != nil {
		t.Fatalf("LookupUser %s: %v", username, err)
	}
	return id
}

func TestHTTPTransport_ErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	tr, _ := registerClient(t, srv, "alice")

	if _, err := tr.Pull(ctx, message.GroupTarget("nope"), 0, 10); !errors.Is(err, message.ErrForbidden) {
		t.Fatalf("pull of foreign group = %v, want forbidden", err)
	}
	if _, err := tr.LookupUser(ctx, "ghost"); !errors.Is(err, message.ErrNotFound) {
		t.Fatalf("lookup ghost = %v, want not found", err)
	}

	anon := NewHTTPTransport(srv.URL, "", srv.Client())
	if _, err := anon.Unread(ctx); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("anonymous unread = %v", err)
	}
	if _, err := anon.Login(ctx, "alice", "wrong-password"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("bad login = %v", err)
	}
	if _, err := anon.Register(ctx, "alice", "password123"); !errors.Is(err, user.ErrExists) {
		t.Fatalf("duplicate register = %v", err)
	}

	down := NewHTTPTransport("http://127.0.0.1:1", "", nil)
	if _, err := down.Pull(ctx, message.GroupTarget("g"), 0, 10); !errors.Is(err, message.ErrUnavailable) {
		t.Fatalf("unreachable server = %v", err)
	}
}

func TestStatusError(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, message.ErrInvalidInput},
		{http.StatusUnauthorized, auth.ErrUnauthorized},
		{http.StatusForbidden, message.ErrForbidden},
		{http.StatusNotFound, message.ErrNotFound},
		{http.StatusConflict, user.ErrExists},
		{http.StatusTooManyRequests, message.ErrUnavailable},
		{http.StatusServiceUnavailable, message.ErrUnavailable},
	}
	for _, tc := range cases {
		if err := statusError(tc.status, ""); !errors.Is(err, tc.want) {
			t.Fatalf("statusError(%d) = %v, want %v", tc.status, err, tc.want)
		}
	}
	if err := statusError(http.StatusTeapot, "short and stout"); err == nil || permanent(err) {
		t.Fatalf("unmapped status = %v", err)
	}
}

func TestHTTPTransport_LongPollClientDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, "tok", srv.Client())
	tr.SetPollWait(50 * time.Millisecond)
	target := message.GroupTarget("g1")

	batch, err := tr.LongPoll(context.Background(), target, 7, 10)
	if err != nil {
		t.Fatalf("LongPoll past client deadline: %v", err)
	}
	if !batch.TimedOut || batch.Watermark != 7 || batch.Target != target || len(batch.Messages) != 0 {
		t.Fatalf("batch = %+v", batch)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	if _, err := tr.LongPoll(ctx, target, 7, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled LongPoll = %v, want context.Canceled", err)
	}
}

func TestHTTPTransport_LogoutRevokesToken(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	alice, _ := registerClient(t, srv, "alice")
	token := alice.Token()

	if err := alice.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if alice.Token() != "" {
		t.Fatalf("token kept after logout")
	}
	if err := alice.Logout(ctx); err != nil {
		t.Fatalf("Logout when signed out: %v", err)
	}

	stale := NewHTTPTransport(srv.URL, token, srv.Client())
	if _, err := stale.Unread(ctx); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("revoked token Unread = %v, want ErrUnauthorized", err)
	}
}
