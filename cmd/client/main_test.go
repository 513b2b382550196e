package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Avicted/chatsync/internal/auth"
	"github.com/Avicted/chatsync/internal/fanout"
	"github.com/Avicted/chatsync/internal/group"
	"github.com/Avicted/chatsync/internal/httpapi"
	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/pull"
	"github.com/Avicted/chatsync/internal/storage"
	"github.com/Avicted/chatsync/internal/syncclient"
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

// fakeProgram stands in for the terminal program. Run returns once a
// delivered update satisfies done, or after a timeout.
type fakeProgram struct {
	mu      sync.Mutex
	model   tea.Model
	updates []syncclient.Update
	done    func(syncclient.Update) bool
	finish  chan struct{}
	once    sync.Once
}

func (p *fakeProgram) Run() (tea.Model, error) {
	select {
	case <-p.finish:
		return p.model, nil
	case <-time.After(3 * time.Second):
		return p.model, errors.New("timed out waiting for update")
	}
}

func (p *fakeProgram) Send(msg tea.Msg) {
	u, ok := msg.(updateMsg)
	if !ok {
		return
	}
	p.mu.Lock()
	p.updates = append(p.updates, u.update)
	p.model, _ = p.model.Update(msg)
	p.mu.Unlock()
	if p.done(u.update) {
		p.once.Do(func() { close(p.finish) })
	}
}

func TestRunRegisterAndUnread(t *testing.T) {
	srv := newTestServer(t)
	var out bytes.Buffer

	if err := run([]string{"register", "--server", srv.URL, "--user", "alice", "--password", "password123"}, nil, &out, &out, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out.String(), "registered alice") {
		t.Fatalf("output = %q", out.String())
	}

	out.Reset()
	if err := run([]string{"unread", "--server", srv.URL, "--user", "alice", "--password", "password123"}, nil, &out, &out, nil); err != nil {
		t.Fatalf("unread: %v", err)
	}
	if !strings.Contains(out.String(), "total 0") {
		t.Fatalf("output = %q", out.String())
	}

	err := run([]string{"unread", "--server", srv.URL, "--user", "alice", "--password", "wrong-password"}, nil, &out, &out, nil)
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("bad password = %v", err)
	}
}

func TestRunChatReceivesMessages(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	bob := syncclient.NewHTTPTransport(srv.URL, "", srv.Client())
	if _, err := bob.Register(ctx, "bob", "password123"); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	alice := syncclient.NewHTTPTransport(srv.URL, "", srv.Client())
	if _, err := alice.Register(ctx, "alice", "password123"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := alice.Send(ctx, message.SendRequest{RecipientID: mustLookup(t, alice, "bob"), Content: "hello bob"}); err != nil {
		t.Fatalf("alice send: %v", err)
	}

	for _, mode := range []string{"long-poll", "push", "interval"} {
		t.Run(mode, func(t *testing.T) {
			var prog *fakeProgram
			factory := func(model tea.Model, _ ...tea.ProgramOption) programRunner {
				prog = &fakeProgram{
					model:  model,
					finish: make(chan struct{}),
					done: func(u syncclient.Update) bool {
						return len(u.Timeline) == 1 && u.Timeline[0].Content == "hello bob"
					},
				}
				return prog
			}
			args := []string{"chat", "--server", srv.URL, "--user", "bob", "--password", "password123", "--peer", "alice", "--mode", mode, "--interval", "20ms"}
			if err := run(args, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, factory); err != nil {
				t.Fatalf("chat: %v", err)
			}

			prog.mu.Lock()
			defer prog.mu.Unlock()
			m := prog.model.(chatModel)
			if m.title != "@alice" || len(m.entries) != 1 || m.entries[0].SenderName != "alice" {
				t.Fatalf("model = title %q entries %+v", m.title, m.entries)
			}
		})
	}
}

func mustLookup(t *testing.T, tr *syncclient.HTTPTransport, username string) user.ID {
	t.Helper()
	id, err := tr.LookupUser(context.Background(), username)
	if err != nil {
		t.Fatalf("lookup %s: %v", username, err)
	}
	return id
}

func TestRunChatValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no target", []string{"chat", "--user", "a", "--password", "b"}, "exactly one of --peer or --group"},
		{"both targets", []string{"chat", "--user", "a", "--password", "b", "--peer", "x", "--group", "g"}, "exactly one of --peer or --group"},
		{"bad mode", []string{"chat", "--user", "a", "--password", "b", "--peer", "x", "--mode", "carrier-pigeon"}, "unknown mode"},
		{"bad interval", []string{"chat", "--user", "a", "--password", "b", "--peer", "x", "--mode", "interval", "--interval", "0s"}, "interval must be > 0"},
		{"bad poll wait", []string{"chat", "--user", "a", "--password", "b", "--peer", "x", "--poll-wait", "0s"}, "poll-wait must be > 0"},
		{"missing user", []string{"chat", "--password", "b", "--peer", "x"}, "user"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CHATSYNC_USER", "")
			os.Unsetenv("CHATSYNC_USER")
			err := run(tc.args, nil, &bytes.Buffer{}, &bytes.Buffer{}, nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestRunChatUnknownGroup(t *testing.T) {
	srv := newTestServer(t)
	tr := syncclient.NewHTTPTransport(srv.URL, "", srv.Client())
	if _, err := tr.Register(context.Background(), "alice", "password123"); err != nil {
		t.Fatalf("register: %v", err)
	}
	args := []string{"chat", "--server", srv.URL, "--user", "alice", "--password", "password123", "--group", "nope"}
	err := run(args, nil, &bytes.Buffer{}, &bytes.Buffer{}, nil)
	if err == nil || !strings.Contains(err.Error(), "not a member") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]syncclient.Mode{
		"":          syncclient.ModeLongPoll,
		"long-poll": syncclient.ModeLongPoll,
		"PUSH":      syncclient.ModePush,
		"interval":  syncclient.ModeInterval,
	}
	for raw, want := range cases {
		got, err := parseMode(raw)
		if err != nil || got != want {
			t.Fatalf("parseMode(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := parseMode("smoke"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSetupClientLoggingWritesFile(t *testing.T) {
	t.Cleanup(func() { _, _ = setupClientLogging("") })
	path := filepath.Join(t.TempDir(), "client.log")
	closeLog, err := setupClientLogging(path)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	closeLog()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file: %v", err)
	}
	if _, err := setupClientLogging(filepath.Join(t.TempDir(), "missing", "client.log")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestUpdateForwarderKeepsOrder(t *testing.T) {
	fwd := newUpdateForwarder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan syncclient.State, 3)
	go fwd.run(ctx, func(msg tea.Msg) { got <- msg.(updateMsg).update.State })

	fwd.handle(syncclient.Update{State: syncclient.StateSubscribing})
	fwd.handle(syncclient.Update{State: syncclient.StateSyncing})
	fwd.handle(syncclient.Update{State: syncclient.StateWaitingForUpdate})
	for _, want := range []syncclient.State{syncclient.StateSubscribing, syncclient.StateSyncing, syncclient.StateWaitingForUpdate} {
		select {
		case st := <-got:
			if st != want {
				t.Fatalf("state = %v, want %v", st, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("update not forwarded")
		}
	}
}

func TestUpdateForwarderNeverDropsFailures(t *testing.T) {
	fwd := newUpdateForwarder()
	for i := 0; i < updateBuffer+1; i++ {
		fwd.handle(syncclient.Update{State: syncclient.StateSyncing})
	}

	failed := syncclient.Update{
		State:      syncclient.StateWaitingForUpdate,
		RolledBack: []syncclient.Entry{{LocalID: "local-1"}},
		Err:        errors.New("send failed"),
	}
	handled := make(chan struct{})
	go func() {
		fwd.handle(failed)
		close(handled)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan syncclient.Update, updateBuffer+2)
	go fwd.run(ctx, func(msg tea.Msg) { got <- msg.(updateMsg).update })

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("failure update was never accepted")
	}
	for i := 0; i < updateBuffer; i++ {
		if u := <-got; len(u.RolledBack) != 0 {
			t.Fatalf("update %d out of order: %+v", i, u)
		}
	}
	select {
	case u := <-got:
		if len(u.RolledBack) != 1 || u.Err == nil {
			t.Fatalf("last update = %+v, want the rollback", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rollback update was dropped")
	}
}

func TestUpdateForwarderReleasesAfterStop(t *testing.T) {
	fwd := newUpdateForwarder()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		fwd.run(ctx, func(tea.Msg) {})
		close(stopped)
	}()
	cancel()
	<-stopped

	for i := 0; i < updateBuffer; i++ {
		fwd.handle(syncclient.Update{})
	}
	done := make(chan struct{})
	go func() {
		fwd.handle(syncclient.Update{State: syncclient.StateClosed, Err: errors.New("boom")})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handle blocked after the forwarder stopped")
	}
}

func TestClientMainExitsOnRunError(t *testing.T) {
	if os.Getenv("CHATSYNC_TEST_CLIENT_MAIN_HELPER") == "1" {
		os.Args = []string{"chatsync", "chat", "--user", "a", "--password", "b", "--mode", "smoke", "--peer", "x"}
		main()
		os.Exit(0)
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestClientMainExitsOnRunError")
	cmd.Env = append(os.Environ(), "CHATSYNC_TEST_CLIENT_MAIN_HELPER=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected subprocess exit error, got %v", err)
	}
	if exitErr.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %d", exitErr.ExitCode())
	}
	if !strings.Contains(stderr.String(), "error: unknown mode") {
		t.Fatalf("expected main stderr to include run error, got %q", stderr.String())
	}
}
