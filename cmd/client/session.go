package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"

	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/securelog"
	"github.com/Avicted/chatsync/internal/syncclient"
)

const (
	updateBuffer  = 256
	logoutTimeout = 2 * time.Second
)

type chatOptions struct {
	server    string
	username  string
	password  string
	peer      string
	groupID   string
	logFile   string
	mode      syncclient.Mode
	interval  time.Duration
	pollWait  time.Duration
	obfuscate bool
}

func parseMode(raw string) (syncclient.Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "long-poll", "longpoll":
		return syncclient.ModeLongPoll, nil
	case "push":
		return syncclient.ModePush, nil
	case "interval":
		return syncclient.ModeInterval, nil
	}
	return 0, fmt.Errorf("unknown mode %q (want long-poll, push or interval)", raw)
}

func chatOptionsFrom(c *cli.Context) (chatOptions, error) {
	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return chatOptions{}, err
	}
	opts := chatOptions{
		server:    c.String("server"),
		username:  c.String("user"),
		password:  c.String("password"),
		peer:      strings.TrimSpace(c.String("peer")),
		groupID:   strings.TrimSpace(c.String("group")),
		logFile:   c.String("log-file"),
		mode:      mode,
		interval:  c.Duration("interval"),
		pollWait:  c.Duration("poll-wait"),
		obfuscate: c.Bool("obfuscate"),
	}
	if (opts.peer == "") == (opts.groupID == "") {
		return chatOptions{}, errors.New("exactly one of --peer or --group is required")
	}
	if opts.mode == syncclient.ModeInterval && opts.interval <= 0 {
		return chatOptions{}, errors.New("interval must be > 0")
	}
	if opts.pollWait <= 0 {
		return chatOptions{}, errors.New("poll-wait must be > 0")
	}
	return opts, nil
}

func login(ctx context.Context, server, username, password string) (*syncclient.HTTPTransport, syncclient.Identity, error) {
	tr := syncclient.NewHTTPTransport(server, "", nil)
	id, err := tr.Login(ctx, username, password)
	if err != nil {
		return nil, syncclient.Identity{}, fmt.Errorf("login: %w", err)
	}
	return tr, id, nil
}

func runRegister(ctx context.Context, w io.Writer, server, username, password string) error {
	tr := syncclient.NewHTTPTransport(server, "", nil)
	id, err := tr.Register(ctx, username, password)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	fmt.Fprintf(w, "registered %s (%s)\n", id.Username, id.UserID)
	return nil
}

func runUnread(ctx context.Context, w io.Writer, server, username, password string) error {
	tr, _, err := login(ctx, server, username, password)
	if err != nil {
		return err
	}
	defer logout(tr)
	unread, err := tr.Unread(ctx)
	if err != nil {
		return fmt.Errorf("unread: %w", err)
	}
	fmt.Fprintf(w, "total %d\n", unread.Total)
	targets := append([]message.UnreadCount(nil), unread.Targets...)
	sort.Slice(targets, func(i, j int) bool { return targets[i].Target.Key() < targets[j].Target.Key() })
	for _, t := range targets {
		if t.Count == 0 {
			continue
		}
		fmt.Fprintf(w, "%s %d\n", t.Target.Key(), t.Count)
	}
	return nil
}

// chatSession is everything a chat window needs once signed in.
type chatSession struct {
	transport *syncclient.HTTPTransport
	identity  syncclient.Identity
	target    message.Target
	title     string
	engine    *syncclient.Engine
	signals   *syncclient.WSSignals
}

func openSession(ctx context.Context, opts chatOptions) (*chatSession, error) {
	tr, id, err := login(ctx, opts.server, opts.username, opts.password)
	if err != nil {
		return nil, err
	}

	tr.SetPollWait(opts.pollWait)

	s := &chatSession{transport: tr, identity: id}
	if opts.peer != "" {
		peerID, err := tr.LookupUser(ctx, opts.peer)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", opts.peer, err)
		}
		conv, err := tr.ResolveConversation(ctx, peerID)
		if err != nil {
			return nil, fmt.Errorf("open conversation: %w", err)
		}
		s.target = conv.Target
		s.title = "@" + conv.PeerUsername
	} else {
		groups, err := tr.Groups(ctx)
		if err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}
		for _, g := range groups {
			if g.ID == opts.groupID {
				s.target = message.GroupTarget(g.ID)
				s.title = "#" + g.Name
			}
		}
		if s.target.IsZero() {
			return nil, fmt.Errorf("not a member of group %s", opts.groupID)
		}
	}

	engineOpts := []syncclient.Option{syncclient.WithSelfName(id.Username)}
	if opts.mode == syncclient.ModePush {
		signals, err := syncclient.DialSignals(ctx, opts.server, tr.Token())
		if err != nil {
			securelog.Warn("push_unavailable", securelog.Fields{"fallback": "interval"})
		} else {
			s.signals = signals
			engineOpts = append(engineOpts, syncclient.WithSignals(signals))
		}
	}
	s.engine = syncclient.NewEngine(id.UserID, tr, engineOpts...)
	return s, nil
}

func (s *chatSession) Close() {
	s.engine.Close()
	if s.signals != nil {
		s.signals.Close()
	}
	logout(s.transport)
}

func logout(tr *syncclient.HTTPTransport) {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	if err := tr.Logout(ctx); err != nil {
		securelog.Error("client.logout", err)
	}
}

// updateForwarder hands engine updates to the program in order. Plain
// updates carry the full timeline, so one dropped under backpressure is
// repaired by the next. Updates the timeline cannot repair wait for room
// until the forwarder stops.
type updateForwarder struct {
	ch   chan syncclient.Update
	done chan struct{}
}

func newUpdateForwarder() *updateForwarder {
	return &updateForwarder{
		ch:   make(chan syncclient.Update, updateBuffer),
		done: make(chan struct{}),
	}
}

func (f *updateForwarder) handle(u syncclient.Update) {
	if mustDeliver(u) {
		select {
		case f.ch <- u:
		case <-f.done:
		}
		return
	}
	select {
	case f.ch <- u:
	default:
	}
}

func (f *updateForwarder) run(ctx context.Context, send func(tea.Msg)) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-f.ch:
			send(updateMsg{update: u})
		}
	}
}

// mustDeliver reports updates that carry a send failure, an error or a
// connection state change.
func mustDeliver(u syncclient.Update) bool {
	return len(u.RolledBack) > 0 || u.Err != nil || u.Reconnecting || u.State == syncclient.StateClosed
}

func setupClientLogging(path string) (func(), error) {
	if path == "" {
		return func() {}, securelog.Setup(securelog.Options{Output: io.Discard})
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	if err := securelog.Setup(securelog.Options{Output: f}); err != nil {
		f.Close()
		return nil, err
	}
	return func() { _ = f.Close() }, nil
}

func runChat(ctx context.Context, opts chatOptions, stdin io.Reader, stdout io.Writer, newProgram programFactory) error {
	closeLog, err := setupClientLogging(opts.logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	sess, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	model := newChatModel(sess.engine, sess.target, sess.title, sess.identity.Username, opts.obfuscate, 80, 24)
	p := newProgram(model, tea.WithAltScreen(), tea.WithInput(stdin), tea.WithOutput(stdout))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	fwd := newUpdateForwarder()
	go fwd.run(runCtx, p.Send)

	start := syncclient.StartOptions{Mode: opts.mode}
	if opts.mode == syncclient.ModeInterval {
		start.Interval = opts.interval
	}
	if err := sess.engine.Start(runCtx, sess.target, fwd.handle, start); err != nil {
		return fmt.Errorf("start sync: %w", err)
	}
	_, err = p.Run()
	return err
}
