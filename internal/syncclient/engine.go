package syncclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/obfuscate"
	"github.com/Avicted/chatsync/internal/securelog"
	"github.com/Avicted/chatsync/internal/user"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	defaultInterval     = time.Second
	defaultPushFallback = 30 * time.Second
	defaultMaxFailures  = 3
)

type Option func(*Engine)

// WithSignals enables ModePush.
func WithSignals(s Signals) Option {
	return func(e *Engine) { e.signals = s }
}

func WithCodec(c obfuscate.Codec) Option {
	return func(e *Engine) { e.codec = c }
}

// WithBackOff sets the retry delay policy for failed pulls.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(e *Engine) {
		if newBackOff != nil {
			e.newBackOff = newBackOff
		}
	}
}

// WithMaxFailures sets how many consecutive pull failures pass before the
// handler is told the session is reconnecting.
func WithMaxFailures(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxFailures = n
		}
	}
}

func WithBatchLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

func WithSelfName(name string) Option {
	return func(e *Engine) { e.selfName = name }
}

type Engine struct {
	self        user.ID
	selfName    string
	transport   Transport
	signals     Signals
	unread      UnreadSource
	codec       obfuscate.Codec
	newBackOff  func() backoff.BackOff
	maxFailures int
	limit       int
	newLocalID  func() string
	now         func() time.Time

	// lifecycle serializes Start and Stop so a target never has two loops.
	lifecycle sync.Mutex

	mu        sync.Mutex
	sessions  map[message.Target]*session
	timelines map[message.Target]*timeline
}

func NewEngine(self user.ID, transport Transport, opts ...Option) *Engine {
	e := &Engine{
		self:        self,
		transport:   transport,
		codec:       obfuscate.Base64{},
		newBackOff:  defaultBackOff,
		maxFailures: defaultMaxFailures,
		limit:       message.DefaultBatchLimit,
		newLocalID:  uuid.NewString,
		now:         time.Now,
		sessions:    make(map[message.Target]*session),
		timelines:   make(map[message.Target]*timeline),
	}
	if src, ok := transport.(UnreadSource); ok {
		e.unread = src
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Start opens a sync session for target. An active session for the same
// target is stopped first; the new one resumes from the retained
// watermark.
func (e *Engine) Start(ctx context.Context, target message.Target, handler Handler, opts StartOptions) error {
	if e.transport == nil {
		return errors.New("transport is required")
	}
	if err := target.Validate(); err != nil {
		return err
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.stopLocked(target)

	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
		if opts.Mode == ModePush {
			opts.Interval = defaultPushFallback
		}
	}
	if opts.Mode == ModePush && e.signals == nil {
		opts.Mode = ModeInterval
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		engine:  e,
		target:  target,
		tl:      e.timelineFor(target),
		handler: handler,
		opts:    opts,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateSubscribing,
	}

	e.mu.Lock()
	e.sessions[target] = s
	e.mu.Unlock()

	go s.run(runCtx)
	return nil
}

// Stop cancels target's session and waits for its loop to exit. It is a
// no-op when nothing is running.
func (e *Engine) Stop(target message.Target) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.stopLocked(target)
}

// Close stops every session.
func (e *Engine) Close() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	targets := make([]message.Target, 0, len(e.sessions))
	for t := range e.sessions {
		targets = append(targets, t)
	}
	e.mu.Unlock()

	for _, t := range targets {
		e.stopLocked(t)
	}
}

func (e *Engine) stopLocked(target message.Target) {
	e.mu.Lock()
	s := e.sessions[target]
	delete(e.sessions, target)
	e.mu.Unlock()

	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (e *Engine) State(target message.Target) State {
	e.mu.Lock()
	s := e.sessions[target]
	e.mu.Unlock()
	if s == nil {
		return StateClosed
	}
	return s.State()
}

// Timeline returns a copy of the current entries for target.
func (e *Engine) Timeline(target message.Target) []Entry {
	if tl := e.existingTimeline(target); tl != nil {
		return tl.snapshot()
	}
	return nil
}

func (e *Engine) Watermark(target message.Target) message.ID {
	if tl := e.existingTimeline(target); tl != nil {
		return tl.Watermark()
	}
	return 0
}

// Send renders a pending entry right away and then asks the server to
// store it. On success the same entry takes the server id; on failure it
// is removed and the error returned. Sends are never retried.
func (e *Engine) Send(ctx context.Context, target message.Target, content string, opts SendOptions) (*Entry, error) {
	if e.transport == nil {
		return nil, errors.New("transport is required")
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" && strings.TrimSpace(opts.AttachmentURL) == "" {
		return nil, fmt.Errorf("%w: content or attachment is required", message.ErrInvalidInput)
	}
	kind := opts.Kind
	if kind == "" {
		kind = message.KindText
	}

	wire := content
	if opts.Obfuscate && e.codec != nil {
		wire = e.codec.Encode(content)
	}

	entry := &Entry{
		LocalID:       e.newLocalID(),
		Target:        target,
		SenderID:      e.self,
		SenderName:    e.selfName,
		Content:       content,
		Kind:          kind,
		AttachmentURL: opts.AttachmentURL,
		Obfuscated:    opts.Obfuscate,
		IsMine:        true,
		CreatedAt:     e.now().UTC(),
		State:         EntryPending,
	}
	tl := e.timelineFor(target)
	tl.addPending(entry)
	e.emit(target, Update{Pending: []Entry{*entry}})

	receipt, err := e.transport.Send(ctx, message.SendRequest{
		Target:        target,
		Content:       wire,
		Kind:          string(kind),
		AttachmentURL: opts.AttachmentURL,
		Obfuscated:    opts.Obfuscate,
	})
	if err != nil {
		tl.rollback(entry)
		e.emit(target, Update{RolledBack: []Entry{*entry}, Err: err})
		return entry, err
	}

	tl.confirm(entry, receipt)
	e.emit(target, Update{Confirmed: []Entry{*entry}})
	return entry, nil
}

// Ack marks everything up to target's watermark as read.
func (e *Engine) Ack(ctx context.Context, target message.Target) error {
	tl := e.existingTimeline(target)
	if tl == nil {
		return ErrNotStarted
	}
	wm := tl.Watermark()
	if wm == 0 {
		return nil
	}
	return e.transport.Ack(ctx, target, wm)
}

func (e *Engine) timelineFor(target message.Target) *timeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	tl := e.timelines[target]
	if tl == nil {
		tl = newTimeline(target)
		e.timelines[target] = tl
	}
	return tl
}

func (e *Engine) existingTimeline(target message.Target) *timeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timelines[target]
}

func (e *Engine) emit(target message.Target, u Update) {
	e.mu.Lock()
	s := e.sessions[target]
	e.mu.Unlock()
	if s != nil {
		s.emit(u)
	}
}

func (e *Engine) fetchUnread(ctx context.Context) *message.Unread {
	if e.unread == nil {
		return nil
	}
	u, err := e.unread.Unread(ctx)
	if err != nil {
		if ctx.Err() == nil {
			securelog.Debug("unread_refresh_failed", securelog.Fields{"error_type": fmt.Sprintf("%T", err)})
		}
		return nil
	}
	return &u
}

type session struct {
	engine  *Engine
	target  message.Target
	tl      *timeline
	handler Handler
	opts    StartOptions
	cancel  context.CancelFunc
	done    chan struct{}

	mu           sync.Mutex
	state        State
	reconnecting bool

	emitMu sync.Mutex
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) emit(u Update) {
	if s.handler == nil {
		return
	}
	u.Target = s.target
	u.State = s.State()
	if u.Timeline == nil {
		u.Timeline = s.tl.snapshot()
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.handler(u)
}

func (s *session) run(ctx context.Context) {
	err := s.loop(ctx)

	e := s.engine
	e.mu.Lock()
	if e.sessions[s.target] == s {
		delete(e.sessions, s.target)
	}
	e.mu.Unlock()

	s.setState(StateClosed)
	if err != nil {
		securelog.Error("syncclient.loop", err)
	}
	s.emit(Update{Err: err})
	close(s.done)
}

// loop pulls until ctx is done or a permanent error occurs. It returns
// nil on cancellation.
func (s *session) loop(ctx context.Context) error {
	e := s.engine

	var signal <-chan struct{}
	if s.opts.Mode == ModePush {
		ch, release, err := e.signals.Subscribe(ctx, s.target)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			securelog.Warn("push_subscribe_failed", securelog.Fields{"target": s.target.Key()})
		} else {
			defer release()
			signal = ch
		}
	}

	bo := e.newBackOff()
	failures := 0
	first := true
	wait := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		var (
			batch Batch
			err   error
		)
		switch {
		case first || !wait:
			if !first {
				s.setState(StateSyncing)
			}
			batch, err = e.transport.Pull(ctx, s.target, s.tl.Watermark(), e.limit)
		case s.opts.Mode == ModeLongPoll:
			s.setState(StateWaitingForUpdate)
			batch, err = e.transport.LongPoll(ctx, s.target, s.tl.Watermark(), e.limit)
		default:
			s.setState(StateWaitingForUpdate)
			if !waitForChange(ctx, signal, s.opts.Interval) {
				return nil
			}
			s.setState(StateSyncing)
			batch, err = e.transport.Pull(ctx, s.target, s.tl.Watermark(), e.limit)
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if permanent(err) {
				return err
			}
			failures++
			if failures >= e.maxFailures && s.markReconnecting(true) {
				s.emit(Update{Reconnecting: true, Err: err})
			}
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				return err
			}
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		failures = 0
		bo.Reset()
		recovered := s.markReconnecting(false)
		first = false
		s.setState(StateSyncing)

		added := s.tl.merge(batch, e.codec)
		if len(added) > 0 || recovered {
			u := Update{Added: added}
			if len(added) > 0 {
				u.Unread = e.fetchUnread(ctx)
			}
			s.emit(u)
		}
		wait = len(batch.Messages) < e.limit
	}
}

// markReconnecting sets the flag and reports whether it changed.
func (s *session) markReconnecting(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnecting == v {
		return false
	}
	s.reconnecting = v
	return true
}

func waitForChange(ctx context.Context, signal <-chan struct{}, fallback time.Duration) bool {
	timer := time.NewTimer(fallback)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-signal:
		return true
	case <-timer.C:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
