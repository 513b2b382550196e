// Package fanout maps targets to the live subscribers that want to hear
// about new messages. Delivery is best effort: a subscriber that cannot
// accept a notice right away loses it and catches up on its next pull.
package fanout

import (
	"context"
	"sync"

	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/metrics"
	"github.com/Avicted/chatsync/internal/user"
)

// Notice says that target has a message with id MessageID. It carries no
// content; receivers pull.
type Notice struct {
	Target    message.Target
	MessageID message.ID
	SenderID  user.ID
}

// Subscriber receives notices. Notify must not block and reports whether
// the notice was accepted.
type Subscriber interface {
	UserID() user.ID
	Notify(n Notice) bool
}

type Option func(*Registry)

// WithSelfEcho delivers notices to the sender's own subscribers too.
func WithSelfEcho(enabled bool) Option {
	return func(r *Registry) { r.selfEcho = enabled }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

type Registry struct {
	mu   sync.RWMutex
	subs map[message.Target]map[Subscriber]struct{}

	waitMu  sync.Mutex
	waiters map[message.Target]map[*waiter]struct{}

	selfEcho bool
	metrics  *metrics.Metrics
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		subs:    make(map[message.Target]map[Subscriber]struct{}),
		waiters: make(map[message.Target]map[*waiter]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers sub for target and returns a func that removes it.
// Subscribing twice is a no-op.
func (r *Registry) Subscribe(target message.Target, sub Subscriber) func() {
	r.mu.Lock()
	set := r.subs[target]
	if set == nil {
		set = make(map[Subscriber]struct{})
		r.subs[target] = set
	}
	_, exists := set[sub]
	set[sub] = struct{}{}
	r.mu.Unlock()

	if !exists {
		r.metrics.SubscribersChanged(1)
	}
	return func() { r.Unsubscribe(target, sub) }
}

func (r *Registry) Unsubscribe(target message.Target, sub Subscriber) {
	r.mu.Lock()
	removed := r.removeLocked(target, sub)
	r.mu.Unlock()
	if removed {
		r.metrics.SubscribersChanged(-1)
	}
}

// UnsubscribeAll drops every registration held by sub.
func (r *Registry) UnsubscribeAll(sub Subscriber) {
	removed := 0
	r.mu.Lock()
	for target := range r.subs {
		if r.removeLocked(target, sub) {
			removed++
		}
	}
	r.mu.Unlock()
	if removed > 0 {
		r.metrics.SubscribersChanged(-removed)
	}
}

func (r *Registry) removeLocked(target message.Target, sub Subscriber) bool {
	set := r.subs[target]
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.subs, target)
	}
	return true
}

func (r *Registry) Count(target message.Target) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[target])
}

// Broadcast hands n to every subscriber of its target and wakes pending
// waiters. It returns the number of subscribers that accepted the notice.
func (r *Registry) Broadcast(n Notice) int {
	r.wake(n.Target)

	r.mu.RLock()
	set := r.subs[n.Target]
	snapshot := make([]Subscriber, 0, len(set))
	for sub := range set {
		if !r.selfEcho && n.SenderID != "" && sub.UserID() == n.SenderID {
			continue
		}
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range snapshot {
		if sub.Notify(n) {
			delivered++
			r.metrics.NoticeSent()
		} else {
			r.metrics.NoticeDropped()
		}
	}
	return delivered
}

// Notify implements message.Notifier.
func (r *Registry) Notify(_ context.Context, msg message.Message) {
	r.metrics.MessageAppended()
	r.Broadcast(Notice{Target: msg.Target, MessageID: msg.ID, SenderID: msg.SenderID})
}

type waiter struct {
	ch   chan struct{}
	once sync.Once
}

func (w *waiter) fire() {
	w.once.Do(func() { close(w.ch) })
}

// Wait returns a channel closed by the next broadcast on target, and a
// cancel func that must be called once the caller stops waiting.
func (r *Registry) Wait(target message.Target) (<-chan struct{}, func()) {
	w := &waiter{ch: make(chan struct{})}
	r.waitMu.Lock()
	set := r.waiters[target]
	if set == nil {
		set = make(map[*waiter]struct{})
		r.waiters[target] = set
	}
	set[w] = struct{}{}
	r.waitMu.Unlock()

	return w.ch, func() {
		r.waitMu.Lock()
		if set := r.waiters[target]; set != nil {
			delete(set, w)
			if len(set) == 0 {
				delete(r.waiters, target)
			}
		}
		r.waitMu.Unlock()
	}
}

func (r *Registry) wake(target message.Target) {
	r.waitMu.Lock()
	set := r.waiters[target]
	delete(r.waiters, target)
	r.waitMu.Unlock()

	for w := range set {
		w.fire()
	}
}
