// Package pull serves the cursor protocol: a client names the last message
// id it has for a target and receives everything after it. The long-poll
// variant holds the request open until something arrives or the timeout
// passes. Both end in the same fetch.
package pull

import (
	"context"
	"time"

	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/metrics"
	"github.com/Avicted/chatsync/internal/user"
)

const (
	DefaultInterval = time.Second
	DefaultTimeout  = 30 * time.Second
)

// Fetcher is the slice of message.Service the protocol needs.
type Fetcher interface {
	Authorize(ctx context.Context, caller user.ID, target message.Target) error
	FetchAuthorized(ctx context.Context, target message.Target, afterID message.ID, limit int) ([]message.Message, error)
}

// Waker signals that a target may have changed. The returned channel is
// closed on the next change; cancel releases the registration.
type Waker interface {
	Wait(target message.Target) (<-chan struct{}, func())
}

type Batch struct {
	Target    message.Target
	Messages  []message.Message
	Watermark message.ID
	TimedOut  bool
}

type Option func(*Protocol)

func WithInterval(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithWaker lets a change signal trigger a re-check ahead of the interval.
func WithWaker(w Waker) Option {
	return func(p *Protocol) { p.waker = w }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Protocol) { p.metrics = m }
}

type Protocol struct {
	fetcher  Fetcher
	waker    Waker
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(fetcher Fetcher, opts ...Option) *Protocol {
	p := &Protocol{
		fetcher:  fetcher,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Protocol) Timeout() time.Duration {
	return p.timeout
}

// Pull returns whatever is stored after afterID right now, possibly nothing.
func (p *Protocol) Pull(ctx context.Context, caller user.ID, target message.Target, afterID message.ID, limit int) (Batch, error) {
	if err := p.fetcher.Authorize(ctx, caller, target); err != nil {
		return Batch{}, err
	}
	p.metrics.Pull(metrics.ModePull)
	return p.fetch(ctx, target, afterID, limit)
}

// LongPoll blocks until a non-empty batch is available, the timeout passes
// (an empty batch with TimedOut set), or ctx is done. Authorization happens
// once; every re-check is an independent fetch and nothing is held between
// them.
func (p *Protocol) LongPoll(ctx context.Context, caller user.ID, target message.Target, afterID message.ID, limit int) (Batch, error) {
	if err := p.fetcher.Authorize(ctx, caller, target); err != nil {
		return Batch{}, err
	}
	p.metrics.Pull(metrics.ModeLongPoll)

	started := p.now()
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		var wake <-chan struct{}
		release := func() {}
		if p.waker != nil {
			wake, release = p.waker.Wait(target)
		}

		batch, err := p.fetch(ctx, target, afterID, limit)
		if err != nil || len(batch.Messages) > 0 {
			release()
			if err == nil {
				p.metrics.LongPollDone(p.now().Sub(started), false)
			}
			return batch, err
		}

		select {
		case <-ctx.Done():
			release()
			return Batch{}, ctx.Err()
		case <-deadline.C:
			release()
			batch.TimedOut = true
			p.metrics.LongPollDone(p.now().Sub(started), true)
			return batch, nil
		case <-ticker.C:
		case <-wake:
		}
		release()
	}
}

func (p *Protocol) fetch(ctx context.Context, target message.Target, afterID message.ID, limit int) (Batch, error) {
	if afterID < 0 {
		afterID = 0
	}
	msgs, err := p.fetcher.FetchAuthorized(ctx, target, afterID, limit)
	if err != nil {
		return Batch{}, err
	}
	batch := Batch{Target: target, Messages: msgs, Watermark: afterID}
	for _, m := range msgs {
		if m.ID > batch.Watermark {
			batch.Watermark = m.ID
		}
	}
	return batch, nil
}
