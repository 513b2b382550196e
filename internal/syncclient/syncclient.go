// Package syncclient keeps a client's view of its conversations and
// groups in sync with the server. One Engine runs at most one pull loop
// per target, merges batches without duplicates and renders sends
// optimistically until the server confirms or rejects them.
package syncclient

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/chatsync/internal/auth"
	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/user"
)

type State int

const (
	StateClosed State = iota
	StateSubscribing
	StateSyncing
	StateWaitingForUpdate
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateSubscribing:
		return "subscribing"
	case StateSyncing:
		return "syncing"
	case StateWaitingForUpdate:
		return "waiting_for_update"
	}
	return "unknown"
}

// Mode selects how a session waits for new messages between pulls.
type Mode int

const (
	// ModeLongPoll parks a blocking pull on the server.
	ModeLongPoll Mode = iota
	// ModePush waits for a change signal and then pulls. A fallback
	// interval pull covers lost signals.
	ModePush
	// ModeInterval pulls on a fixed interval.
	ModeInterval
)

// RemoteMessage is a stored message as the server renders it for the
// caller.
type RemoteMessage struct {
	message.Message
	SenderName string
	IsMine     bool
}

type Batch struct {
	Target    message.Target
	Messages  []RemoteMessage
	Watermark message.ID
	TimedOut  bool
}

// Receipt is the server's acknowledgement of a send.
type Receipt struct {
	ID         message.ID
	Target     message.Target
	SenderName string
	SentAt     time.Time
}

// Transport carries the engine's calls to the server.
type Transport interface {
	Pull(ctx context.Context, target message.Target, afterID message.ID, limit int) (Batch, error)
	LongPoll(ctx context.Context, target message.Target, afterID message.ID, limit int) (Batch, error)
	Send(ctx context.Context, req message.SendRequest) (Receipt, error)
	Ack(ctx context.Context, target message.Target, id message.ID) error
}

// Signals delivers change signals for targets. The returned channel
// receives a value whenever the target may have new messages; release
// stops delivery.
type Signals interface {
	Subscribe(ctx context.Context, target message.Target) (<-chan struct{}, func(), error)
}

// UnreadSource is implemented by transports that can report unread counts.
type UnreadSource interface {
	Unread(ctx context.Context) (message.Unread, error)
}

// Update is handed to a session's handler. Only the fields relevant to
// the event are set; Timeline is always the full current view.
type Update struct {
	Target       message.Target
	State        State
	Added        []Entry
	Pending      []Entry
	Confirmed    []Entry
	RolledBack   []Entry
	Timeline     []Entry
	Unread       *message.Unread
	Reconnecting bool
	Err          error
}

// Handler receives updates for one session. Calls are serialized. A
// handler must not block and must not call back into the Engine.
type Handler func(Update)

type StartOptions struct {
	Mode Mode
	// Interval is the pull interval for ModeInterval and the fallback
	// interval for ModePush.
	Interval time.Duration
}

type SendOptions struct {
	Kind          message.Kind
	AttachmentURL string
	Obfuscate     bool
}

var ErrNotStarted = errors.New("no active sync for target")

// permanent reports errors that end a pull loop instead of being retried.
func permanent(err error) bool {
	return errors.Is(err, message.ErrForbidden) ||
		errors.Is(err, message.ErrInvalidInput) ||
		errors.Is(err, message.ErrNotFound) ||
		errors.Is(err, auth.ErrUnauthorized) ||
		errors.Is(err, auth.ErrTokenExpired) ||
		errors.Is(err, user.ErrNotFound)
}
