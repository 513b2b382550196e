package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Avicted/chatsync/internal/user"
)

// ID is assigned by the store on insert. Within a target, id order is the
// canonical delivery order.
type ID int64

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", KindText:
		return KindText, nil
	case KindImage:
		return KindImage, nil
	case KindFile:
		return KindFile, nil
	}
	return "", fmt.Errorf("%w: unknown message kind %q", ErrInvalidInput, raw)
}

type TargetKind string

const (
	TargetConversation TargetKind = "conversation"
	TargetGroup        TargetKind = "group"
)

// Target addresses a message: a private conversation or a group, never both.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

func ConversationTarget(id string) Target {
	return Target{Kind: TargetConversation, ID: id}
}

func GroupTarget(id string) Target {
	return Target{Kind: TargetGroup, ID: id}
}

func ParseTarget(kind, id string) (Target, error) {
	t := Target{Kind: TargetKind(strings.ToLower(strings.TrimSpace(kind))), ID: strings.TrimSpace(id)}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

func (t Target) IsZero() bool {
	return t.Kind == "" && t.ID == ""
}

func (t Target) Validate() error {
	if t.Kind != TargetConversation && t.Kind != TargetGroup {
		return fmt.Errorf("%w: unknown target kind %q", ErrInvalidInput, t.Kind)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}
	return nil
}

// Key is a stable string form used for map keys and lock names.
func (t Target) Key() string {
	return string(t.Kind) + ":" + t.ID
}

func (t Target) String() string {
	return t.Key()
}

type Message struct {
	ID            ID
	SenderID      user.ID
	Target        Target
	Content       string
	Kind          Kind
	AttachmentURL string
	Obfuscated    bool
	CreatedAt     time.Time
}

// Conversation is a private two-party thread. UserLow < UserHigh always
// holds, so the pair has exactly one representation.
type Conversation struct {
	ID        string
	UserLow   user.ID
	UserHigh  user.ID
	CreatedAt time.Time
}

func (c Conversation) Has(id user.ID) bool {
	return id != "" && (c.UserLow == id || c.UserHigh == id)
}

// Peer returns the other participant, or "" if id is not a participant.
func (c Conversation) Peer(id user.ID) user.ID {
	switch id {
	case c.UserLow:
		return c.UserHigh
	case c.UserHigh:
		return c.UserLow
	}
	return ""
}

func (c Conversation) Target() Target {
	return ConversationTarget(c.ID)
}

// PairKey orders two participant ids so (a, b) and (b, a) map to the same key.
func PairKey(a, b user.ID) (user.ID, user.ID) {
	if b < a {
		return b, a
	}
	return a, b
}

// SendRequest names exactly one of Target or RecipientID. A recipient
// resolves (or lazily creates) the private conversation with the sender.
type SendRequest struct {
	Target        Target
	RecipientID   user.ID
	Content       string
	Kind          string
	AttachmentURL string
	Obfuscated    bool
}

// ReadState is the highest message id a user acknowledged for a target.
type ReadState struct {
	UserID     user.ID
	Target     Target
	LastReadID ID
	UpdatedAt  time.Time
}

type UnreadCount struct {
	Target        Target
	Count         int
	LastReadID    ID
	LastMessageID ID
}

type Unread struct {
	Total   int
	Targets []UnreadCount
}

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrUnavailable  = errors.New("store unavailable")
	ErrTimeout      = errors.New("timed out waiting for messages")
)

type Repository interface {
	ResolveConversation(ctx context.Context, conv Conversation) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, userID user.ID) ([]Conversation, error)
	Append(ctx context.Context, msg Message) (Message, error)
	FetchSince(ctx context.Context, target Target, afterID ID, limit int) ([]Message, error)
	CountSince(ctx context.Context, target Target, afterID ID, exclude user.ID) (int, error)
	LastID(ctx context.Context, target Target) (ID, error)
	Ack(ctx context.Context, state ReadState) error
	ListAcks(ctx context.Context, userID user.ID) ([]ReadState, error)
}

// Notifier is told about every stored message. Implementations must not
// block the writer.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// GroupMembership answers membership questions for group targets.
type GroupMembership interface {
	IsMember(ctx context.Context, groupID string, userID user.ID) (bool, error)
	GroupIDsForUser(ctx context.Context, userID user.ID) ([]string, error)
}
