package message

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Avicted/chatsync/internal/user"
	"github.com/google/uuid"
)

const (
	DefaultBatchLimit = 50
	MaxBatchLimit     = 100
	maxContentBytes   = 64 << 10
)

type Service struct {
	repo         Repository
	groups       GroupMembership
	notifier     Notifier
	idGen        func() string
	now          func() time.Time
	defaultLimit int
	maxLimit     int
}

func NewService(repo Repository, groups GroupMembership, notifier Notifier) *Service {
	return &Service{
		repo:         repo,
		groups:       groups,
		notifier:     notifier,
		idGen:        func() string { return uuid.NewString() },
		now:          time.Now,
		defaultLimit: DefaultBatchLimit,
		maxLimit:     MaxBatchLimit,
	}
}

// SetBatchLimits overrides the default and maximum batch sizes used by
// FetchSince. Non-positive values keep the current setting.
func (s *Service) SetBatchLimits(defaultLimit, maxLimit int) {
	if maxLimit > 0 {
		s.maxLimit = maxLimit
	}
	if defaultLimit > 0 {
		s.defaultLimit = defaultLimit
	}
	if s.defaultLimit > s.maxLimit {
		s.defaultLimit = s.maxLimit
	}
}

func (s *Service) ResolveConversation(ctx context.Context, caller, peer user.ID) (Conversation, error) {
	if s.repo == nil {
		return Conversation{}, errors.New("repository is required")
	}
	if caller == "" || peer == "" {
		return Conversation{}, fmt.Errorf("%w: both participants are required", ErrInvalidInput)
	}
	if caller == peer {
		return Conversation{}, fmt.Errorf("%w: cannot open a conversation with yourself", ErrInvalidInput)
	}
	low, high := PairKey(caller, peer)
	return s.repo.ResolveConversation(ctx, Conversation{
		ID:        s.idGen(),
		UserLow:   low,
		UserHigh:  high,
		CreatedAt: s.now().UTC(),
	})
}

func (s *Service) ListConversations(ctx context.Context, caller user.ID) ([]Conversation, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	if caller == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.ListConversations(ctx, caller)
}

// Append validates and stores a message, then notifies the delivery
// channel. The notification happens after the store acknowledged the write
// and never fails the call.
func (s *Service) Append(ctx context.Context, sender user.ID, req SendRequest) (Message, error) {
	if s.repo == nil {
		return Message{}, errors.New("repository is required")
	}
	if sender == "" {
		return Message{}, fmt.Errorf("%w: sender is required", ErrInvalidInput)
	}

	content := strings.TrimSpace(req.Content)
	attachment := strings.TrimSpace(req.AttachmentURL)
	if content == "" && attachment == "" {
		return Message{}, fmt.Errorf("%w: content or attachment is required", ErrInvalidInput)
	}
	if len(content) > maxContentBytes {
		return Message{}, fmt.Errorf("%w: content too large", ErrInvalidInput)
	}
	kind, err := ParseKind(req.Kind)
	if err != nil {
		return Message{}, err
	}

	hasTarget := !req.Target.IsZero()
	hasRecipient := req.RecipientID != ""
	if hasTarget == hasRecipient {
		return Message{}, fmt.Errorf("%w: exactly one of target or recipient is required", ErrInvalidInput)
	}

	target := req.Target
	if hasRecipient {
		conv, err := s.ResolveConversation(ctx, sender, req.RecipientID)
		if err != nil {
			return Message{}, err
		}
		target = conv.Target()
	} else if err := s.Authorize(ctx, sender, target); err != nil {
		return Message{}, err
	}

	stored, err := s.repo.Append(ctx, Message{
		SenderID:      sender,
		Target:        target,
		Content:       content,
		Kind:          kind,
		AttachmentURL: attachment,
		Obfuscated:    req.Obfuscated,
		CreatedAt:     s.now().UTC(),
	})
	if err != nil {
		return Message{}, err
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, stored)
	}
	return stored, nil
}

func (s *Service) FetchSince(ctx context.Context, caller user.ID, target Target, afterID ID, limit int) ([]Message, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	if err := s.Authorize(ctx, caller, target); err != nil {
		return nil, err
	}
	return s.FetchAuthorized(ctx, target, afterID, limit)
}

// FetchAuthorized skips the membership gate. Callers must have authorized
// the target already; long-poll uses it for its re-checks.
func (s *Service) FetchAuthorized(ctx context.Context, target Target, afterID ID, limit int) ([]Message, error) {
	if afterID < 0 {
		afterID = 0
	}
	return s.repo.FetchSince(ctx, target, afterID, s.clampLimit(limit))
}

func (s *Service) CountUnread(ctx context.Context, caller user.ID, target Target, ackID ID) (int, error) {
	if s.repo == nil {
		return 0, errors.New("repository is required")
	}
	if err := s.Authorize(ctx, caller, target); err != nil {
		return 0, err
	}
	if ackID < 0 {
		ackID = 0
	}
	return s.repo.CountSince(ctx, target, ackID, caller)
}

// Ack records that caller has read target up to id. Ids beyond the newest
// stored message are clamped and the stored watermark never moves back.
func (s *Service) Ack(ctx context.Context, caller user.ID, target Target, id ID) (ReadState, error) {
	if s.repo == nil {
		return ReadState{}, errors.New("repository is required")
	}
	if id <= 0 {
		return ReadState{}, fmt.Errorf("%w: message id must be positive", ErrInvalidInput)
	}
	if err := s.Authorize(ctx, caller, target); err != nil {
		return ReadState{}, err
	}
	last, err := s.repo.LastID(ctx, target)
	if err != nil {
		return ReadState{}, err
	}
	if id > last {
		id = last
	}
	state := ReadState{UserID: caller, Target: target, LastReadID: id, UpdatedAt: s.now().UTC()}
	if err := s.repo.Ack(ctx, state); err != nil {
		return ReadState{}, err
	}
	return state, nil
}

// Unread recomputes the caller's unread aggregate from the stored read
// watermarks. Nothing about the counts themselves is persisted.
func (s *Service) Unread(ctx context.Context, caller user.ID) (Unread, error) {
	if s.repo == nil {
		return Unread{}, errors.New("repository is required")
	}
	if caller == "" {
		return Unread{}, ErrInvalidInput
	}

	convs, err := s.repo.ListConversations(ctx, caller)
	if err != nil {
		return Unread{}, err
	}
	targets := make([]Target, 0, len(convs))
	for _, c := range convs {
		targets = append(targets, c.Target())
	}
	if s.groups != nil {
		groupIDs, err := s.groups.GroupIDsForUser(ctx, caller)
		if err != nil {
			return Unread{}, err
		}
		for _, id := range groupIDs {
			targets = append(targets, GroupTarget(id))
		}
	}

	acks, err := s.repo.ListAcks(ctx, caller)
	if err != nil {
		return Unread{}, err
	}
	lastRead := make(map[Target]ID, len(acks))
	for _, a := range acks {
		lastRead[a.Target] = a.LastReadID
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Key() < targets[j].Key() })

	var out Unread
	out.Targets = make([]UnreadCount, 0, len(targets))
	for _, t := range targets {
		count, err := s.repo.CountSince(ctx, t, lastRead[t], caller)
		if err != nil {
			return Unread{}, err
		}
		last, err := s.repo.LastID(ctx, t)
		if err != nil {
			return Unread{}, err
		}
		out.Targets = append(out.Targets, UnreadCount{Target: t, Count: count, LastReadID: lastRead[t], LastMessageID: last})
		out.Total += count
	}
	return out, nil
}

// Authorize gates every read and write. A target that does not exist is
// reported the same way as one the caller cannot see.
func (s *Service) Authorize(ctx context.Context, caller user.ID, target Target) error {
	if caller == "" {
		return fmt.Errorf("%w: caller is required", ErrInvalidInput)
	}
	if err := target.Validate(); err != nil {
		return err
	}

	switch target.Kind {
	case TargetConversation:
		conv, err := s.repo.GetConversation(ctx, target.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrForbidden
			}
			return err
		}
		if !conv.Has(caller) {
			return ErrForbidden
		}
	case TargetGroup:
		if s.groups == nil {
			return ErrForbidden
		}
		ok, err := s.groups.IsMember(ctx, target.ID, caller)
		if err != nil {
			return err
		}
		if !ok {
			return ErrForbidden
		}
	}
	return nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}
