package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/pull"
	"github.com/Avicted/chatsync/internal/user"
)

type conversationRequest struct {
	PeerID user.ID `json:"peer_id" validate:"required,max=128"`
}

type conversationResponse struct {
	ConversationID string  `json:"conversation_id"`
	PeerID         user.ID `json:"peer_id"`
	PeerUsername   string  `json:"peer_username"`
	CreatedAt      string  `json:"created_at"`
}

type listConversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	if h.messages == nil || h.users == nil {
		writeError(w, http.StatusInternalServerError, errors.New("message service not configured"))
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var req conversationRequest
		if err := h.decodeValid(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		peer, err := h.users.Profile(r.Context(), req.PeerID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if peer.Username == "" {
			writeError(w, http.StatusNotFound, user.ErrNotFound)
			return
		}
		conv, err := h.messages.ResolveConversation(r.Context(), session.UserID, req.PeerID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, conversationResponse{
			ConversationID: conv.ID,
			PeerID:         req.PeerID,
			PeerUsername:   peer.Username,
			CreatedAt:      conv.CreatedAt.UTC().Format(timeLayout),
		})
	case http.MethodGet:
		convs, err := h.messages.ListConversations(r.Context(), session.UserID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		names := newNameCache(h.users)
		resp := listConversationsResponse{Conversations: make([]conversationResponse, 0, len(convs))}
		for _, conv := range convs {
			peer := conv.Peer(session.UserID)
			resp.Conversations = append(resp.Conversations, conversationResponse{
				ConversationID: conv.ID,
				PeerID:         peer,
				PeerUsername:   names.lookup(r.Context(), peer),
				CreatedAt:      conv.CreatedAt.UTC().Format(timeLayout),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type sendMessageRequest struct {
	TargetKind    string  `json:"target_kind" validate:"omitempty,oneof=conversation group"`
	TargetID      string  `json:"target_id" validate:"omitempty,max=128"`
	RecipientID   user.ID `json:"recipient_id" validate:"omitempty,max=128"`
	Content       string  `json:"content" validate:"max=65536"`
	Kind          string  `json:"kind" validate:"omitempty,oneof=text image file"`
	AttachmentURL string  `json:"attachment_url" validate:"omitempty,max=2048"`
	Obfuscated    bool    `json:"obfuscated"`
}

type senderResponse struct {
	ID       user.ID `json:"id"`
	Username string  `json:"username"`
}

type sendMessageResponse struct {
	MessageID message.ID     `json:"message_id"`
	Target    message.Target `json:"target"`
	Sender    senderResponse `json:"sender"`
	SentAt    string         `json:"sent_at"`
}

type messageResponse struct {
	ID            message.ID     `json:"id"`
	Target        message.Target `json:"target"`
	Sender        senderResponse `json:"sender"`
	Content       string         `json:"content"`
	Kind          message.Kind   `json:"kind"`
	AttachmentURL string         `json:"attachment_url,omitempty"`
	Obfuscated    bool           `json:"obfuscated"`
	IsMine        bool           `json:"is_mine"`
	SentAt        string         `json:"sent_at"`
}

type batchResponse struct {
	Target    message.Target    `json:"target"`
	Messages  []messageResponse `json:"messages"`
	Watermark message.ID        `json:"watermark"`
	Timeout   bool              `json:"timeout,omitempty"`
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleSend(w, r)
	case http.MethodGet:
		h.handleFetch(w, r, false)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.handleFetch(w, r, true)
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	if h.messages == nil || h.users == nil {
		writeError(w, http.StatusInternalServerError, errors.New("message service not configured"))
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if !h.limiter.Allow(string(session.UserID)) {
		writeError(w, http.StatusTooManyRequests, errRateLimited)
		return
	}

	var req sendMessageRequest
	if err := h.decodeValid(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sendReq := message.SendRequest{
		RecipientID:   req.RecipientID,
		Content:       req.Content,
		Kind:          req.Kind,
		AttachmentURL: req.AttachmentURL,
		Obfuscated:    req.Obfuscated,
	}
	if req.TargetKind != "" || req.TargetID != "" {
		target, err := message.ParseTarget(req.TargetKind, req.TargetID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sendReq.Target = target
	}
	if sendReq.RecipientID != "" && sendReq.Target.IsZero() {
		if _, err := h.users.GetByID(r.Context(), sendReq.RecipientID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}

	msg, err := h.messages.Append(r.Context(), session.UserID, sendReq)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, sendMessageResponse{
		MessageID: msg.ID,
		Target:    msg.Target,
		Sender:    senderResponse{ID: session.UserID, Username: session.Username},
		SentAt:    msg.CreatedAt.UTC().Format(timeLayout),
	})
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request, wait bool) {
	if h.protocol == nil || h.users == nil {
		writeError(w, http.StatusInternalServerError, errors.New("pull protocol not configured"))
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	q := r.URL.Query()
	target, err := message.ParseTarget(q.Get("target_kind"), q.Get("target_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	afterID, err := parseIntParam(q.Get("after_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("after_id: %w", err))
		return
	}
	limit, err := parseIntParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
		return
	}

	var batch pull.Batch
	if wait {
		batch, err = h.protocol.LongPoll(r.Context(), session.UserID, target, message.ID(afterID), int(limit))
	} else {
		batch, err = h.protocol.Pull(r.Context(), session.UserID, target, message.ID(afterID), int(limit))
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	names := newNameCache(h.users)
	resp := batchResponse{
		Target:    batch.Target,
		Messages:  make([]messageResponse, 0, len(batch.Messages)),
		Watermark: batch.Watermark,
		Timeout:   batch.TimedOut,
	}
	for _, msg := range batch.Messages {
		resp.Messages = append(resp.Messages, messageResponse{
			ID:            msg.ID,
			Target:        msg.Target,
			Sender:        senderResponse{ID: msg.SenderID, Username: names.lookup(r.Context(), msg.SenderID)},
			Content:       msg.Content,
			Kind:          msg.Kind,
			AttachmentURL: msg.AttachmentURL,
			Obfuscated:    msg.Obfuscated,
			IsMine:        msg.SenderID == session.UserID,
			SentAt:        msg.CreatedAt.UTC().Format(timeLayout),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type readRequest struct {
	TargetKind string     `json:"target_kind" validate:"required,oneof=conversation group"`
	TargetID   string     `json:"target_id" validate:"required,max=128"`
	MessageID  message.ID `json:"message_id" validate:"gte=0"`
}

type readResponse struct {
	Target     message.Target `json:"target"`
	LastReadID message.ID     `json:"last_read_id"`
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.messages == nil {
		writeError(w, http.StatusInternalServerError, errors.New("message service not configured"))
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var req readRequest
	if err := h.decodeValid(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := message.ParseTarget(req.TargetKind, req.TargetID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	state, err := h.messages.Ack(r.Context(), session.UserID, target, req.MessageID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, readResponse{Target: state.Target, LastReadID: state.LastReadID})
}

type unreadTargetResponse struct {
	Target        message.Target `json:"target"`
	Count         int            `json:"count"`
	LastReadID    message.ID     `json:"last_read_id"`
	LastMessageID message.ID     `json:"last_message_id"`
}

type unreadResponse struct {
	Total   int                    `json:"total"`
	Targets []unreadTargetResponse `json:"targets"`
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.messages == nil {
		writeError(w, http.StatusInternalServerError, errors.New("message service not configured"))
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	unread, err := h.messages.Unread(r.Context(), session.UserID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp := unreadResponse{Total: unread.Total, Targets: make([]unreadTargetResponse, 0, len(unread.Targets))}
	for _, c := range unread.Targets {
		resp.Targets = append(resp.Targets, unreadTargetResponse{
			Target:        c.Target,
			Count:         c.Count,
			LastReadID:    c.LastReadID,
			LastMessageID: c.LastMessageID,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseIntParam(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: not an integer", message.ErrInvalidInput)
	}
	return v, nil
}

// nameCache resolves sender usernames once per response.
type nameCache struct {
	users *user.Service
	names map[user.ID]string
}

func newNameCache(users *user.Service) *nameCache {
	return &nameCache{users: users, names: make(map[user.ID]string)}
}

func (c *nameCache) lookup(ctx context.Context, id user.ID) string {
	if name, ok := c.names[id]; ok {
		return name
	}
	name := ""
	if profile, err := c.users.Profile(ctx, id); err == nil {
		name = profile.Username
	}
	c.names[id] = name
	return name
}
