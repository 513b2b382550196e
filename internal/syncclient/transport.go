package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Avicted/chatsync/internal/auth"
	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/user"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultPollWait       = 60 * time.Second
)

// HTTPTransport talks to the chatsync HTTP API.
type HTTPTransport struct {
	serverURL      string
	httpClient     *http.Client
	token          string
	requestTimeout time.Duration
	pollWait       time.Duration
}

// NewHTTPTransport returns a transport for serverURL. A nil client uses a
// fresh http.Client; per-request deadlines come from the transport so
// long polls are not cut short by a client-wide timeout.
func NewHTTPTransport(serverURL, token string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		serverURL:      strings.TrimRight(serverURL, "/"),
		httpClient:     client,
		token:          token,
		requestTimeout: defaultRequestTimeout,
		pollWait:       defaultPollWait,
	}
}

// SetPollWait bounds how long a long poll may stay open. It must exceed
// the server's poll timeout.
func (c *HTTPTransport) SetPollWait(d time.Duration) {
	if d > 0 {
		c.pollWait = d
	}
}

func (c *HTTPTransport) Token() string {
	return c.token
}

type authResponse struct {
	Token     string  `json:"token"`
	UserID    user.ID `json:"user_id"`
	Username  string  `json:"username"`
	ExpiresAt string  `json:"expires_at"`
}

// Identity is the signed-in user.
type Identity struct {
	UserID    user.ID
	Username  string
	ExpiresAt time.Time
}

func (c *HTTPTransport) Register(ctx context.Context, username, password string) (Identity, error) {
	return c.authenticate(ctx, "/auth/register", username, password)
}

func (c *HTTPTransport) Login(ctx context.Context, username, password string) (Identity, error) {
	return c.authenticate(ctx, "/auth/login", username, password)
}

// Logout revokes the current token. It is a no-op when signed out.
func (c *HTTPTransport) Logout(ctx context.Context) error {
	if c.token == "" {
		return nil
	}
	if err := c.doJSON(ctx, c.requestTimeout, http.MethodPost, "/auth/logout", nil, nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

func (c *HTTPTransport) authenticate(ctx context.Context, path, username, password string) (Identity, error) {
	body := map[string]string{"username": username, "password": password}
	var resp authResponse
	if err := c.doJSON(ctx, c.requestTimeout, http.MethodPost, path, body, &resp); err != nil {
		return Identity{}, err
	}
	c.token = resp.Token
	expires, _ := time.Parse(time.RFC3339Nano, resp.ExpiresAt)
	return Identity{UserID: resp.UserID, Username: resp.Username, ExpiresAt: expires}, nil
}

type userResponse struct {
	ID       user.ID `json:"id"`
	Username string  `json:"username"`
}

// LookupUser resolves username to a user id.
func (c *HTTPTransport) LookupUser(ctx context.Context, username string) (user.ID, error) {
	q := url.Values{}
	q.Set("username", username)
	var resp userResponse
	if err := c.doJSON(ctx, c.requestTimeout, http.MethodGet, "/users?"+q.Encode(), nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type conversationResponse struct {
	ConversationID string  `json:"conversation_id"`
	PeerID         user.ID `json:"peer_id"`
	PeerUsername   string  `json:"peer_username"`
	CreatedAt      string  `json:"created_at"`
}

// ConversationInfo describes a private conversation from the caller's side.
type ConversationInfo struct {
	Target       message.Target
	PeerID       user.ID
	PeerUsername string
}

func (r conversationResponse) info() ConversationInfo {
	return ConversationInfo{
		Target:       message.ConversationTarget(r.ConversationID),
		PeerID:       r.PeerID,
		PeerUsername: r.PeerUsername,
	}
}

// ResolveConversation returns the conversation with peer, creating it on
// first contact.
func (c *HTTPTransport) ResolveConversation(ctx context.Context, peer user.ID) (ConversationInfo, error) {
	var resp conversationResponse
	if err := c.doJSON(ctx, c.requestTimeout, http.MethodPost, "/conversations", map[string]user.ID{"peer_id": peer}, &resp); err != nil {
		return ConversationInfo{}, err
	}
	return resp.info(), nil
}

func (c *HTTPTransport) Conversations(ctx context.Context) ([]ConversationInfo, error) {
	var resp struct {
		Conversations []conversationResponse `json:"conversations"`
	}
	if err := c.doJSON(ctx, c.requestTimeout, http.MethodGet, "/conversations", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]ConversationInfo, 0, len(resp.Conversations))
	for _, conv := range resp.Conversations {
		out = append(out, conv.info())
	}
	return out, nil
}

// GroupInfo is a group the caller belongs to.
type GroupInfo struct {
	ID          string
	Name        string
	MemberCount int
}

func (c *HTTPTransport) Groups(ctx context.Context) ([]GroupInfo, error) {
	var resp struct {
		Groups []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			MemberCount int    `json:"member_count"`
		} `json:"groups"`
	}
	if err := c.doJSON(ctx, c.requestTimeout, http.MethodGet, "/groups", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]GroupInfo, 0, len(resp.Groups))
	for _, g := range resp.Groups {
		out = append(out, GroupInfo{ID: g.ID, Name: g.Name, MemberCount: g.MemberCount})
	}
	return out, nil
}

type senderResponse struct {
	ID       user.ID `json:"id"`
	Username string  `json:"username"`
}

type messageResponse struct {
	ID            message.ID     `json:"id"`
	Target        message.Target `json:"target"`
	Sender        senderResponse `json:"sender"`
	Content       string         `json:"content"`
	Kind          message.Kind   `json:"kind"`
	AttachmentURL string         `json:"attachment_url"`
	Obfuscated    bool           `json:"obfuscated"`
	IsMine        bool           `json:"is_mine"`
	SentAt        string         `json:"sent_at"`
}

type batchResponse struct {
	Target    message.Target    `json:"target"`
	Messages  []messageResponse `json:"messages"`
	Watermark message.ID        `json:"watermark"`
	Timeout   bool              `json:"timeout"`
}

func (c *HTTPTransport) Pull(ctx context.Context, target message.Target, afterID message.ID, limit int) (Batch, error) {
	return c.fetch(ctx, c.requestTimeout, "/messages", target, afterID, limit)
}

// LongPoll parks on the server until a message arrives or the server's
// timeout elapses. A poll cut short by the client's own wait bound reads
// as an empty timed-out batch, not a failure.
func (c *HTTPTransport) LongPoll(ctx context.Context, target message.Target, afterID message.ID, limit int) (Batch, error) {
	batch, err := c.fetch(ctx, c.pollWait, "/messages/poll", target, afterID, limit)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return Batch{Target: target, Watermark: afterID, TimedOut: true}, nil
	}
	return batch, err
}

func (c *HTTPTransport) fetch(ctx context.Context, timeout time.Duration, path string, target message.Target, afterID message.ID, limit int) (Batch, error) {
	q := url.Values{}
	q.Set("target_kind", string(target.Kind))
	q.Set("target_id", target.ID)
	q.Set("after_id", strconv.FormatInt(int64(afterID), 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp batchResponse
	if err := c.doJSON(ctx, timeout, http.MethodGet, path+"?"+q.Encode(), nil, &resp); err != nil {
		return Batch{}, err
	}

	batch := Batch{
		Target:    resp.Target,
		Messages:  make([]RemoteMessage, 0, len(resp.Messages)),
		Watermark: resp.Watermark,
		TimedOut:  resp.Timeout,
	}
	if batch.Target.IsZero() {
		batch.Target = target
	}
	for _, m := range resp.Messages {
		sentAt, _ := time.Parse(time.RFC3339Nano, m.SentAt)
		batch.Messages = append(batch.Messages, RemoteMessage{
			Message: message.Message{
				ID:            m.ID,
				SenderID:      m.Sender.ID,
				Target:        m.Target,
				Content:       m.Content,
				Kind:          m.Kind,
				AttachmentURL: m.AttachmentURL,
				Obfuscated:    m.Obfuscated,
				CreatedAt:     sentAt,
			},
			SenderName: m.Sender.Username,
			IsMine:     m.IsMine,
		})
	}
	return batch, nil
}

type sendMessageRequest struct {
	TargetKind    string  `json:"target_kind,omitempty"`
	TargetID      string  `json:"target_id,omitempty"`
	RecipientID   user.ID `json:"recipient_id,omitempty"`
	Content       string  `json:"content"`
	Kind          string  `json:"kind,omitempty"`
	AttachmentURL string  `json:"attachment_url,omitempty"`
	Obfuscated    bool    `json:"obfuscated"`
}

type sendMessageResponse struct {
	MessageID message.ID     `json:"message_id"`
	Target    message.Target `json:"target"`
	Sender    senderResponse `json:"sender"`
	SentAt    string         `json:"sent_at"`
}

func (c *HTTPTransport) Send(ctx context.Context, req message.SendRequest) (Receipt, error) {
	body := sendMessageRequest{
		TargetKind:    string(req.Target.Kind),
		TargetID:      req.Target.ID,
		RecipientID:   req.RecipientID,
		Content:       req.Content,
		Kind:          req.Kind,
		AttachmentURL: req.AttachmentURL,
		Obfuscated:    req.Obfuscated,
	}
	var resp sendMessageResponse
	if err := c.doJSON(ctx, c.requestTimeout, http.MethodPost, "/messages", body, &resp); err != nil {
		return Receipt{}, err
	}
	sentAt, _ := time.Parse(time.RFC3339Nano, resp.SentAt)
	return Receipt{ID: resp.MessageID, Target: resp.Target, SenderName: resp.Sender.Username, SentAt: sentAt}, nil
}

func (c *HTTPTransport) Ack(ctx context.Context, target message.Target, id message.ID) error {
	body := map[string]any{
		"target_kind": string(target.Kind),
		"target_id":   target.ID,
		"message_id":  id,
	}
	return c.doJSON(ctx, c.requestTimeout, http.MethodPost, "/messages/read", body, nil)
}

func (c *HTTPTransport) Unread(ctx context.Context) (message.Unread, error) {
	var resp struct {
		Total   int `json:"total"`
		Targets []struct {
			Target        message.Target `json:"target"`
			Count         int            `json:"count"`
			LastReadID    message.ID     `json:"last_read_id"`
			LastMessageID message.ID     `json:"last_message_id"`
		} `json:"targets"`
	}
	if err := c.doJSON(ctx, c.requestTimeout, http.MethodGet, "/unread", nil, &resp); err != nil {
		return message.Unread{}, err
	}
	out := message.Unread{Total: resp.Total, Targets: make([]message.UnreadCount, 0, len(resp.Targets))}
	for _, t := range resp.Targets {
		out.Targets = append(out.Targets, message.UnreadCount{
			Target:        t.Target,
			Count:         t.Count,
			LastReadID:    t.LastReadID,
			LastMessageID: t.LastMessageID,
		})
	}
	return out, nil
}

type apiError struct {
	Error string `json:"error"`
}

func (c *HTTPTransport) doJSON(ctx context.Context, timeout time.Duration, method, path string, payload any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := bytes.NewReader(nil)
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return fmt.Errorf("%w: request failed: %v", message.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return statusError(resp.StatusCode, apiErr.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError maps an API status onto the domain errors the engine uses
// to decide between retrying and giving up.
func statusError(status int, text string) error {
	if text == "" {
		text = http.StatusText(status)
	}
	var base error
	switch {
	case status == http.StatusBadRequest:
		base = message.ErrInvalidInput
	case status == http.StatusUnauthorized:
		base = auth.ErrUnauthorized
	case status == http.StatusForbidden:
		base = message.ErrForbidden
	case status == http.StatusNotFound:
		base = message.ErrNotFound
	case status == http.StatusConflict:
		base = user.ErrExists
	case status == http.StatusTooManyRequests || status >= 500:
		base = message.ErrUnavailable
	default:
		return fmt.Errorf("server returned %d: %s", status, text)
	}
	return fmt.Errorf("%w: server: %s", base, text)
}
