// Package ws is the push half of push-then-pull. A connected client
// subscribes to targets and receives a small "target.changed" frame for
// every new message; the frame carries no content, so the client pulls.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Avicted/chatsync/internal/auth"
	"github.com/Avicted/chatsync/internal/fanout"
	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/securelog"
	"github.com/Avicted/chatsync/internal/user"
	"github.com/go-playground/validator/v10"
	"nhooyr.io/websocket"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

const (
	typeSubscribe     = "subscribe"
	typeUnsubscribe   = "unsubscribe"
	typeSubscribed    = "subscribed"
	typeUnsubscribed  = "unsubscribed"
	typeTargetChanged = "target.changed"
	typeError         = "error"
)

// Authorizer decides whether a user may watch a target.
type Authorizer interface {
	Authorize(ctx context.Context, caller user.ID, target message.Target) error
}

type Hub struct {
	register   chan *Client
	unregister chan *Client
	incoming   chan incomingMessage
	done       chan struct{}
	clients    map[*Client]struct{}
	registry   *fanout.Registry
	authz      Authorizer
	count      atomic.Int64
}

func NewHub(registry *fanout.Registry, authz Authorizer) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan incomingMessage, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		registry:   registry,
		authz:      authz,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.registry.UnsubscribeAll(c)
				go c.close(websocket.StatusGoingAway, "server shutdown")
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			h.registry.UnsubscribeAll(c)
			h.count.Add(-1)
			c.close(websocket.StatusNormalClosure, "bye")
		case msg := <-h.incoming:
			if _, ok := h.clients[msg.client]; !ok {
				continue
			}
			h.handleIncoming(ctx, msg)
		}
	}
}

func (h *Hub) ClientCount() int64 {
	return h.count.Load()
}

// HandleWS upgrades the request and serves the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil || h.authz == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	validator, ok := r.Context().Value(authValidatorKey{}).(tokenValidator)
	if !ok || validator == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	session, err := authenticateRequest(r, validator)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &Client{
		conn:   conn,
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
		userID: session.UserID,
	}

	select {
	case h.register <- client:
	case <-h.done:
		client.close(websocket.StatusGoingAway, "server shutdown")
		return
	case <-ctx.Done():
		client.close(websocket.StatusNormalClosure, "bye")
		return
	}

	go client.writeLoop()
	client.readLoop()
}

// Client is one websocket connection. It is a fanout.Subscriber for every
// target it subscribed to.
type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once
	userID    user.ID
}

func (c *Client) UserID() user.ID {
	return c.userID
}

// Notify queues a target.changed frame. It never blocks; a full queue or a
// closed connection drops the notice.
func (c *Client) Notify(n fanout.Notice) bool {
	if c.ctx.Err() != nil {
		return false
	}
	data, err := json.Marshal(changedEvent{Type: typeTargetChanged, Target: n.Target, MessageID: n.MessageID})
	if err != nil {
		return false
	}
	return c.Send(data)
}

func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer c.leave()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		msg, err := decodeIncoming(data)
		if err != nil {
			c.sendError("invalid_message", err.Error(), message.Target{})
			continue
		}
		select {
		case c.hub.incoming <- incomingMessage{client: c, msg: msg}:
		case <-c.hub.done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.leave()
				return
			}
		}
	}
}

func (c *Client) leave() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(status, reason)
	})
}

func (c *Client) sendEvent(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Client) sendError(code, msg string, target message.Target) {
	ev := errorEvent{Type: typeError, Code: code, Message: msg}
	if !target.IsZero() {
		ev.Target = &target
	}
	c.sendEvent(ev)
}

type incomingMessage struct {
	client *Client
	msg    inboundMessage
}

type inboundMessage struct {
	Type   string         `json:"type" validate:"required,max=32"`
	Target message.Target `json:"target"`
}

var frameValidate = validator.New()

type targetEvent struct {
	Type   string         `json:"type"`
	Target message.Target `json:"target"`
}

type changedEvent struct {
	Type      string         `json:"type"`
	Target    message.Target `json:"target"`
	MessageID message.ID     `json:"message_id"`
}

type errorEvent struct {
	Type    string          `json:"type"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Target  *message.Target `json:"target,omitempty"`
}

type tokenValidator interface {
	ValidateToken(token string) (auth.Session, error)
}

type authValidatorKey struct{}

func WithAuthValidator(next http.Handler, validator tokenValidator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), authValidatorKey{}, validator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authenticateRequest(r *http.Request, validator tokenValidator) (auth.Session, error) {
	if validator == nil {
		return auth.Session{}, auth.ErrUnauthorized
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return validator.ValidateToken(token)
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		return parseAuthHeader(header, validator)
	}
	return auth.Session{}, auth.ErrUnauthorized
}

func parseAuthHeader(header string, validator tokenValidator) (auth.Session, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return auth.Session{}, auth.ErrUnauthorized
	}
	return validator.ValidateToken(parts[1])
}

func decodeIncoming(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, err
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if err := frameValidate.Struct(msg); err != nil {
		return inboundMessage{}, fmt.Errorf("invalid frame: %w", err)
	}
	return msg, nil
}

func (h *Hub) handleIncoming(ctx context.Context, incoming incomingMessage) {
	switch incoming.msg.Type {
	case typeSubscribe:
		h.handleSubscribe(ctx, incoming.client, incoming.msg.Target)
	case typeUnsubscribe:
		h.handleUnsubscribe(incoming.client, incoming.msg.Target)
	default:
		incoming.client.sendError("unsupported_type", "unsupported message type", message.Target{})
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c *Client, raw message.Target) {
	target, err := message.ParseTarget(string(raw.Kind), raw.ID)
	if err != nil {
		c.sendError("invalid_target", "target kind and id are required", raw)
		return
	}
	if err := h.authz.Authorize(ctx, c.userID, target); err != nil {
		switch {
		case errors.Is(err, message.ErrForbidden):
			c.sendError("forbidden", "not a member of this target", target)
		case errors.Is(err, message.ErrInvalidInput):
			c.sendError("invalid_target", "invalid target", target)
		default:
			securelog.Error("ws.subscribe", err)
			c.sendError("server_error", "failed to authorize subscription", target)
		}
		return
	}
	h.registry.Subscribe(target, c)
	securelog.Debug("ws_subscribed", securelog.Fields{"user_id": string(c.userID), "target": target.Key()})
	c.sendEvent(targetEvent{Type: typeSubscribed, Target: target})
}

func (h *Hub) handleUnsubscribe(c *Client, raw message.Target) {
	target, err := message.ParseTarget(string(raw.Kind), raw.ID)
	if err != nil {
		c.sendError("invalid_target", fmt.Sprintf("cannot unsubscribe from %q", raw.Key()), raw)
		return
	}
	h.registry.Unsubscribe(target, c)
	c.sendEvent(targetEvent{Type: typeUnsubscribed, Target: target})
}
