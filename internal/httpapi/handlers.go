package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Avicted/chatsync/internal/auth"
	"github.com/Avicted/chatsync/internal/group"
	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/pull"
	"github.com/Avicted/chatsync/internal/securelog"
	"github.com/Avicted/chatsync/internal/user"
	"github.com/go-playground/validator/v10"
)

const (
	maxBodyBytes = 1 << 20
	timeLayout   = time.RFC3339Nano
)

var errRateLimited = errors.New("too many messages, slow down")

type Handler struct {
	users    *user.Service
	auth     *auth.Service
	messages *message.Service
	groups   *group.Service
	protocol *pull.Protocol
	limiter  *limiterPool
	validate *validator.Validate
}

// Limits configures the per-user send rate.
type Limits struct {
	SendRPS   float64
	SendBurst int
}

func NewHandler(users *user.Service, auth *auth.Service, messages *message.Service, groups *group.Service, protocol *pull.Protocol, limits Limits) *Handler {
	return &Handler{
		users:    users,
		auth:     auth,
		messages: messages,
		groups:   groups,
		protocol: protocol,
		limiter:  newLimiterPool(limits.SendRPS, limits.SendBurst),
		validate: validator.New(),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/conversations", h.handleConversations)
	mux.HandleFunc("/messages", h.handleMessages)
	mux.HandleFunc("/messages/poll", h.handlePoll)
	mux.HandleFunc("/messages/read", h.handleRead)
	mux.HandleFunc("/unread", h.handleUnread)
	mux.HandleFunc("/groups", h.handleGroups)
	mux.HandleFunc("/groups/members", h.handleGroupMembers)
	mux.HandleFunc("/users", h.handleUsers)
}

type authRequest struct {
	Username string `json:"username" validate:"required,min=2,max=32"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type authResponse struct {
	Token     string  `json:"token"`
	UserID    user.ID `json:"user_id"`
	Username  string  `json:"username"`
	ExpiresAt string  `json:"expires_at"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	h.handleCredentials(w, r, http.StatusCreated, h.auth.Register)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	h.handleCredentials(w, r, http.StatusOK, h.auth.Login)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err := h.auth.Logout(session.Token); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type credentialFunc func(ctx context.Context, username, password string) (user.User, auth.Session, error)

func (h *Handler) handleCredentials(w http.ResponseWriter, r *http.Request, status int, fn credentialFunc) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.auth == nil {
		writeError(w, http.StatusInternalServerError, errors.New("auth service not configured"))
		return
	}

	var req authRequest
	if err := h.decodeValid(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	u, session, err := fn(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, status, authResponse{
		Token:     session.Token,
		UserID:    u.ID,
		Username:  session.Username,
		ExpiresAt: session.ExpiresAt.UTC().Format(timeLayout),
	})
}

func (h *Handler) authenticate(r *http.Request) (auth.Session, error) {
	if h.auth == nil {
		return auth.Session{}, auth.ErrUnauthorized
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.Fields(header)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return h.auth.ValidateToken(parts[1])
		}
	}
	return auth.Session{}, auth.ErrUnauthorized
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, message.ErrInvalidInput),
		errors.Is(err, group.ErrInvalidInput),
		errors.Is(err, user.ErrInvalidInput),
		errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, message.ErrForbidden), errors.Is(err, group.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, message.ErrNotFound),
		errors.Is(err, group.ErrNotFound),
		errors.Is(err, user.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, user.ErrExists), errors.Is(err, group.ErrExists):
		return http.StatusConflict
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, message.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(w, r, dst); err != nil {
		return err
	}
	return h.validate.Struct(dst)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError logs err and writes it as {"error": ...}. Server-side failures
// get a generic message so storage details never reach the client.
func writeError(w http.ResponseWriter, status int, err error) {
	securelog.Error("httpapi", err)
	text := err.Error()
	switch status {
	case http.StatusInternalServerError:
		text = "internal error"
	case http.StatusServiceUnavailable:
		text = "service unavailable"
	}
	writeJSON(w, status, map[string]string{"error": text})
}
