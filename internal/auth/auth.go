package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Avicted/chatsync/internal/user"
	"golang.org/x/crypto/bcrypt"
)

const (
	minUsernameLen = 2
	maxUsernameLen = 32
	minPasswordLen = 8
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenExpired = errors.New("token expired")
)

type Session struct {
	Token     string
	UserID    user.ID
	Username  string
	ExpiresAt time.Time
}

type Service struct {
	users    *user.Service
	tokens   *tokenStore
	now      func() time.Time
	tokenTTL time.Duration
}

func NewService(users *user.Service) *Service {
	return &Service{
		users:    users,
		tokens:   newTokenStore(),
		now:      time.Now,
		tokenTTL: 24 * time.Hour,
	}
}

func (s *Service) Register(ctx context.Context, username, password string) (user.User, Session, error) {
	if s.users == nil {
		return user.User{}, Session{}, errors.New("user service is required")
	}
	name, err := validateCredentials(username, password)
	if err != nil {
		return user.User{}, Session{}, err
	}

	hash, err := hashPassword(password)
	if err != nil {
		return user.User{}, Session{}, err
	}

	created, err := s.users.Create(ctx, name, hash)
	if err != nil {
		return user.User{}, Session{}, err
	}

	session, err := s.issue(created.ID, created.Username)
	if err != nil {
		return user.User{}, Session{}, err
	}
	return created, session, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (user.User, Session, error) {
	if s.users == nil {
		return user.User{}, Session{}, errors.New("user service is required")
	}
	name, err := validateCredentials(username, password)
	if err != nil {
		return user.User{}, Session{}, err
	}

	found, err := s.users.GetByUsername(ctx, name)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return user.User{}, Session{}, ErrUnauthorized
		}
		return user.User{}, Session{}, err
	}
	if found.PasswordHash == "" || checkPassword(found.PasswordHash, password) != nil {
		return user.User{}, Session{}, ErrUnauthorized
	}

	session, err := s.issue(found.ID, found.Username)
	if err != nil {
		return user.User{}, Session{}, err
	}
	return found, session, nil
}

func (s *Service) ValidateToken(token string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return Session{}, ErrUnauthorized
	}
	return s.tokens.validate(s.now(), token)
}

// Logout revokes token. An unknown or already revoked token is
// ErrUnauthorized.
func (s *Service) Logout(token string) error {
	if strings.TrimSpace(token) == "" || !s.tokens.revoke(token) {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) issue(userID user.ID, username string) (Session, error) {
	value, err := randomToken()
	if err != nil {
		return Session{}, err
	}
	session := Session{
		Token:     value,
		UserID:    userID,
		Username:  username,
		ExpiresAt: s.now().Add(s.tokenTTL),
	}
	s.tokens.store(session)
	return session, nil
}

func validateCredentials(username, password string) (string, error) {
	name := user.NormalizeUsername(username)
	if len(name) < minUsernameLen || len(name) > maxUsernameLen {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(password) == "" || len(password) < minPasswordLen {
		return "", ErrInvalidInput
	}
	return name, nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(hashed, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

type tokenStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func newTokenStore() *tokenStore {
	return &tokenStore{sessions: make(map[string]Session)}
}

func (t *tokenStore) store(session Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[session.Token] = session
}

func (t *tokenStore) revoke(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[token]; !ok {
		return false
	}
	delete(t.sessions, token)
	return true
}

func (t *tokenStore) validate(now time.Time, token string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[token]
	if !ok {
		return Session{}, ErrUnauthorized
	}
	if now.After(session.ExpiresAt) {
		delete(t.sessions, token)
		return Session{}, ErrTokenExpired
	}
	return session, nil
}
