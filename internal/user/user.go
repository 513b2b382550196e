package user

import (
	"context"
	"errors"
	"time"
)

type ID string

type User struct {
	ID           ID
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Profile is the directory view of a user. It carries only what a chat
// client needs to label a sender.
type Profile struct {
	UserID   ID
	Username string
}

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("user not found")
	ErrExists       = errors.New("username already taken")
)

type Repository interface {
	Create(ctx context.Context, user User) error
	GetByID(ctx context.Context, id ID) (User, error)
	GetByUsername(ctx context.Context, username string) (User, error)
}
