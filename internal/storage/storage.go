package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Avicted/chatsync/internal/group"
	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/user"
	"github.com/jackc/pgx/v5/pgconn"
)

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Users() user.Repository
	Groups() group.Repository
	Messages() message.Repository
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// dbError wraps err for op. Errors that did not come back from the server
// as a statement failure are treated as connectivity problems and marked
// with message.ErrUnavailable so callers can retry.
func dbError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, message.ErrUnavailable, err)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
