package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Avicted/chatsync/internal/group"
	"github.com/Avicted/chatsync/internal/message"
	"github.com/Avicted/chatsync/internal/user"
)

type userRepo struct {
	db *sql.DB
}

func (r *userRepo) Create(ctx context.Context, u user.User) error {
	if u.ID == "" || u.Username == "" || u.PasswordHash == "" || u.CreatedAt.IsZero() {
		return fmt.Errorf("user id, username, password_hash, and created_at are required")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`, u.ID, u.Username, u.PasswordHash, u.CreatedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return user.ErrExists
		}
		return dbError("insert user", err)
	}
	return nil
}

func (r *userRepo) GetByID(ctx context.Context, id user.ID) (user.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at
		FROM users WHERE id = $1`, id)
	return scanUser(row, "select user by id")
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (user.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, username, password_hash, created_at
		FROM users WHERE username = $1`, username)
	return scanUser(row, "select user by username")
}

func scanUser(row *sql.Row, op string) (user.User, error) {
	var u user.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, dbError(op, err)
	}
	return u, nil
}

type groupRepo struct {
	db *sql.DB
}

const groupColumns = `g.id, g.name, g.description, g.created_by, g.created_at,
	(SELECT COUNT(*) FROM group_members c WHERE c.group_id = g.id)`

func (r *groupRepo) CreateGroup(ctx context.Context, g group.Group) error {
	if g.ID == "" || g.Name == "" || g.CreatedBy == "" || g.CreatedAt.IsZero() {
		return fmt.Errorf("group id, name, created_by, and created_at are required")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO groups (id, name, description, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)`, g.ID, g.Name, g.Description, g.CreatedBy, g.CreatedAt)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("%w: unknown creator", group.ErrInvalidInput)
		}
		return dbError("insert group", err)
	}
	return nil
}

func (r *groupRepo) GetGroup(ctx context.Context, id string) (group.Group, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups g WHERE g.id = $1`, id)
	var g group.Group
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedBy, &g.CreatedAt, &g.MemberCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return group.Group{}, group.ErrNotFound
		}
		return group.Group{}, dbError("select group", err)
	}
	return g, nil
}

func (r *groupRepo) ListGroupsForUser(ctx context.Context, userID user.ID) ([]group.Group, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+groupColumns+`
		FROM groups g
		JOIN group_members gm ON gm.group_id = g.id
		WHERE gm.user_id = $1
		ORDER BY g.created_at ASC, g.id ASC`, userID)
	if err != nil {
		return nil, dbError("list groups", err)
	}
	defer rows.Close()

	var groups []group.Group
	for rows.Next() {
		var g group.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedBy, &g.CreatedAt, &g.MemberCount); err != nil {
			return nil, dbError("scan group", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate groups", err)
	}
	return groups, nil
}

func (r *groupRepo) AddMember(ctx context.Context, m group.Member) error {
	if m.GroupID == "" || m.UserID == "" || m.Role == "" || m.JoinedAt.IsZero() {
		return fmt.Errorf("group_id, user_id, role, and joined_at are required")
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO group_members (group_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, user_id) DO NOTHING`, m.GroupID, m.UserID, string(m.Role), m.JoinedAt)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return group.ErrNotFound
		}
		return dbError("insert group member", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError("insert group member", err)
	}
	if n == 0 {
		return group.ErrExists
	}
	return nil
}

func (r *groupRepo) GetMember(ctx context.Context, groupID string, userID user.ID) (group.Member, error) {
	row := r.db.QueryRowContext(ctx, `SELECT gm.group_id, gm.user_id, u.username, gm.role, gm.joined_at
		FROM group_members gm
		JOIN users u ON u.id = gm.user_id
		WHERE gm.group_id = $1 AND gm.user_id = $2`, groupID, userID)
	var m group.Member
	var role string
	if err := row.Scan(&m.GroupID, &m.UserID, &m.Username, &role, &m.JoinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return group.Member{}, group.ErrNotFound
		}
		return group.Member{}, dbError("select group member", err)
	}
	m.Role = group.Role(role)
	return m, nil
}

func (r *groupRepo) ListMembers(ctx context.Context, groupID string) ([]group.Member, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT gm.group_id, gm.user_id, u.username, gm.role, gm.joined_at
		FROM group_members gm
		JOIN users u ON u.id = gm.user_id
		WHERE gm.group_id = $1
		ORDER BY gm.role ASC, u.username ASC`, groupID)
	if err != nil {
		return nil, dbError("list group members", err)
	}
	defer rows.Close()

	var members []group.Member
	for rows.Next() {
		var m group.Member
		var role string
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Username, &role, &m.JoinedAt); err != nil {
			return nil, dbError("scan group member", err)
		}
		m.Role = group.Role(role)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate group members", err)
	}
	return members, nil
}

type messageRepo struct {
	db *sql.DB
}

func targetColumn(t message.Target) (string, error) {
	switch t.Kind {
	case message.TargetConversation:
		return "conversation_id", nil
	case message.TargetGroup:
		return "group_id", nil
	}
	return "", fmt.Errorf("%w: unknown target kind %q", message.ErrInvalidInput, t.Kind)
}

func (r *messageRepo) ResolveConversation(ctx context.Context, conv message.Conversation) (message.Conversation, error) {
	if conv.ID == "" || conv.UserLow == "" || conv.UserHigh == "" || conv.CreatedAt.IsZero() {
		return message.Conversation{}, fmt.Errorf("conversation id, participants, and created_at are required")
	}
	if conv.UserLow >= conv.UserHigh {
		return message.Conversation{}, fmt.Errorf("%w: participants must be ordered and distinct", message.ErrInvalidInput)
	}
	// The no-op update makes RETURNING yield the existing row on conflict.
	row := r.db.QueryRowContext(ctx, `INSERT INTO conversations (id, user_low, user_high, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_low, user_high) DO UPDATE SET user_low = EXCLUDED.user_low
		RETURNING id, user_low, user_high, created_at`, conv.ID, conv.UserLow, conv.UserHigh, conv.CreatedAt)
	var out message.Conversation
	if err := row.Scan(&out.ID, &out.UserLow, &out.UserHigh, &out.CreatedAt); err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return message.Conversation{}, fmt.Errorf("%w: unknown participant", message.ErrNotFound)
		}
		return message.Conversation{}, dbError("resolve conversation", err)
	}
	return out, nil
}

func (r *messageRepo) GetConversation(ctx context.Context, id string) (message.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, user_low, user_high, created_at
		FROM conversations WHERE id = $1`, id)
	var c message.Conversation
	if err := row.Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return message.Conversation{}, message.ErrNotFound
		}
		return message.Conversation{}, dbError("select conversation", err)
	}
	return c, nil
}

func (r *messageRepo) ListConversations(ctx context.Context, userID user.ID) ([]message.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, user_low, user_high, created_at
		FROM conversations
		WHERE user_low = $1 OR user_high = $1
		ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, dbError("list conversations", err)
	}
	defer rows.Close()

	var convs []message.Conversation
	for rows.Next() {
		var c message.Conversation
		if err := rows.Scan(&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt); err != nil {
			return nil, dbError("scan conversation", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate conversations", err)
	}
	return convs, nil
}

// Append serializes writers of one target on a transaction-scoped advisory
// lock so ids of that target commit in the order they were drawn. Readers
// therefore never see id N+1 of a target before N is visible.
func (r *messageRepo) Append(ctx context.Context, msg message.Message) (message.Message, error) {
	if msg.SenderID == "" || msg.CreatedAt.IsZero() {
		return message.Message{}, fmt.Errorf("sender_id and created_at are required")
	}
	if msg.Content == "" && msg.AttachmentURL == "" {
		return message.Message{}, fmt.Errorf("%w: content or attachment is required", message.ErrInvalidInput)
	}
	if err := msg.Target.Validate(); err != nil {
		return message.Message{}, err
	}
	kind := msg.Kind
	if kind == "" {
		kind = message.KindText
	}

	var conversationID, groupID sql.NullString
	if msg.Target.Kind == message.TargetConversation {
		conversationID = sql.NullString{String: msg.Target.ID, Valid: true}
	} else {
		groupID = sql.NullString{String: msg.Target.ID, Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Message{}, dbError("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, msg.Target.Key()); err != nil {
		return message.Message{}, dbError("lock target", err)
	}

	row := tx.QueryRowContext(ctx, `INSERT INTO messages
		(sender_id, conversation_id, group_id, content, kind, attachment_url, obfuscated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		msg.SenderID, conversationID, groupID, msg.Content, string(kind), msg.AttachmentURL, msg.Obfuscated, msg.CreatedAt)
	var id int64
	if err := row.Scan(&id); err != nil {
		switch pgCode(err) {
		case pgForeignKeyViolation:
			return message.Message{}, fmt.Errorf("%w: unknown sender or target", message.ErrNotFound)
		case pgCheckViolation:
			return message.Message{}, fmt.Errorf("%w: message rejected by store", message.ErrInvalidInput)
		}
		return message.Message{}, dbError("insert message", err)
	}

	if err := tx.Commit(); err != nil {
		return message.Message{}, dbError("commit append", err)
	}

	msg.ID = message.ID(id)
	msg.Kind = kind
	return msg, nil
}

func (r *messageRepo) FetchSince(ctx context.Context, target message.Target, afterID message.ID, limit int) ([]message.Message, error) {
	col, err := targetColumn(target)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = message.DefaultBatchLimit
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, sender_id, content, kind, attachment_url, obfuscated, created_at
		FROM messages
		WHERE `+col+` = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, target.ID, int64(afterID), limit)
	if err != nil {
		return nil, dbError("fetch messages", err)
	}
	defer rows.Close()

	msgs := make([]message.Message, 0)
	for rows.Next() {
		var m message.Message
		var id int64
		var kind string
		if err := rows.Scan(&id, &m.SenderID, &m.Content, &kind, &m.AttachmentURL, &m.Obfuscated, &m.CreatedAt); err != nil {
			return nil, dbError("scan message", err)
		}
		m.ID = message.ID(id)
		m.Kind = message.Kind(kind)
		m.Target = target
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate messages", err)
	}
	return msgs, nil
}

func (r *messageRepo) CountSince(ctx context.Context, target message.Target, afterID message.ID, exclude user.ID) (int, error) {
	col, err := targetColumn(target)
	if err != nil {
		return 0, err
	}
	var n int
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages
		WHERE `+col+` = $1 AND id > $2 AND sender_id <> $3`, target.ID, int64(afterID), exclude)
	if err := row.Scan(&n); err != nil {
		return 0, dbError("count messages", err)
	}
	return n, nil
}

func (r *messageRepo) LastID(ctx context.Context, target message.Target) (message.ID, error) {
	col, err := targetColumn(target)
	if err != nil {
		return 0, err
	}
	var id int64
	row := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages WHERE `+col+` = $1`, target.ID)
	if err := row.Scan(&id); err != nil {
		return 0, dbError("last message id", err)
	}
	return message.ID(id), nil
}

func (r *messageRepo) Ack(ctx context.Context, state message.ReadState) error {
	if state.UserID == "" || state.UpdatedAt.IsZero() {
		return fmt.Errorf("user_id and updated_at are required")
	}
	if err := state.Target.Validate(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO read_states (user_id, target_kind, target_id, last_read_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, target_kind, target_id) DO UPDATE
		SET last_read_id = GREATEST(read_states.last_read_id, EXCLUDED.last_read_id),
			updated_at = EXCLUDED.updated_at`,
		state.UserID, string(state.Target.Kind), state.Target.ID, int64(state.LastReadID), state.UpdatedAt)
	if err != nil {
		return dbError("upsert read state", err)
	}
	return nil
}

func (r *messageRepo) ListAcks(ctx context.Context, userID user.ID) ([]message.ReadState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT target_kind, target_id, last_read_id, updated_at
		FROM read_states WHERE user_id = $1`, userID)
	if err != nil {
		return nil, dbError("list read states", err)
	}
	defer rows.Close()

	var states []message.ReadState
	for rows.Next() {
		var s message.ReadState
		var kind string
		var last int64
		if err := rows.Scan(&kind, &s.Target.ID, &last, &s.UpdatedAt); err != nil {
			return nil, dbError("scan read state", err)
		}
		s.UserID = userID
		s.Target.Kind = message.TargetKind(kind)
		s.LastReadID = message.ID(last)
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate read states", err)
	}
	return states, nil
}
