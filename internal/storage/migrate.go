package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// migrationLockKey is the session advisory lock taken while migrating so
// two servers starting together do not apply the same file twice.
const migrationLockKey = 7_245_310_001

type Migrator struct {
	db  *sql.DB
	fs  fs.FS
	now func() time.Time
}

func NewMigrator(db *sql.DB, migrations fs.FS) *Migrator {
	return &Migrator{db: db, fs: migrations, now: time.Now}
}

type migrationFile struct {
	id       string
	sql      string
	checksum string
}

func (m *Migrator) Up(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("db is required")
	}

	files, err := m.load()
	if err != nil {
		return err
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, int64(migrationLockKey)); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, int64(migrationLockKey))
	}()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return err
	}

	for _, f := range files {
		if sum, ok := applied[f.id]; ok {
			if sum != "" && sum != f.checksum {
				return fmt.Errorf("migration %s changed after it was applied", f.id)
			}
			continue
		}
		if err := m.applyOne(ctx, conn, f); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) load() ([]migrationFile, error) {
	paths, err := fs.Glob(m.fs, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(paths)

	files := make([]migrationFile, 0, len(paths))
	for _, path := range paths {
		content, err := fs.ReadFile(m.fs, path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			id:       filepath.Base(path),
			sql:      stripLineComments(string(content)),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY,
		checksum TEXT NOT NULL DEFAULT '',
		applied_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT id, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var id, sum string
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[id] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// applyOne runs a migration and records it in one transaction. Files that
// hold only comments are recorded without running anything.
func (m *Migrator) applyOne(ctx context.Context, conn *sql.Conn, f migrationFile) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", f.id, err)
	}

	if strings.TrimSpace(f.sql) != "" {
		if _, err := tx.ExecContext(ctx, f.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f.id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, checksum, applied_at) VALUES ($1, $2, $3)`,
		f.id, f.checksum, m.now().UTC()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", f.id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", f.id, err)
	}
	return nil
}

func stripLineComments(sqlText string) string {
	lines := strings.Split(sqlText, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
