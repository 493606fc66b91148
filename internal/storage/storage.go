package storage

import (
	"context"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type Store struct {
	db      *sqlx.DB
	dialect string
}

type AuditLog struct {
	ID        int64
	ChatID    int64
	UserID    int64
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

type auditRow struct {
	ID        int64  `db:"id"`
	ChatID    int64  `db:"chat_id"`
	UserID    int64  `db:"user_id"`
	Level     string `db:"level"`
	Event     string `db:"event"`
	Details   string `db:"details"`
	CreatedAt int64  `db:"created_at"`
}

// Open connects to the configured database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*Store, error) {
	switch strings.ToLower(driver) {
	case "", DriverSQLite:
		db, err := sqlx.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// :memory: databases are per connection.
		db.SetMaxOpenConns(1)
		return &Store{db: db, dialect: DriverSQLite}, nil
	case DriverPostgres, "pgx":
		db, err := sqlx.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		return &Store{db: db, dialect: DriverPostgres}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate() error {
	dir := path.Join("migrations", s.dialect)
	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return err
	}

	var files []string
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := migrations.ReadFile(path.Join(dir, file))
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			if isIgnorableMigrationError(err) {
				continue
			}
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
	}
	return nil
}

func (s *Store) AddAuditLog(ctx context.Context, log AuditLog) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_logs (chat_id, user_id, level, event, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), log.ChatID, log.UserID, log.Level, log.Event, log.Details, log.CreatedAt.Unix())
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, chatID int64, since time.Time) ([]AuditLog, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT id, chat_id, user_id, level, event, details, created_at
		FROM audit_logs
		WHERE chat_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
	`), chatID, since.Unix())
	if err != nil {
		return nil, err
	}

	logs := make([]AuditLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, AuditLog{
			ID:        row.ID,
			ChatID:    row.ChatID,
			UserID:    row.UserID,
			Level:     row.Level,
			Event:     row.Event,
			Details:   row.Details,
			CreatedAt: time.Unix(row.CreatedAt, 0),
		})
	}
	return logs, nil
}

func (s *Store) CleanupAuditLogs(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM audit_logs WHERE created_at < ?`), cutoff.Unix())
	return err
}

func (s *Store) loadMembers(ctx context.Context, set string) ([]string, error) {
	var members []string
	err := s.db.SelectContext(ctx, &members, s.db.Rebind(`SELECT member FROM set_members WHERE set_name = ?`), set)
	return members, err
}

func (s *Store) insertMember(ctx context.Context, set, member string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO set_members (set_name, member, created_at) VALUES (?, ?, ?)
		ON CONFLICT (set_name, member) DO NOTHING
	`), set, member, time.Now().Unix())
	return err
}

func (s *Store) deleteMember(ctx context.Context, set, member string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM set_members WHERE set_name = ? AND member = ?`), set, member)
	return err
}

func isIgnorableMigrationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "duplicate column name") || strings.Contains(message, "already exists")
}
