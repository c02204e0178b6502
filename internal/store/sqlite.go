package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/bull/medassist/internal/domain"
)

// sqliteTime is fixed width so timestamps sort lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS query_logs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id       TEXT NOT NULL,
		query_type    TEXT NOT NULL,
		input_summary TEXT NOT NULL,
		response      TEXT NOT NULL,
		model_used    TEXT NOT NULL,
		timestamp     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_logs_user_ts ON query_logs(user_id, timestamp DESC)`,
}

// SQLiteStore keeps users and query logs in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
// ":memory:" is accepted for tests.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// AppendQueryLog inserts one entry.
func (s *SQLiteStore) AppendQueryLog(ctx context.Context, entry domain.QueryLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_logs (user_id, query_type, input_summary, response, model_used, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.UserID, string(entry.QueryType), entry.InputSummary, entry.Response, entry.ModelUsed,
		entry.Timestamp.UTC().Format(sqliteTime),
	)
	if err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

// RecentQueryLogs returns up to limit entries of userID, newest first.
func (s *SQLiteStore) RecentQueryLogs(ctx context.Context, userID string, limit int) ([]domain.QueryLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, query_type, input_summary, response, model_used, timestamp
		 FROM query_logs WHERE user_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		userID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var entries []domain.QueryLogEntry
	for rows.Next() {
		var e domain.QueryLogEntry
		var queryType, ts string
		if err := rows.Scan(&e.UserID, &queryType, &e.InputSummary, &e.Response, &e.ModelUsed, &ts); err != nil {
			return nil, err
		}
		e.QueryType = domain.Modality(queryType)
		if e.Timestamp, err = time.Parse(sqliteTime, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateUser inserts a user. A duplicate email yields ErrUserExists.
func (s *SQLiteStore) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, u.CreatedAt.Format(sqliteTime),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// FindUserByEmail returns ErrUserNotFound when no user has email.
func (s *SQLiteStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("find user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(sqliteTime, created)
	return u, nil
}

// Close closes the database.
func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}
