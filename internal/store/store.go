// Package store persists users and query log entries. MongoDB is the primary
// backend; SQLite serves single-machine deployments and tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bull/medassist/internal/domain"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

// DefaultHistoryLimit is used when callers ask for history without a limit.
const DefaultHistoryLimit = 10

// User is a registered account. PasswordHash is a bcrypt hash.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Store is implemented by MongoStore and SQLiteStore.
type Store interface {
	AppendQueryLog(ctx context.Context, entry domain.QueryLogEntry) error
	// RecentQueryLogs returns up to limit entries of userID, newest first.
	RecentQueryLogs(ctx context.Context, userID string, limit int) ([]domain.QueryLogEntry, error)
	CreateUser(ctx context.Context, email, passwordHash string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	Close(ctx context.Context) error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}
