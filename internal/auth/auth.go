// Package auth registers users, checks credentials and issues the bearer
// tokens every assistant route requires.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/bull/medassist/internal/domain"
	"github.com/bull/medassist/internal/store"
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 12 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("invalid or expired token")
)

// UserStore is the part of store.Store auth needs.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (store.User, error)
	FindUserByEmail(ctx context.Context, email string) (store.User, error)
}

// Options configures a Service.
type Options struct {
	Secret   []byte
	TokenTTL time.Duration
	// Cost is the bcrypt cost; zero uses bcrypt.DefaultCost.
	Cost int
	Now  func() time.Time
}

// Service issues and verifies HS256 tokens whose subject is the user id.
type Service struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// NewService creates an auth service. An empty secret is rejected.
func NewService(users UserStore, opts Options) (*Service, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth secret is required")
	}
	s := &Service{
		users:  users,
		secret: opts.Secret,
		ttl:    opts.TokenTTL,
		cost:   opts.Cost,
		now:    opts.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Register creates a user. Returns store.ErrUserExists for a taken email.
func (s *Service) Register(ctx context.Context, email, password string) (store.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return store.User{}, err
	}
	if password == "" {
		return store.User{}, fmt.Errorf("%w: empty password", domain.ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	return s.users.CreateUser(ctx, email, string(hash))
}

// Login checks credentials and returns a signed token. Unknown emails and
// wrong passwords both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	u, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(u.ID)
}

// IssueToken signs a token for userID.
func (s *Service) IssueToken(userID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify returns the user id a valid token was issued for.
func (s *Service) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

func normalizeEmail(email string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return "", fmt.Errorf("%w: email %q", domain.ErrInvalidInput, email)
	}
	return strings.ToLower(addr.Address), nil
}
