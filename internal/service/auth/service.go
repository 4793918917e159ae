// Package auth handles account registration, login and bearer-token
// validation. The core treats actor identity as opaque; this service only
// exists so the HTTP boundary can resolve verified actor ids.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	authpkg "github.com/Denis-Mist/ControlSystem/internal/auth"
	"github.com/Denis-Mist/ControlSystem/internal/config"
	"github.com/Denis-Mist/ControlSystem/internal/domain"
	"github.com/Denis-Mist/ControlSystem/internal/repository"
)

// ErrInvalidCredentials is returned for unknown accounts and wrong passwords
// alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.Config
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.Config) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// Token carries an issued access token.
type Token struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Signup registers a new account and issues a token.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, Token, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, Token{}, domain.Invalid("valid email is required")
	}
	if len(password) < 8 {
		return nil, Token{}, domain.Invalid("password must be at least 8 characters")
	}
	hash, err := authpkg.HashPassword(password)
	if err != nil {
		return nil, Token{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, Token{}, domain.Invalid("email already registered")
		}
		return nil, Token{}, err
	}
	token, err := s.issueToken(user)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login authenticates an account and issues a token.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Token, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := authpkg.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	token, err := s.issueToken(user)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Authorize validates a bearer token and returns the associated user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, errors.New("token required")
	}
	claims, err := authpkg.ParseToken(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	return s.users.GetUserByID(ctx, claims.UserID)
}

func (s Service) issueToken(user *domain.User) (Token, error) {
	signed, err := authpkg.GenerateToken(user.ID, user.Email, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: signed, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
