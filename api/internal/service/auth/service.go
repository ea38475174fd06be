// Package auth signs users up, logs them in and authorizes bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/repository"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/crypto"
	jwtpkg "github.com/splax/launchpad/pkg/jwt"
)

var (
	// ErrInvalidCredentials hides whether the email or the password was wrong.
	ErrInvalidCredentials = errors.New("auth: invalid email or password")
	// ErrInvalidEmail rejects malformed addresses at signup.
	ErrInvalidEmail = errors.New("auth: invalid email address")
	// ErrTokenRequired is returned by Authorize for an empty bearer token.
	ErrTokenRequired = errors.New("auth: token required")
)

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil || !strings.Contains(email, "@") {
		return nil, TokenPair{}, ErrInvalidEmail
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, tokens, nil
}

// Login authenticates a user and returns tokens.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		s.logger.Warn("login rejected", "user_id", user.ID)
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Refresh exchanges a refresh token for a new pair.
func (s Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	trimmed := strings.TrimSpace(refreshToken)
	if trimmed == "" {
		return TokenPair{}, ErrTokenRequired
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret, jwtpkg.KindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	if _, err := s.users.GetUserByID(ctx, claims.UserID); err != nil {
		return TokenPair{}, fmt.Errorf("refresh: %w", err)
	}
	return s.issueTokens(claims.UserID)
}

// Authorize validates an access token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrTokenRequired
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret, jwtpkg.KindAccess)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

func (s Service) issueTokens(userID string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(userID, jwtpkg.KindAccess, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(userID, jwtpkg.KindRefresh, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
