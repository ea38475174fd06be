// Package accounts links a platform user to the source-control account that
// forks and publishes their sites. Tokens are stored encrypted.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/provider"
	"github.com/splax/launchpad/api/internal/repository"
	"github.com/splax/launchpad/pkg/crypto"
)

// ProviderGitHub is the only supported provider.
const ProviderGitHub = "github"

var (
	// ErrNotLinked is returned when the user has no active link.
	ErrNotLinked = errors.New("accounts: no linked account")
	// ErrTokenRequired is returned by Link for an empty token.
	ErrTokenRequired = errors.New("accounts: token required")
	// ErrTokenRejected wraps a verification failure from the provider.
	ErrTokenRejected = errors.New("accounts: token rejected by provider")
)

// Service manages account links.
type Service struct {
	links    repository.AccountLinkRepository
	verifier provider.Verifier
	box      *crypto.Box
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Service.
func New(links repository.AccountLinkRepository, verifier provider.Verifier, box *crypto.Box, logger *slog.Logger) *Service {
	return &Service{links: links, verifier: verifier, box: box, logger: logger, now: time.Now}
}

// Link verifies token with the provider and stores it for userID,
// replacing any earlier link.
func (s *Service) Link(ctx context.Context, userID, token string) (*domain.AccountLink, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenRequired
	}
	login, err := s.verifier.VerifyToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	sealed, err := s.box.Seal(token)
	if err != nil {
		return nil, fmt.Errorf("seal token: %w", err)
	}
	now := s.now().UTC()
	link := &domain.AccountLink{
		UserID:    userID,
		Provider:  ProviderGitHub,
		Login:     login,
		Token:     sealed,
		Status:    domain.AccountLinkStatusActive,
		LinkedAt:  now,
		UpdatedAt: now,
	}
	if err := s.links.UpsertAccountLink(ctx, link); err != nil {
		return nil, err
	}
	s.logger.Info("account linked", "user_id", userID, "provider", ProviderGitHub, "login", login)
	return link, nil
}

// Get returns the user's link. Revoked links are returned as stored.
func (s *Service) Get(ctx context.Context, userID string) (*domain.AccountLink, error) {
	link, err := s.links.GetAccountLink(ctx, userID, ProviderGitHub)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotLinked
		}
		return nil, err
	}
	return link, nil
}

// Revoke drops the stored token.
func (s *Service) Revoke(ctx context.Context, userID string) error {
	if err := s.links.RevokeAccountLink(ctx, userID, ProviderGitHub); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotLinked
		}
		return err
	}
	s.logger.Info("account unlinked", "user_id", userID, "provider", ProviderGitHub)
	return nil
}

// Credentials decrypts the active link's token.
func (s *Service) Credentials(ctx context.Context, userID string) (domain.Credentials, error) {
	link, err := s.Get(ctx, userID)
	if err != nil {
		return domain.Credentials{}, err
	}
	if !link.Active() || len(link.Token) == 0 {
		return domain.Credentials{}, ErrNotLinked
	}
	token, err := s.box.Open(link.Token)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("open token: %w", err)
	}
	return domain.Credentials{Token: token, Login: link.Login}, nil
}
