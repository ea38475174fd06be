package repository

import (
	"context"

	"github.com/splax/launchpad/api/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// AccountLinkRepository stores external account links.
type AccountLinkRepository interface {
	UpsertAccountLink(ctx context.Context, link *domain.AccountLink) error
	GetAccountLink(ctx context.Context, userID, provider string) (*domain.AccountLink, error)
	RevokeAccountLink(ctx context.Context, userID, provider string) error
}

// JobRepository is the Job Record Store. Reads of different jobs may run
// concurrently; ApplyEvent serializes writers of a single job and makes the
// step change and any fields it sets visible together.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, deployID string) (*domain.Job, error)
	ApplyEvent(ctx context.Context, deployID string, ev domain.Event) (*domain.Job, error)
	ListJobsByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Job, error)
}
