package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/repository"
)

// Repository keeps jobs, users and account links in process memory.
type Repository struct {
	mu    sync.RWMutex
	jobs  map[string]domain.Job
	users map[string]domain.User
	links map[string]domain.AccountLink
	now   func() time.Time
}

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{
		jobs:  make(map[string]domain.Job),
		users: make(map[string]domain.User),
		links: make(map[string]domain.AccountLink),
		now:   time.Now,
	}
}

var (
	_ repository.JobRepository         = (*Repository)(nil)
	_ repository.UserRepository        = (*Repository)(nil)
	_ repository.AccountLinkRepository = (*Repository)(nil)
)

// CreateJob stores a new job.
func (r *Repository) CreateJob(_ context.Context, job *domain.Job) error {
	if job == nil || strings.TrimSpace(job.DeployID) == "" {
		return repository.ErrInvalidArgument
	}
	if err := domain.ValidateSteps(job.Steps); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.DeployID]; ok {
		return repository.ErrConflict
	}
	r.jobs[job.DeployID] = job.Clone()
	return nil
}

// GetJob returns a copy of the stored job.
func (r *Repository) GetJob(_ context.Context, deployID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[deployID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := job.Clone()
	return &out, nil
}

// ApplyEvent transitions the job under the write lock.
func (r *Repository) ApplyEvent(_ context.Context, deployID string, ev domain.Event) (*domain.Job, error) {
	if ev.At.IsZero() {
		ev.At = r.now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[deployID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	next, err := domain.Apply(job, ev)
	if err != nil {
		return nil, err
	}
	r.jobs[deployID] = next
	out := next.Clone()
	return &out, nil
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (r *Repository) ListJobsByOwner(_ context.Context, ownerID string, limit int) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	jobs := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(_ context.Context, user *domain.User) error {
	if user == nil {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrConflict
		}
	}
	r.users[user.ID] = *user
	return nil
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, user := range r.users {
		if strings.EqualFold(user.Email, email) {
			u := user
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &user, nil
}

// UpsertAccountLink stores or replaces a link.
func (r *Repository) UpsertAccountLink(_ context.Context, link *domain.AccountLink) error {
	if link == nil {
		return repository.ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *link
	stored.Token = append([]byte(nil), link.Token...)
	r.links[linkKey(link.UserID, link.Provider)] = stored
	return nil
}

// GetAccountLink returns the link for a user and provider.
func (r *Repository) GetAccountLink(_ context.Context, userID, provider string) (*domain.AccountLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.links[linkKey(userID, provider)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	link.Token = append([]byte(nil), link.Token...)
	return &link, nil
}

// RevokeAccountLink marks a link revoked and drops its token.
func (r *Repository) RevokeAccountLink(_ context.Context, userID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := linkKey(userID, provider)
	link, ok := r.links[key]
	if !ok {
		return repository.ErrNotFound
	}
	link.Status = domain.AccountLinkStatusRevoked
	link.Token = nil
	link.UpdatedAt = r.now().UTC()
	r.links[key] = link
	return nil
}

func linkKey(userID, provider string) string {
	return userID + "|" + strings.ToLower(provider)
}
