package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/repository"
)

func forkedJob(t *testing.T, repo *Repository, deployID, ownerID string, created time.Time) {
	t.Helper()
	job := domain.NewJob(deployID, "proj-"+deployID, ownerID, "portfolio-static", "site-"+deployID, created)
	if err := repo.CreateJob(context.Background(), &job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	for _, ev := range []domain.Event{
		{Kind: domain.EventForkStarted},
		{Kind: domain.EventForkCompleted, ForkedRepoURL: "https://github.com/u/" + deployID},
	} {
		if _, err := repo.ApplyEvent(context.Background(), deployID, ev); err != nil {
			t.Fatalf("apply %s: %v", ev.Kind, err)
		}
	}
}

func TestCreateJobRejectsDuplicates(t *testing.T) {
	repo := New()
	job := domain.NewJob("dep-1", "proj-1", "user-1", "t", "s", time.Now())
	if err := repo.CreateJob(context.Background(), &job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.CreateJob(context.Background(), &job); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetJobReturnsCopy(t *testing.T) {
	repo := New()
	forkedJob(t, repo, "dep-1", "user-1", time.Now())
	first, err := repo.GetJob(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.Steps[0].Status = domain.StepStatusError
	second, _ := repo.GetJob(context.Background(), "dep-1")
	if second.Steps[0].Status != domain.StepStatusCompleted {
		t.Fatalf("caller mutation leaked into store: %s", second.Steps[0].Status)
	}
	if _, err := repo.GetJob(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyEventSerializesWritersOfOneJob(t *testing.T) {
	repo := New()
	forkedJob(t, repo, "dep-1", "user-1", time.Now())

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ApplyEvent(context.Background(), "dep-1", domain.Event{Kind: domain.EventDeployStarted}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one writer to start the deploy, got %d", successes)
	}
}

func TestConcurrentJobsAreIndependent(t *testing.T) {
	repo := New()
	for i := 0; i < 8; i++ {
		forkedJob(t, repo, fmt.Sprintf("dep-%d", i), "user-1", time.Now())
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("dep-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := repo.ApplyEvent(context.Background(), id, domain.Event{Kind: domain.EventDeployStarted}); err != nil {
				t.Errorf("apply %s: %v", id, err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := repo.GetJob(context.Background(), id); err != nil {
				t.Errorf("get %s: %v", id, err)
			}
		}()
	}
	wg.Wait()
	for i := 0; i < 8; i++ {
		job, _ := repo.GetJob(context.Background(), fmt.Sprintf("dep-%d", i))
		if job.DeployStatus != domain.DeployStatusCreating {
			t.Fatalf("expected creating, got %s", job.DeployStatus)
		}
	}
}

func TestListJobsByOwnerNewestFirst(t *testing.T) {
	repo := New()
	base := time.Now()
	forkedJob(t, repo, "old", "user-1", base.Add(-time.Hour))
	forkedJob(t, repo, "new", "user-1", base)
	forkedJob(t, repo, "other", "user-2", base)

	jobs, err := repo.ListJobsByOwner(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].DeployID != "new" || jobs[1].DeployID != "old" {
		t.Fatalf("unexpected order: %+v", jobs)
	}
	limited, _ := repo.ListJobsByOwner(context.Background(), "user-1", 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestRevokeAccountLinkDropsToken(t *testing.T) {
	repo := New()
	link := &domain.AccountLink{UserID: "user-1", Provider: "github", Login: "octo", Token: []byte("secret"), Status: domain.AccountLinkStatusActive}
	if err := repo.UpsertAccountLink(context.Background(), link); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.RevokeAccountLink(context.Background(), "user-1", "GitHub"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	stored, err := repo.GetAccountLink(context.Background(), "user-1", "github")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Active() || len(stored.Token) != 0 {
		t.Fatalf("expected revoked link without token, got %+v", stored)
	}
}
