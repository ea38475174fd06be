package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/repository"
	"github.com/splax/launchpad/api/internal/repository/memory"
	"github.com/splax/launchpad/pkg/api/client"
)

type broadcastMock struct {
	deployID string
	payload  []byte
}

func (b *broadcastMock) Broadcast(deployID string, payload []byte) {
	b.deployID = deployID
	b.payload = payload
}

func seed(t *testing.T, store *memory.Repository, deployID, owner string, created time.Time) {
	t.Helper()
	job := domain.NewJob(deployID, "proj-"+deployID, owner, "portfolio-static", "my-site", created)
	if err := store.CreateJob(context.Background(), &job); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func TestGetReflectsLatestTransition(t *testing.T) {
	store := memory.New()
	svc := New(store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	seed(t, store, "dep-1", "user-1", time.Now())

	doc, err := svc.Get(ctx, "dep-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.ForkStatus != "pending" || doc.DeployStatus != client.DeployStatusPending || len(doc.Steps) != 4 {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.PagesURL != nil || doc.DeployError != nil {
		t.Fatalf("nullable fields must be null on a fresh job")
	}

	if _, err := store.ApplyEvent(ctx, "dep-1", domain.Event{Kind: domain.EventForkStarted}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	doc, _ = svc.Get(ctx, "dep-1")
	if doc.ForkStatus != "forking" || doc.Steps[0].Status != client.StepStatusInProgress || doc.Steps[0].Label != "Fork template repository" {
		t.Fatalf("expected fork in progress, got %+v", doc)
	}

	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.GetOwned(ctx, "user-2", "dep-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("foreign job must look missing, got %v", err)
	}
}

func TestDocumentWireShape(t *testing.T) {
	job := domain.NewJob("dep-1", "proj-1", "user-1", "portfolio-static", "my-site", time.Unix(0, 0).UTC())
	raw, err := json.Marshal(Document(job))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"deploy_id", "project_id", "fork_status", "deploy_status", "deployment_url", "pages_url", "deploy_error", "steps"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing %s in %s", key, raw)
		}
	}
	if string(fields["pages_url"]) != "null" {
		t.Fatalf("pages_url must be null, got %s", fields["pages_url"])
	}
}

func TestListByOwnerAndPublish(t *testing.T) {
	store := memory.New()
	hub := &broadcastMock{}
	svc := New(store, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Now()
	seed(t, store, "old", "user-1", now.Add(-time.Hour))
	seed(t, store, "new", "user-1", now)
	seed(t, store, "other", "user-2", now)

	docs, err := svc.ListByOwner(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 || docs[0].DeployID != "new" {
		t.Fatalf("expected newest first for the owner, got %+v", docs)
	}

	job, _ := store.GetJob(context.Background(), "new")
	svc.Publish(*job)
	var doc client.StatusDocument
	if hub.deployID != "new" || json.Unmarshal(hub.payload, &doc) != nil || doc.DeployID != "new" {
		t.Fatalf("unexpected broadcast %s %s", hub.deployID, hub.payload)
	}
}
