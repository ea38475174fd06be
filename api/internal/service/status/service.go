// Package status projects deployment jobs into the status documents clients
// poll and stream.
package status

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/repository"
	"github.com/splax/launchpad/pkg/api/client"
)

const defaultListLimit = 50

// Broadcaster delivers a payload to the subscribers of one deployment.
type Broadcaster interface {
	Broadcast(deployID string, payload []byte)
}

// Service reads jobs straight from the store. Nothing is cached, so every
// call observes the latest committed transition.
type Service struct {
	jobs   repository.JobRepository
	hub    Broadcaster
	logger *slog.Logger
}

// New constructs a Service. hub may be nil.
func New(jobs repository.JobRepository, hub Broadcaster, logger *slog.Logger) *Service {
	return &Service{jobs: jobs, hub: hub, logger: logger}
}

// Get returns the status document of deployID.
func (s *Service) Get(ctx context.Context, deployID string) (client.StatusDocument, error) {
	job, err := s.jobs.GetJob(ctx, deployID)
	if err != nil {
		return client.StatusDocument{}, err
	}
	return Document(*job), nil
}

// GetOwned is Get restricted to jobs owned by ownerID. Other owners' jobs
// are reported as not found.
func (s *Service) GetOwned(ctx context.Context, ownerID, deployID string) (client.StatusDocument, error) {
	job, err := s.jobs.GetJob(ctx, deployID)
	if err != nil {
		return client.StatusDocument{}, err
	}
	if job.OwnerID != ownerID {
		return client.StatusDocument{}, repository.ErrNotFound
	}
	return Document(*job), nil
}

// ListByOwner returns the owner's jobs, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]client.StatusDocument, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	jobs, err := s.jobs.ListJobsByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, err
	}
	docs := make([]client.StatusDocument, 0, len(jobs))
	for _, job := range jobs {
		docs = append(docs, Document(job))
	}
	return docs, nil
}

// Publish streams the job's document to its subscribers.
func (s *Service) Publish(job domain.Job) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(Document(job))
	if err != nil {
		s.logger.Error("encode status document", "deploy_id", job.DeployID, "error", err)
		return
	}
	s.hub.Broadcast(job.DeployID, payload)
}

// Document converts a job to its wire form.
func Document(job domain.Job) client.StatusDocument {
	steps := make([]client.StepDocument, 0, len(job.Steps))
	for _, step := range job.Steps {
		steps = append(steps, client.StepDocument{Name: step.Name, Label: step.Label, Status: string(step.Status)})
	}
	return client.StatusDocument{
		DeployID:      job.DeployID,
		ProjectID:     job.ProjectID,
		TemplateID:    job.TemplateID,
		SiteName:      job.SiteName,
		ForkStatus:    string(job.ForkStatus),
		DeployStatus:  string(job.DeployStatus),
		DeploymentURL: job.DeploymentURL,
		PagesURL:      job.PagesURL,
		DeployError:   job.DeployError,
		ForkError:     job.ForkError,
		ForkedRepoURL: job.ForkedRepoURL,
		Steps:         steps,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}
