// Package orchestrator drives a deployment job through fork, provision, build
// and activation against the external providers, recording every step in the
// job store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/provider"
	"github.com/splax/launchpad/api/internal/repository"
	"github.com/splax/launchpad/pkg/sitename"
)

const (
	defaultHealthInterval = 5 * time.Second
	defaultHealthAttempts = 20
	defaultCallTimeout    = time.Minute
	defaultStoreTimeout   = 10 * time.Second
)

// Options tune collaborator timing. Zero values take the defaults.
type Options struct {
	HealthInterval time.Duration
	HealthAttempts int
	// CallTimeout bounds each provider call.
	CallTimeout time.Duration
	// StoreTimeout bounds each job store write.
	StoreTimeout time.Duration
}

// TemplateSource resolves catalog entries.
type TemplateSource interface {
	Get(ctx context.Context, id string) (domain.Template, error)
}

// Publisher receives every job state the orchestrator records.
type Publisher interface {
	Publish(job domain.Job)
}

// ForkRequest starts a new job.
type ForkRequest struct {
	OwnerID     string
	TemplateID  string
	SiteName    string
	Credentials domain.Credentials
}

// ForkResult identifies the forked job.
type ForkResult struct {
	DeployID      string
	ProjectID     string
	ForkedRepoURL string
}

// DeployRequest publishes a forked job.
type DeployRequest struct {
	// OwnerID, when set, must match the job owner.
	OwnerID     string
	DeployID    string
	Credentials domain.Credentials
	EnvVars     map[string]string
}

// DeployResult is returned once the build has been triggered.
type DeployResult struct {
	DeploymentURL     string
	ProviderProjectID string
	DeploymentID      string
}

// Service implements Fork and Deploy.
type Service struct {
	jobs      repository.JobRepository
	templates TemplateSource
	forker    provider.Forker
	host      provider.Host
	health    provider.HealthChecker
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics
	opts      Options
	now       func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New constructs an orchestrator. publisher and reg may be nil.
func New(jobs repository.JobRepository, templates TemplateSource, forker provider.Forker, host provider.Host, health provider.HealthChecker, publisher Publisher, logger *slog.Logger, reg prometheus.Registerer, opts Options) *Service {
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	if opts.HealthAttempts <= 0 {
		opts.HealthAttempts = defaultHealthAttempts
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	base, stop := context.WithCancel(context.Background())
	return &Service{
		jobs:      jobs,
		templates: templates,
		forker:    forker,
		host:      host,
		health:    health,
		publisher: publisher,
		logger:    logger,
		metrics:   newMetrics(reg),
		opts:      opts,
		now:       time.Now,
		base:      base,
		stop:      stop,
	}
}

// Fork creates a job and copies the template into a repository named after
// the site. Once a job exists its outcome is recorded even if ctx is canceled.
func (s *Service) Fork(ctx context.Context, req ForkRequest) (ForkResult, error) {
	siteName := req.SiteName
	if err := sitename.Validate(siteName); err != nil {
		return ForkResult{}, err
	}
	if req.Credentials.Empty() {
		return ForkResult{}, ErrMissingCredentials
	}
	tmpl, err := s.templates.Get(ctx, req.TemplateID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ForkResult{}, &ForkError{Err: fmt.Errorf("template %s not found", req.TemplateID)}
		}
		return ForkResult{}, fmt.Errorf("load template: %w", err)
	}

	job := domain.NewJob(uuid.NewString(), uuid.NewString(), req.OwnerID, tmpl.ID, siteName, s.now().UTC())
	if err := s.jobs.CreateJob(ctx, &job); err != nil {
		return ForkResult{}, fmt.Errorf("create job: %w", err)
	}
	s.publish(&job)
	log := s.logger.With("deploy_id", job.DeployID, "project_id", job.ProjectID)

	work := context.WithoutCancel(ctx)
	if _, err := s.apply(work, job.DeployID, domain.Event{Kind: domain.EventForkStarted}); err != nil {
		return ForkResult{}, fmt.Errorf("start fork: %w", err)
	}

	callCtx, cancel := context.WithTimeout(work, s.opts.CallTimeout)
	repoURL, forkErr := s.forker.Fork(callCtx, req.Credentials, tmpl, siteName)
	cancel()
	if forkErr != nil {
		log.Error("fork failed", "template_id", tmpl.ID, "error", forkErr)
		s.metrics.step(domain.StepFork, "error")
		if _, err := s.apply(work, job.DeployID, domain.Event{Kind: domain.EventForkFailed, Error: forkErr.Error()}); err != nil {
			log.Error("record fork failure", "error", err)
		}
		return ForkResult{}, &ForkError{DeployID: job.DeployID, Err: forkErr}
	}

	if _, err := s.apply(work, job.DeployID, domain.Event{Kind: domain.EventForkCompleted, ForkedRepoURL: repoURL}); err != nil {
		recordErr := fmt.Errorf("record fork: %w", err)
		log.Error("record fork", "repo_url", repoURL, "error", err)
		s.metrics.step(domain.StepFork, "error")
		if _, err := s.apply(work, job.DeployID, domain.Event{Kind: domain.EventForkFailed, Error: recordErr.Error()}); err != nil {
			log.Error("record fork failure", "error", err)
		}
		return ForkResult{}, &ForkError{DeployID: job.DeployID, Err: recordErr}
	}
	s.metrics.step(domain.StepFork, "completed")
	log.Info("template forked", "template_id", tmpl.ID, "repo_url", repoURL)
	return ForkResult{DeployID: job.DeployID, ProjectID: job.ProjectID, ForkedRepoURL: repoURL}, nil
}

type step struct {
	name string
	run  func(ctx context.Context) (domain.Event, error)
}

// Deploy provisions hosting for a forked job and triggers its build. It
// returns once the build is triggered; activation continues in the
// background until the job reaches ready or error.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	job, err := s.jobs.GetJob(ctx, req.DeployID)
	if err != nil {
		return DeployResult{}, err
	}
	if req.OwnerID != "" && job.OwnerID != req.OwnerID {
		return DeployResult{}, repository.ErrNotFound
	}
	if job.ForkStatus != domain.ForkStatusForked {
		return DeployResult{}, ErrNotForked
	}
	if job.DeployStatus != domain.DeployStatusPending {
		return DeployResult{}, ErrDeployStarted
	}
	if req.Credentials.Empty() {
		return DeployResult{}, ErrMissingCredentials
	}
	tmpl, err := s.templates.Get(ctx, job.TemplateID)
	if err != nil {
		return DeployResult{}, fmt.Errorf("load template: %w", err)
	}
	if missing := tmpl.MissingConfig(req.EnvVars); len(missing) > 0 {
		return DeployResult{}, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	work := context.WithoutCancel(ctx)
	if _, err := s.apply(work, job.DeployID, domain.Event{Kind: domain.EventDeployStarted}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return DeployResult{}, ErrDeployStarted
		}
		return DeployResult{}, fmt.Errorf("start deploy: %w", err)
	}
	log := s.logger.With("deploy_id", job.DeployID, "project_id", job.ProjectID)

	repoURL := domain.StringValue(job.ForkedRepoURL)
	var (
		project provider.Project
		result  DeployResult
	)
	steps := []step{
		{name: domain.StepProvision, run: func(ctx context.Context) (domain.Event, error) {
			var err error
			project, err = s.host.CreateProject(ctx, req.Credentials, repoURL, tmpl, req.EnvVars)
			if err != nil {
				return domain.Event{}, err
			}
			result.DeploymentURL = project.URL
			result.ProviderProjectID = project.ID
			return domain.Event{Kind: domain.EventProvisioned, DeploymentURL: project.URL, ProviderProjectID: project.ID}, nil
		}},
		{name: domain.StepBuild, run: func(ctx context.Context) (domain.Event, error) {
			buildID, err := s.host.TriggerBuild(ctx, req.Credentials, project.ID)
			if err != nil {
				return domain.Event{}, err
			}
			result.DeploymentID = buildID
			return domain.Event{Kind: domain.EventBuildTriggered, BuildID: buildID}, nil
		}},
	}

	for _, st := range steps {
		callCtx, cancel := context.WithTimeout(work, s.opts.CallTimeout)
		ev, err := st.run(callCtx)
		cancel()
		if err != nil {
			log.Error("deploy step failed", "step", st.name, "error", err)
			return DeployResult{}, s.fail(work, job.DeployID, st.name, err)
		}
		if _, err := s.apply(work, job.DeployID, ev); err != nil {
			log.Error("record deploy step", "step", st.name, "error", err)
			return DeployResult{}, s.fail(work, job.DeployID, st.name, fmt.Errorf("record %s: %w", st.name, err))
		}
		s.metrics.step(st.name, "completed")
		log.Info("deploy step completed", "step", st.name)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.activate(job.DeployID, project.LiveURL, log)
	}()
	return result, nil
}

// activate polls the live URL until it serves or the attempts run out.
func (s *Service) activate(deployID, liveURL string, log *slog.Logger) {
	started := s.now()
	defer func() { s.metrics.observeActivation(s.now().Sub(started).Seconds()) }()

	for attempt := 1; attempt <= s.opts.HealthAttempts; attempt++ {
		checkCtx, cancel := context.WithTimeout(s.base, s.opts.CallTimeout)
		healthy, err := s.health.CheckHealth(checkCtx, liveURL)
		cancel()
		if err != nil {
			log.Debug("health check failed", "attempt", attempt, "url", liveURL, "error", err)
		}
		if healthy {
			if _, err := s.apply(context.Background(), deployID, domain.Event{Kind: domain.EventActivated, PagesURL: liveURL}); err != nil {
				log.Error("record activation", "error", err)
				_ = s.fail(context.Background(), deployID, domain.StepActivate, fmt.Errorf("record activation: %w", err))
				return
			}
			s.metrics.step(domain.StepActivate, "completed")
			log.Info("site is live", "url", liveURL, "attempts", attempt)
			return
		}
		if attempt == s.opts.HealthAttempts {
			break
		}
		wait := time.NewTimer(s.opts.HealthInterval)
		select {
		case <-wait.C:
		case <-s.base.Done():
			wait.Stop()
			_ = s.fail(context.Background(), deployID, domain.StepActivate, errors.New("site activation interrupted: server shutting down"))
			return
		}
	}
	err := fmt.Errorf("site activation timed out: %s not live after %d checks", liveURL, s.opts.HealthAttempts)
	log.Warn("activation gave up", "url", liveURL, "error", err)
	_ = s.fail(context.Background(), deployID, domain.StepActivate, err)
}

// fail records deploy.failed and returns the error reported to the caller.
func (s *Service) fail(ctx context.Context, deployID, stepName string, cause error) error {
	s.metrics.step(stepName, "error")
	if _, err := s.apply(ctx, deployID, domain.Event{Kind: domain.EventDeployFailed, Error: cause.Error()}); err != nil {
		s.logger.Error("record deploy failure", "deploy_id", deployID, "step", stepName, "error", err)
	}
	return &DeployError{DeployID: deployID, Step: stepName, Err: cause}
}

func (s *Service) apply(ctx context.Context, deployID string, ev domain.Event) (*domain.Job, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	job, err := s.jobs.ApplyEvent(storeCtx, deployID, ev)
	if err != nil {
		return nil, err
	}
	s.publish(job)
	return job, nil
}

func (s *Service) publish(job *domain.Job) {
	if s.publisher == nil || job == nil {
		return
	}
	s.publisher.Publish(job.Clone())
}

// Wait blocks until every background activation has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close interrupts running activations, recording them as failed, and waits
// for them to return.
func (s *Service) Close() {
	s.stop()
	s.wg.Wait()
}
