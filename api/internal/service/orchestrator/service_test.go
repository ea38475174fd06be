package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/provider"
	"github.com/splax/launchpad/api/internal/repository"
	"github.com/splax/launchpad/api/internal/repository/memory"
	"github.com/splax/launchpad/api/internal/service/templates"
	"github.com/splax/launchpad/pkg/sitename"
)

var creds = domain.Credentials{Token: "gho_test", Login: "user"}

type forkerMock struct {
	calls    atomic.Int32
	forkFunc func(ctx context.Context, tmpl domain.Template, siteName string) (string, error)
}

func (f *forkerMock) Fork(ctx context.Context, _ domain.Credentials, tmpl domain.Template, siteName string) (string, error) {
	f.calls.Add(1)
	if f.forkFunc != nil {
		return f.forkFunc(ctx, tmpl, siteName)
	}
	return "https://github.com/user/" + siteName, nil
}

type hostMock struct {
	createFunc  func(ctx context.Context, repoURL string) (provider.Project, error)
	triggerFunc func(ctx context.Context, projectID string) (string, error)
}

func (h *hostMock) CreateProject(ctx context.Context, _ domain.Credentials, repoURL string, _ domain.Template, _ map[string]string) (provider.Project, error) {
	if h.createFunc != nil {
		return h.createFunc(ctx, repoURL)
	}
	return provider.Project{
		ID:      "user/my-site",
		URL:     "https://github.com/user/my-site/settings/pages",
		LiveURL: "https://user.github.io/my-site",
	}, nil
}

func (h *hostMock) TriggerBuild(ctx context.Context, _ domain.Credentials, projectID string) (string, error) {
	if h.triggerFunc != nil {
		return h.triggerFunc(ctx, projectID)
	}
	return "build-1", nil
}

type healthMock struct {
	calls   atomic.Int32
	readyAt int32
}

func (h *healthMock) CheckHealth(context.Context, string) (bool, error) {
	n := h.calls.Add(1)
	return h.readyAt > 0 && n >= h.readyAt, nil
}

type recorder struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (r *recorder) Publish(job domain.Job) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
}

func (r *recorder) statuses() []domain.DeployStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeployStatus, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job.DeployStatus)
	}
	return out
}

// failingStore rejects the first write of one event kind.
type failingStore struct {
	*memory.Repository
	kind   domain.EventKind
	failed atomic.Bool
}

func (s *failingStore) ApplyEvent(ctx context.Context, deployID string, ev domain.Event) (*domain.Job, error) {
	if ev.Kind == s.kind && s.failed.CompareAndSwap(false, true) {
		return nil, errors.New("connection reset by peer")
	}
	return s.Repository.ApplyEvent(ctx, deployID, ev)
}

type fixture struct {
	svc    *Service
	store  *memory.Repository
	forker *forkerMock
	host   *hostMock
	health *healthMock
	pub    *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureFailing(t, opts, "")
}

// newFixtureFailing builds a fixture whose store fails the first write of
// kind. An empty kind never fails.
func newFixtureFailing(t *testing.T, opts Options, kind domain.EventKind) *fixture {
	t.Helper()
	catalog, err := templates.New(
		domain.Template{ID: "portfolio-static", Name: "Portfolio", SourceOwner: "launchpad-templates", SourceRepo: "portfolio-static"},
		domain.Template{ID: "landing-page", Name: "Landing", SourceOwner: "launchpad-templates", SourceRepo: "landing-page", RequiredConfig: []string{"SITE_TITLE"}},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = time.Millisecond
	}
	f := &fixture{
		store:  memory.New(),
		forker: &forkerMock{},
		host:   &hostMock{},
		health: &healthMock{readyAt: 1},
		pub:    &recorder{},
	}
	var jobs repository.JobRepository = f.store
	if kind != "" {
		jobs = &failingStore{Repository: f.store, kind: kind}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = New(jobs, catalog, f.forker, f.host, f.health, f.pub, logger, nil, opts)
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) fork(t *testing.T, siteName string) ForkResult {
	t.Helper()
	res, err := f.svc.Fork(context.Background(), ForkRequest{OwnerID: "user-1", TemplateID: "portfolio-static", SiteName: siteName, Credentials: creds})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	return res
}

func stepStatuses(job *domain.Job) map[string]domain.StepStatus {
	out := make(map[string]domain.StepStatus, len(job.Steps))
	for _, step := range job.Steps {
		out[step.Name] = step.Status
	}
	return out
}

func TestForkRecordsRepository(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.fork(t, "my-site")
	if res.DeployID == "" || res.ProjectID == "" || res.ForkedRepoURL != "https://github.com/user/my-site" {
		t.Fatalf("unexpected result %+v", res)
	}
	job, err := f.store.GetJob(context.Background(), res.DeployID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.ForkStatus != domain.ForkStatusForked || job.DeployStatus != domain.DeployStatusPending {
		t.Fatalf("unexpected state fork=%s deploy=%s", job.ForkStatus, job.DeployStatus)
	}
	if domain.StringValue(job.ForkedRepoURL) != res.ForkedRepoURL || job.OwnerID != "user-1" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestForkNameCollisionRecordsFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.forker.forkFunc = func(context.Context, domain.Template, string) (string, error) {
		return "", errors.New("422 Name already exists on this account")
	}
	_, err := f.svc.Fork(context.Background(), ForkRequest{OwnerID: "user-1", TemplateID: "portfolio-static", SiteName: "my-site", Credentials: creds})
	var forkErr *ForkError
	if !errors.As(err, &forkErr) || forkErr.DeployID == "" {
		t.Fatalf("expected fork error with a job, got %v", err)
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("raw provider text must be preserved, got %q", err.Error())
	}
	job, _ := f.store.GetJob(context.Background(), forkErr.DeployID)
	if job.ForkStatus != domain.ForkStatusFailed || stepStatuses(job)[domain.StepFork] != domain.StepStatusError {
		t.Fatalf("expected failed fork, got %+v", job)
	}
	if domain.StringValue(job.ForkError) != "422 Name already exists on this account" {
		t.Fatalf("unexpected fork error %q", domain.StringValue(job.ForkError))
	}

	_, err = f.svc.Deploy(context.Background(), DeployRequest{DeployID: forkErr.DeployID, Credentials: creds})
	if !errors.Is(err, ErrNotForked) {
		t.Fatalf("deploy after failed fork must be rejected, got %v", err)
	}
}

func TestForkRejectsInvalidSiteNameWithoutJob(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Fork(context.Background(), ForkRequest{OwnerID: "user-1", TemplateID: "portfolio-static", SiteName: "My_Site!", Credentials: creds})
	if !errors.Is(err, ErrInvalidSiteName) || !errors.Is(err, sitename.ErrInvalid) {
		t.Fatalf("expected invalid site name, got %v", err)
	}
	jobs, _ := f.store.ListJobsByOwner(context.Background(), "user-1", 0)
	if len(jobs) != 0 || f.forker.calls.Load() != 0 {
		t.Fatalf("no job or provider call expected, got %d jobs and %d calls", len(jobs), f.forker.calls.Load())
	}
}

func TestForkValidatesSiteNameAsSent(t *testing.T) {
	f := newFixture(t, Options{})
	for _, name := range []string{" my-site", "my-site ", "my-site\n"} {
		_, err := f.svc.Fork(context.Background(), ForkRequest{OwnerID: "user-1", TemplateID: "portfolio-static", SiteName: name, Credentials: creds})
		if !errors.Is(err, ErrInvalidSiteName) {
			t.Fatalf("%q: expected invalid site name, got %v", name, err)
		}
	}
	jobs, _ := f.store.ListJobsByOwner(context.Background(), "user-1", 0)
	if len(jobs) != 0 || f.forker.calls.Load() != 0 {
		t.Fatalf("no job or provider call expected, got %d jobs and %d calls", len(jobs), f.forker.calls.Load())
	}
}

func TestForkRecordWriteFailureFailsJob(t *testing.T) {
	f := newFixtureFailing(t, Options{}, domain.EventForkCompleted)
	_, err := f.svc.Fork(context.Background(), ForkRequest{OwnerID: "user-1", TemplateID: "portfolio-static", SiteName: "my-site", Credentials: creds})
	var forkErr *ForkError
	if !errors.As(err, &forkErr) || forkErr.DeployID == "" {
		t.Fatalf("expected fork error with a job, got %v", err)
	}
	job, _ := f.store.GetJob(context.Background(), forkErr.DeployID)
	if job.ForkStatus != domain.ForkStatusFailed || stepStatuses(job)[domain.StepFork] != domain.StepStatusError {
		t.Fatalf("expected failed fork, got fork=%s steps=%v", job.ForkStatus, stepStatuses(job))
	}
	if !strings.Contains(domain.StringValue(job.ForkError), "connection reset by peer") {
		t.Fatalf("store error must be recorded, got %q", domain.StringValue(job.ForkError))
	}
}

func TestForkPreconditions(t *testing.T) {
	f := newFixture(t, Options{})
	if _, err := f.svc.Fork(context.Background(), ForkRequest{TemplateID: "portfolio-static", SiteName: "my-site"}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
	_, err := f.svc.Fork(context.Background(), ForkRequest{TemplateID: "nope", SiteName: "my-site", Credentials: creds})
	var forkErr *ForkError
	if !errors.As(err, &forkErr) || forkErr.DeployID != "" || err.Error() != "template nope not found" {
		t.Fatalf("expected template not found without a job, got %v", err)
	}
}

func TestDeployShowsProvisionInProgress(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.fork(t, "my-site")

	var during *domain.Job
	f.host.createFunc = func(ctx context.Context, repoURL string) (provider.Project, error) {
		during, _ = f.store.GetJob(ctx, res.DeployID)
		return provider.Project{ID: "user/my-site", URL: "https://github.com/user/my-site/settings/pages", LiveURL: "https://user.github.io/my-site"}, nil
	}
	if _, err := f.svc.Deploy(context.Background(), DeployRequest{DeployID: res.DeployID, Credentials: creds}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if during == nil {
		t.Fatalf("create project was not called")
	}
	got := stepStatuses(during)
	if got[domain.StepFork] != domain.StepStatusCompleted || got[domain.StepProvision] != domain.StepStatusInProgress ||
		got[domain.StepBuild] != domain.StepStatusPending || got[domain.StepActivate] != domain.StepStatusPending {
		t.Fatalf("unexpected steps while provisioning: %v", got)
	}
	if during.DeployStatus != domain.DeployStatusCreating {
		t.Fatalf("expected creating, got %s", during.DeployStatus)
	}
}

func TestDeployReachesReady(t *testing.T) {
	f := newFixture(t, Options{})
	f.health.readyAt = 3
	res := f.fork(t, "my-site")

	out, err := f.svc.Deploy(context.Background(), DeployRequest{DeployID: res.DeployID, Credentials: creds})
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if out.DeploymentURL != "https://github.com/user/my-site/settings/pages" || out.ProviderProjectID != "user/my-site" || out.DeploymentID != "build-1" {
		t.Fatalf("unexpected result %+v", out)
	}
	f.svc.Wait()

	job, _ := f.store.GetJob(context.Background(), res.DeployID)
	if job.DeployStatus != domain.DeployStatusReady || domain.StringValue(job.PagesURL) != "https://user.github.io/my-site" {
		t.Fatalf("expected ready with pages url, got %s %q", job.DeployStatus, domain.StringValue(job.PagesURL))
	}
	for name, status := range stepStatuses(job) {
		if status != domain.StepStatusCompleted {
			t.Fatalf("step %s is %s", name, status)
		}
	}
	if f.health.calls.Load() != 3 {
		t.Fatalf("expected 3 health checks, got %d", f.health.calls.Load())
	}
	statuses := f.pub.statuses()
	if statuses[len(statuses)-1] != domain.DeployStatusReady {
		t.Fatalf("last published state must be ready, got %v", statuses)
	}
}

func TestDeployBuildFailureMarksBuildStep(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.fork(t, "my-site")
	f.host.triggerFunc = func(context.Context, string) (string, error) {
		return "", errors.New("POST https://api.github.com/repos/user/my-site/pages/builds: 502 Bad Gateway")
	}

	_, err := f.svc.Deploy(context.Background(), DeployRequest{DeployID: res.DeployID, Credentials: creds})
	var deployErr *DeployError
	if !errors.As(err, &deployErr) || deployErr.Step != domain.StepBuild || deployErr.DeployID != res.DeployID {
		t.Fatalf("expected build step error, got %v", err)
	}
	job, _ := f.store.GetJob(context.Background(), res.DeployID)
	got := stepStatuses(job)
	if job.DeployStatus != domain.DeployStatusError || got[domain.StepBuild] != domain.StepStatusError || got[domain.StepActivate] != domain.StepStatusPending {
		t.Fatalf("unexpected job state %s %v", job.DeployStatus, got)
	}
	if !strings.Contains(domain.StringValue(job.DeployError), "502 Bad Gateway") {
		t.Fatalf("raw error must be recorded, got %q", domain.StringValue(job.DeployError))
	}
	if domain.StringValue(job.DeploymentURL) == "" {
		t.Fatalf("deployment url written by provision must survive the failure")
	}
	f.svc.Wait()
	if f.health.calls.Load() != 0 {
		t.Fatalf("activation must not start after a failed build")
	}
}

func TestDeployRecordWriteFailureFailsJob(t *testing.T) {
	f := newFixtureFailing(t, Options{}, domain.EventProvisioned)
	res := f.fork(t, "my-site")

	_, err := f.svc.Deploy(context.Background(), DeployRequest{DeployID: res.DeployID, Credentials: creds})
	var deployErr *DeployError
	if !errors.As(err, &deployErr) || deployErr.Step != domain.StepProvision {
		t.Fatalf("expected provision step error, got %v", err)
	}
	job, _ := f.store.GetJob(context.Background(), res.DeployID)
	got := stepStatuses(job)
	if job.DeployStatus != domain.DeployStatusError || got[domain.StepProvision] != domain.StepStatusError {
		t.Fatalf("expected terminal error on provision, got %s %v", job.DeployStatus, got)
	}
	for name, status := range got {
		if status == domain.StepStatusInProgress {
			t.Fatalf("step %s left in progress", name)
		}
	}
	if !strings.Contains(domain.StringValue(job.DeployError), "connection reset by peer") {
		t.Fatalf("store error must be recorded, got %q", domain.StringValue(job.DeployError))
	}
	f.svc.Wait()
	if f.health.calls.Load() != 0 {
		t.Fatalf("activation must not start after a failed step")
	}
}

func TestActivationRecordWriteFailureFailsJob(t *testing.T) {
	f := newFixtureFailing(t, Options{}, domain.EventActivated)
	res := f.fork(t, "my-site")
	if _, err := f.svc.Deploy(context.Background(), DeployRequest{DeployID: res.DeployID, Credentials: creds}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	f.svc.Wait()

	job, _ := f.store.GetJob(context.Background(), res.DeployID)
	if job.DeployStatus != domain.DeployStatusError || stepStatuses(job)[domain.StepActivate] != domain.StepStatusError {
		t.Fatalf("expected activation failure, got %s %v", job.DeployStatus, stepStatuses(job))
	}
	if msg := domain.StringValue(job.DeployError); !strings.Contains(msg, "record activation") {
		t.Fatalf("unexpected error %q", msg)
	}
}

func TestDeployPreconditions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if _, err := f.svc.Deploy(ctx, DeployRequest{DeployID: "missing", Credentials: creds}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	res := f.fork(t, "my-site")
	if _, err := f.svc.Deploy(ctx, DeployRequest{OwnerID: "someone-else", DeployID: res.DeployID, Credentials: creds}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("foreign jobs must look missing, got %v", err)
	}
	if _, err := f.svc.Deploy(ctx, DeployRequest{DeployID: res.DeployID}); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}

	landing, err := f.svc.Fork(ctx, ForkRequest{TemplateID: "landing-page", SiteName: "landing", Credentials: creds})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	_, err = f.svc.Deploy(ctx, DeployRequest{DeployID: landing.DeployID, Credentials: creds, EnvVars: map[string]string{"SITE_TITLE": ""}})
	if !errors.Is(err, ErrMissingConfig) || !strings.Contains(err.Error(), "SITE_TITLE") {
		t.Fatalf("expected missing config, got %v", err)
	}
	job, _ := f.store.GetJob(ctx, landing.DeployID)
	if job.DeployStatus != domain.DeployStatusPending {
		t.Fatalf("precondition failure must not change the job, got %s", job.DeployStatus)
	}

	if _, err := f.svc.Deploy(ctx, DeployRequest{DeployID: res.DeployID, Credentials: creds}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if _, err := f.svc.Deploy(ctx, DeployRequest{DeployID: res.DeployID, Credentials: creds}); !errors.Is(err, ErrDeployStarted) {
		t.Fatalf("expected deploy started, got %v", err)
	}
}

func TestConcurrentDeployRunsOnce(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.fork(t, "my-site")

	entered := make(chan struct{})
	release := make(chan struct{})
	var creates atomic.Int32
	f.host.createFunc = func(context.Context, string) (provider.Project, error) {
		if creates.Add(1) == 1 {
			close(entered)
		}
		<-release
		return provider.Project{ID: "user/my-site", URL: "https://github.com/user/my-site/settings/pages", LiveURL: "https://user.github.io/my-site"}, nil
	}

	errs := make(chan error, 1)
	go func() {
		_, err := f.svc.Deploy(context.Background(), DeployRequest{DeployID: res.DeployID, Credentials: creds})
		errs <- err
	}()
	<-entered
	if _, err := f.svc.Deploy(context.Background(), DeployRequest{DeployID: res.DeployID, Credentials: creds}); !errors.Is(err, ErrDeployStarted) {
		t.Fatalf("second deploy must be rejected, got %v", err)
	}
	close(release)
	if err := <-errs; err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	if creates.Load() != 1 {
		t.Fatalf("expected one provisioning call, got %d", creates.Load())
	}
}

func TestActivationTimesOut(t *testing.T) {
	f := newFixture(t, Options{HealthAttempts: 3})
	f.health.readyAt = 0
	res := f.fork(t, "my-site")
	if _, err := f.svc.Deploy(context.Background(), DeployRequest{DeployID: res.DeployID, Credentials: creds}); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	f.svc.Wait()

	job, _ := f.store.GetJob(context.Background(), res.DeployID)
	if job.DeployStatus != domain.DeployStatusError || stepStatuses(job)[domain.StepActivate] != domain.StepStatusError {
		t.Fatalf("expected activation failure, got %s %v", job.DeployStatus, stepStatuses(job))
	}
	if msg := domain.StringValue(job.DeployError); !strings.Contains(msg, "not live after 3 checks") {
		t.Fatalf("unexpected error %q", msg)
	}
	if f.health.calls.Load() != 3 {
		t.Fatalf("expected 3 checks, got %d", f.health.calls.Load())
	}
}

func TestCloseInterruptsActivation(t *testing.T) {
	f := newFixture(t, Options{HealthAttempts: 5, HealthInterval: time.Hour})
	f.health.readyAt = 0
	res := f.fork(t, "my-site")
	if _, err := f.svc.Deploy(context.Background(), DeployRequest{DeployID: res.DeployID, Credentials: creds}); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		f.svc.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not return")
	}
	job, _ := f.store.GetJob(context.Background(), res.DeployID)
	if job.DeployStatus != domain.DeployStatusError || !strings.Contains(domain.StringValue(job.DeployError), "interrupted") {
		t.Fatalf("expected interrupted activation, got %s %q", job.DeployStatus, domain.StringValue(job.DeployError))
	}
}

func TestDeployIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t, Options{})
	res := f.fork(t, "my-site")
	ctx, cancel := context.WithCancel(context.Background())
	f.host.createFunc = func(callCtx context.Context, _ string) (provider.Project, error) {
		cancel()
		if callCtx.Err() != nil {
			return provider.Project{}, callCtx.Err()
		}
		return provider.Project{ID: "user/my-site", LiveURL: "https://user.github.io/my-site"}, nil
	}
	if _, err := f.svc.Deploy(ctx, DeployRequest{DeployID: res.DeployID, Credentials: creds}); err != nil {
		t.Fatalf("deploy must run to completion once started: %v", err)
	}
	f.svc.Wait()
	job, _ := f.store.GetJob(context.Background(), res.DeployID)
	if job.DeployStatus != domain.DeployStatusReady {
		t.Fatalf("expected ready, got %s", job.DeployStatus)
	}
}
