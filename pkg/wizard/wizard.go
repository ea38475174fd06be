// Package wizard sequences the one-click deployment flow: authenticate, link
// an external account, pick a template, then fork and deploy it.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/splax/launchpad/pkg/api/client"
	"github.com/splax/launchpad/pkg/classify"
	"github.com/splax/launchpad/pkg/sitename"
)

// Phase is a user-facing wizard step.
type Phase string

const (
	PhaseAuthenticate   Phase = "authenticate"
	PhaseLinkAccount    Phase = "link-account"
	PhaseSelectTemplate Phase = "select-template"
	PhaseRunDeployment  Phase = "run-deployment"
)

// Phases lists every phase in display order.
func Phases() []Phase {
	return []Phase{PhaseAuthenticate, PhaseLinkAccount, PhaseSelectTemplate, PhaseRunDeployment}
}

// Signals are the inputs phase selection depends on.
type Signals struct {
	Authenticated bool
	AccountLinked bool
	// LinkCallback is set when the account-link flow has just completed.
	LinkCallback bool
	// DeployID is the active deployment, if any.
	DeployID string
}

// SelectPhase returns the phase to show for s.
func SelectPhase(s Signals) Phase {
	switch {
	case !s.Authenticated:
		return PhaseAuthenticate
	case s.DeployID != "":
		return PhaseRunDeployment
	case s.LinkCallback:
		return PhaseSelectTemplate
	case !s.AccountLinked:
		return PhaseLinkAccount
	default:
		return PhaseSelectTemplate
	}
}

var (
	// ErrBusy is returned when Start is called while another start is running.
	ErrBusy = errors.New("wizard: a deployment is already starting")
	// ErrNotAuthenticated is returned by Start before sign in.
	ErrNotAuthenticated = errors.New("wizard: sign in first")
)

// State reports authentication and account-link state.
type State interface {
	Authenticated(ctx context.Context) (bool, error)
	AccountLinked(ctx context.Context) (bool, error)
}

// Marker reads and clears the account-link callback marker.
type Marker interface {
	Consume() (bool, error)
}

// Orchestrator is the remote fork and deploy API.
type Orchestrator interface {
	Fork(ctx context.Context, templateID, siteName string) (client.ForkResponse, error)
	Deploy(ctx context.Context, deployID string) (client.DeployResponse, error)
}

// Stage names the call that failed during Start.
type Stage string

const (
	StageValidate Stage = "validate"
	StageFork     Stage = "fork"
	StageDeploy   Stage = "deploy"
)

// StartError reports which call failed. DeployID is empty when no job exists.
type StartError struct {
	Stage    Stage
	DeployID string
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Launch is the outcome of a successful Start.
type Launch struct {
	DeployID          string
	ProjectID         string
	ForkedRepoURL     string
	DeploymentURL     string
	ProviderProjectID string
}

// Presentation is what the user sees for a failure.
type Presentation struct {
	Kind       classify.Kind
	Cause      string
	Remedy     string
	FailedStep string
	Details    string
	// StartOver offers a fresh attempt with a new deploy id. There is no resume.
	StartOver bool
}

// Controller holds the active deploy id and derives the visible phase.
type Controller struct {
	state  State
	marker Marker
	orch   Orchestrator

	mu       sync.Mutex
	deployID string
	starting bool
}

// New constructs a Controller.
func New(state State, marker Marker, orch Orchestrator) *Controller {
	return &Controller{state: state, marker: marker, orch: orch}
}

// DeployID returns the active deployment id.
func (c *Controller) DeployID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deployID
}

// Phase derives the visible phase from current state. A pending link
// callback marker is consumed so it is honoured once.
func (c *Controller) Phase(ctx context.Context) (Phase, error) {
	authed, err := c.state.Authenticated(ctx)
	if err != nil {
		return "", fmt.Errorf("read session: %w", err)
	}
	signals := Signals{Authenticated: authed, DeployID: c.DeployID()}
	if !authed {
		return SelectPhase(signals), nil
	}
	if c.marker != nil {
		marked, err := c.marker.Consume()
		if err != nil {
			return "", fmt.Errorf("read link callback: %w", err)
		}
		signals.LinkCallback = marked
	}
	if !signals.LinkCallback {
		linked, err := c.state.AccountLinked(ctx)
		if err != nil {
			return "", fmt.Errorf("read account link: %w", err)
		}
		signals.AccountLinked = linked
	}
	return SelectPhase(signals), nil
}

// Start forks templateID as siteName and, only if the fork succeeds, deploys
// the new job. Any previously held deploy id is dropped first.
func (c *Controller) Start(ctx context.Context, templateID, siteName string) (Launch, error) {
	if err := sitename.Validate(siteName); err != nil {
		return Launch{}, &StartError{Stage: StageValidate, Err: err}
	}

	c.mu.Lock()
	if c.starting {
		c.mu.Unlock()
		return Launch{}, ErrBusy
	}
	c.starting = true
	c.deployID = ""
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	authed, err := c.state.Authenticated(ctx)
	if err != nil {
		return Launch{}, fmt.Errorf("read session: %w", err)
	}
	if !authed {
		return Launch{}, ErrNotAuthenticated
	}

	forked, err := c.orch.Fork(ctx, templateID, siteName)
	if err != nil {
		return Launch{}, &StartError{Stage: StageFork, Err: err}
	}
	c.mu.Lock()
	c.deployID = forked.DeployID
	c.mu.Unlock()

	launch := Launch{DeployID: forked.DeployID, ProjectID: forked.ProjectID, ForkedRepoURL: forked.ForkedRepoURL}
	deployed, err := c.orch.Deploy(ctx, forked.DeployID)
	if err != nil {
		return launch, &StartError{Stage: StageDeploy, DeployID: forked.DeployID, Err: err}
	}
	launch.DeploymentURL = deployed.DeploymentURL
	launch.ProviderProjectID = deployed.ProviderProjectID
	return launch, nil
}

// Reset drops the active deployment so the next Start is a fresh attempt.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.deployID = ""
	c.mu.Unlock()
}

// Present turns a failure into cause, remedy and technical details. doc may
// be nil when no job exists.
func (c *Controller) Present(err error, doc *client.StatusDocument) Presentation {
	return Present(err, doc)
}

// Present is the stateless form of Controller.Present.
func Present(err error, doc *client.StatusDocument) Presentation {
	raw := client.Message(err)
	var start *StartError
	if errors.As(err, &start) {
		raw = client.Message(start.Err)
	}
	cls := classify.Classify(raw, doc)
	return Presentation{
		Kind:       cls.Kind,
		Cause:      cls.Cause,
		Remedy:     cls.Remedy,
		FailedStep: cls.FailedStep,
		Details:    cls.Details,
		StartOver:  true,
	}
}
