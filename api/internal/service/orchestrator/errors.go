package orchestrator

import (
	"errors"
	"fmt"

	"github.com/splax/launchpad/pkg/sitename"
)

var (
	// ErrInvalidSiteName is a precondition failure; no job is created.
	ErrInvalidSiteName = sitename.ErrInvalid
	// ErrMissingCredentials is returned when no provider token is available.
	ErrMissingCredentials = errors.New("provider credentials required")
	// ErrNotForked is returned by Deploy for jobs whose fork has not completed.
	ErrNotForked = errors.New("job has not been forked")
	// ErrDeployStarted is returned by Deploy for jobs already past pending.
	ErrDeployStarted = errors.New("deployment already started for this job")
	// ErrMissingConfig is returned when a template's required keys are absent.
	ErrMissingConfig = errors.New("missing required configuration")
)

// ForkError carries the fork collaborator's raw message. DeployID is empty
// when the failure happened before a job existed.
type ForkError struct {
	DeployID string
	Err      error
}

func (e *ForkError) Error() string {
	return e.Err.Error()
}

func (e *ForkError) Unwrap() error { return e.Err }

// DeployError reports the step that failed and the collaborator's raw message.
type DeployError struct {
	DeployID string
	Step     string
	Err      error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *DeployError) Unwrap() error { return e.Err }
