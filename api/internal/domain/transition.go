package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventKind names a job transition.
type EventKind string

const (
	EventForkStarted    EventKind = "fork.started"
	EventForkCompleted  EventKind = "fork.completed"
	EventForkFailed     EventKind = "fork.failed"
	EventDeployStarted  EventKind = "deploy.started"
	EventProvisioned    EventKind = "deploy.provisioned"
	EventBuildTriggered EventKind = "deploy.build_triggered"
	EventActivated      EventKind = "deploy.activated"
	EventDeployFailed   EventKind = "deploy.failed"
)

// Event carries the artifacts produced by the stage that just finished.
type Event struct {
	Kind              EventKind
	ForkedRepoURL     string
	DeploymentURL     string
	ProviderProjectID string
	BuildID           string
	PagesURL          string
	Error             string
	At                time.Time
}

// ErrInvalidTransition indicates an event that is not legal from the job's current state.
var ErrInvalidTransition = errors.New("domain: invalid transition")

// Apply computes the job that results from ev. The input job is never
// mutated; step and URL changes for one event land together in the result.
func Apply(job Job, ev Event) (Job, error) {
	next := job.Clone()
	var err error
	switch ev.Kind {
	case EventForkStarted:
		err = next.expect(ForkStatusPending, DeployStatusPending, ev.Kind)
		if err == nil {
			next.ForkStatus = ForkStatusForking
			next.setStep(StepFork, StepStatusInProgress)
		}
	case EventForkCompleted:
		err = next.expect(ForkStatusForking, DeployStatusPending, ev.Kind)
		if err == nil {
			next.ForkStatus = ForkStatusForked
			next.setStep(StepFork, StepStatusCompleted)
			setOnce(&next.ForkedRepoURL, ev.ForkedRepoURL)
		}
	case EventForkFailed:
		err = next.expect(ForkStatusForking, DeployStatusPending, ev.Kind)
		if err == nil {
			next.ForkStatus = ForkStatusFailed
			next.setStep(StepFork, StepStatusError)
			next.ForkError = failureMessage(ev.Error, "fork failed")
		}
	case EventDeployStarted:
		err = next.expect(ForkStatusForked, DeployStatusPending, ev.Kind)
		if err == nil {
			next.DeployStatus = DeployStatusCreating
			next.setStep(StepProvision, StepStatusInProgress)
		}
	case EventProvisioned:
		err = next.expect(ForkStatusForked, DeployStatusCreating, ev.Kind)
		if err == nil {
			next.DeployStatus = DeployStatusBuilding
			next.setStep(StepProvision, StepStatusCompleted)
			next.setStep(StepBuild, StepStatusInProgress)
			setOnce(&next.DeploymentURL, ev.DeploymentURL)
			setOnce(&next.ProviderProjectID, ev.ProviderProjectID)
		}
	case EventBuildTriggered:
		err = next.expect(ForkStatusForked, DeployStatusBuilding, ev.Kind)
		if err == nil && next.stepStatus(StepBuild) != StepStatusInProgress {
			err = fmt.Errorf("%w: %s with build step %s", ErrInvalidTransition, ev.Kind, next.stepStatus(StepBuild))
		}
		if err == nil {
			next.setStep(StepBuild, StepStatusCompleted)
			next.setStep(StepActivate, StepStatusInProgress)
			setOnce(&next.BuildID, ev.BuildID)
		}
	case EventActivated:
		err = next.expect(ForkStatusForked, DeployStatusBuilding, ev.Kind)
		if err == nil && next.stepStatus(StepActivate) != StepStatusInProgress {
			err = fmt.Errorf("%w: %s with activate step %s", ErrInvalidTransition, ev.Kind, next.stepStatus(StepActivate))
		}
		if err == nil {
			next.DeployStatus = DeployStatusReady
			next.setStep(StepActivate, StepStatusCompleted)
			setOnce(&next.PagesURL, ev.PagesURL)
		}
	case EventDeployFailed:
		if next.ForkStatus != ForkStatusForked || next.DeployStatus.Terminal() || next.DeployStatus == DeployStatusPending {
			err = fmt.Errorf("%w: %s from fork=%s deploy=%s", ErrInvalidTransition, ev.Kind, next.ForkStatus, next.DeployStatus)
			break
		}
		for i := range next.Steps {
			if next.Steps[i].Status == StepStatusInProgress {
				next.Steps[i].Status = StepStatusError
				break
			}
		}
		next.DeployStatus = DeployStatusError
		next.DeployError = failureMessage(ev.Error, "deployment failed")
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev.Kind)
	}
	if err != nil {
		return job, err
	}
	if err := ValidateSteps(next.Steps); err != nil {
		return job, err
	}
	if !ev.At.IsZero() {
		next.UpdatedAt = ev.At
	}
	return next, nil
}

func (j *Job) expect(fork ForkStatus, deploy DeployStatus, kind EventKind) error {
	if j.ForkStatus != fork || j.DeployStatus != deploy {
		return fmt.Errorf("%w: %s from fork=%s deploy=%s", ErrInvalidTransition, kind, j.ForkStatus, j.DeployStatus)
	}
	return nil
}

func (j *Job) setStep(name string, status StepStatus) {
	for i := range j.Steps {
		if j.Steps[i].Name == name {
			j.Steps[i].Status = status
			return
		}
	}
}

func (j *Job) stepStatus(name string) StepStatus {
	for _, step := range j.Steps {
		if step.Name == name {
			return step.Status
		}
	}
	return ""
}

// failureMessage keeps provider text byte for byte.
func failureMessage(raw, fallback string) *string {
	msg := raw
	if msg == "" {
		msg = fallback
	}
	return &msg
}

// setOnce writes a URL field the first time a non-empty value is offered.
func setOnce(field **string, value string) {
	value = strings.TrimSpace(value)
	if value == "" || *field != nil {
		return
	}
	*field = &value
}
