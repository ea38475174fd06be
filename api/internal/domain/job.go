package domain

import "time"

// ForkStatus tracks the repository fork stage of a job.
type ForkStatus string

const (
	ForkStatusPending ForkStatus = "pending"
	ForkStatusForking ForkStatus = "forking"
	ForkStatusForked  ForkStatus = "forked"
	ForkStatusFailed  ForkStatus = "failed"
)

// DeployStatus tracks the hosting stage of a job.
type DeployStatus string

const (
	DeployStatusPending  DeployStatus = "pending"
	DeployStatusCreating DeployStatus = "creating"
	DeployStatusBuilding DeployStatus = "building"
	DeployStatusReady    DeployStatus = "ready"
	DeployStatusError    DeployStatus = "error"
	DeployStatusCanceled DeployStatus = "canceled"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s DeployStatus) Terminal() bool {
	switch s {
	case DeployStatusReady, DeployStatusError, DeployStatusCanceled:
		return true
	default:
		return false
	}
}

// Job captures a single one-click deployment attempt.
type Job struct {
	DeployID          string
	ProjectID         string
	OwnerID           string
	TemplateID        string
	SiteName          string
	ForkStatus        ForkStatus
	DeployStatus      DeployStatus
	Steps             []Step
	DeploymentURL     *string
	PagesURL          *string
	ForkedRepoURL     *string
	ProviderProjectID *string
	BuildID           *string
	DeployError       *string
	ForkError         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewJob returns a job in its initial state with the catalog steps attached.
func NewJob(deployID, projectID, ownerID, templateID, siteName string, now time.Time) Job {
	return Job{
		DeployID:     deployID,
		ProjectID:    projectID,
		OwnerID:      ownerID,
		TemplateID:   templateID,
		SiteName:     siteName,
		ForkStatus:   ForkStatusPending,
		DeployStatus: DeployStatusPending,
		Steps:        NewSteps(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy safe to mutate.
func (j Job) Clone() Job {
	out := j
	out.Steps = append([]Step(nil), j.Steps...)
	out.DeploymentURL = clonePtr(j.DeploymentURL)
	out.PagesURL = clonePtr(j.PagesURL)
	out.ForkedRepoURL = clonePtr(j.ForkedRepoURL)
	out.ProviderProjectID = clonePtr(j.ProviderProjectID)
	out.BuildID = clonePtr(j.BuildID)
	out.DeployError = clonePtr(j.DeployError)
	out.ForkError = clonePtr(j.ForkError)
	return out
}

// FailedStep returns the first step in error, if any.
func (j Job) FailedStep() (Step, bool) {
	for _, step := range j.Steps {
		if step.Status == StepStatusError {
			return step, true
		}
	}
	return Step{}, false
}

// StepByName looks up a step by its machine key.
func (j Job) StepByName(name string) (Step, bool) {
	for _, step := range j.Steps {
		if step.Name == name {
			return step, true
		}
	}
	return Step{}, false
}

func clonePtr(v *string) *string {
	if v == nil {
		return nil
	}
	value := *v
	return &value
}

// StringValue dereferences a nullable string.
func StringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
