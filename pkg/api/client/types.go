package client

import "time"

// Deploy statuses as they appear on the wire.
const (
	DeployStatusPending  = "pending"
	DeployStatusCreating = "creating"
	DeployStatusBuilding = "building"
	DeployStatusReady    = "ready"
	DeployStatusError    = "error"
	DeployStatusCanceled = "canceled"
)

// Fork statuses as they appear on the wire.
const (
	ForkStatusPending = "pending"
	ForkStatusForking = "forking"
	ForkStatusForked  = "forked"
	ForkStatusFailed  = "failed"
)

// Step statuses as they appear on the wire.
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusError      = "error"
)

// StepDocument is one pipeline step in a status document.
type StepDocument struct {
	Name   string `json:"name"`
	Label  string `json:"label"`
	Status string `json:"status"`
}

// StatusDocument is the client-facing projection of a deployment job.
type StatusDocument struct {
	DeployID      string         `json:"deploy_id"`
	ProjectID     string         `json:"project_id"`
	TemplateID    string         `json:"template_id,omitempty"`
	SiteName      string         `json:"site_name,omitempty"`
	ForkStatus    string         `json:"fork_status"`
	DeployStatus  string         `json:"deploy_status"`
	DeploymentURL *string        `json:"deployment_url"`
	PagesURL      *string        `json:"pages_url"`
	DeployError   *string        `json:"deploy_error"`
	ForkError     *string        `json:"fork_error,omitempty"`
	ForkedRepoURL *string        `json:"forked_repo_url"`
	Steps         []StepDocument `json:"steps"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Terminal reports whether no further automatic transition will occur. A
// failed fork is terminal even though deploy_status stays pending.
func (d StatusDocument) Terminal() bool {
	return d.ForkStatus == ForkStatusFailed || IsTerminal(d.DeployStatus)
}

// Failed reports whether the job ended in the fork or deploy error state.
func (d StatusDocument) Failed() bool {
	return d.ForkStatus == ForkStatusFailed || d.DeployStatus == DeployStatusError
}

// FailedStep returns the first step in error.
func (d StatusDocument) FailedStep() (StepDocument, bool) {
	for _, step := range d.Steps {
		if step.Status == StepStatusError {
			return step, true
		}
	}
	return StepDocument{}, false
}

// FailureMessage returns deploy_error, falling back to fork_error.
func (d StatusDocument) FailureMessage() string {
	switch {
	case d.DeployError != nil:
		return *d.DeployError
	case d.ForkError != nil:
		return *d.ForkError
	default:
		return ""
	}
}

// IsTerminal reports whether status is ready, error or canceled.
func IsTerminal(status string) bool {
	switch status {
	case DeployStatusReady, DeployStatusError, DeployStatusCanceled:
		return true
	default:
		return false
	}
}

// Credentials carries an external provider token.
type Credentials struct {
	Token string `json:"token"`
}

// ForkRequest is the body of POST /fork.
type ForkRequest struct {
	TemplateID  string       `json:"template_id"`
	SiteName    string       `json:"site_name"`
	Credentials *Credentials `json:"credentials,omitempty"`
}

// ForkResponse is returned by POST /fork.
type ForkResponse struct {
	DeployID      string `json:"deploy_id"`
	ProjectID     string `json:"project_id"`
	ForkedRepoURL string `json:"forked_repo_url"`
}

// DeployRequest is the body of POST /deploy.
type DeployRequest struct {
	DeployID    string            `json:"deploy_id"`
	Credentials *Credentials      `json:"credentials,omitempty"`
	EnvVars     map[string]string `json:"env_vars,omitempty"`
}

// DeployResponse is returned by POST /deploy.
type DeployResponse struct {
	DeploymentURL     string `json:"deployment_url"`
	ProviderProjectID string `json:"provider_project_id"`
	DeploymentID      string `json:"deployment_id"`
}

// Template is a catalog entry.
type Template struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Repository     string   `json:"repository"`
	RequiredConfig []string `json:"required_config,omitempty"`
}

// AccountLink describes the caller's linked provider account.
type AccountLink struct {
	Provider string    `json:"provider"`
	Login    string    `json:"login"`
	Status   string    `json:"status"`
	LinkedAt time.Time `json:"linked_at"`
}

// Active reports whether the link can be used for deployments.
func (l AccountLink) Active() bool {
	return l.Status == "active"
}

// User reflects API user payloads.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// TokenPair includes access and refresh tokens.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresInSeconds int64  `json:"expires_in"`
}

// LoginResponse captures the token payload emitted by the API.
type LoginResponse struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}
