// Package provider declares the external collaborators a deployment job
// drives: the fork provider that copies a template repository and the host
// provider that publishes it.
package provider

import (
	"context"

	"github.com/splax/launchpad/api/internal/domain"
)

// Project is a provisioned hosting target.
type Project struct {
	// ID identifies the project at the host, used to trigger builds.
	ID string
	// URL is the management address of the project.
	URL string
	// LiveURL is where the published site will be served.
	LiveURL string
}

// Forker creates a new repository named siteName from a template.
type Forker interface {
	Fork(ctx context.Context, creds domain.Credentials, tmpl domain.Template, siteName string) (repoURL string, err error)
}

// Host provisions hosting for a repository and starts builds.
type Host interface {
	CreateProject(ctx context.Context, creds domain.Credentials, repoURL string, tmpl domain.Template, env map[string]string) (Project, error)
	TriggerBuild(ctx context.Context, creds domain.Credentials, projectID string) (buildID string, err error)
}

// HealthChecker reports whether a live URL is serving the site.
type HealthChecker interface {
	CheckHealth(ctx context.Context, liveURL string) (bool, error)
}

// Verifier resolves the account that owns a token.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (login string, err error)
}
