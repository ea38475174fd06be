// Package github forks template repositories and publishes them with GitHub Pages.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/provider"
)

// ErrInvalidRepoURL is returned for repository URLs that are not owner/repo paths.
var ErrInvalidRepoURL = errors.New("github: invalid repository url")

// Options configure a Provider.
type Options struct {
	// BaseURL overrides the REST endpoint, e.g. for GitHub Enterprise.
	BaseURL       string
	RatePerSecond float64
	Burst         int
	Private       bool
	HTTPClient    *http.Client
}

// Provider implements provider.Forker, provider.Host and provider.Verifier.
type Provider struct {
	baseURL *url.URL
	base    *http.Client
	limiter *rate.Limiter
	private bool
	logger  *slog.Logger
}

var (
	_ provider.Forker   = (*Provider)(nil)
	_ provider.Host     = (*Provider)(nil)
	_ provider.Verifier = (*Provider)(nil)
)

// New constructs a Provider.
func New(opts Options, logger *slog.Logger) (*Provider, error) {
	p := &Provider{
		base:    opts.HTTPClient,
		private: opts.Private,
		logger:  logger,
	}
	if p.base == nil {
		p.base = &http.Client{Timeout: 30 * time.Second}
	}
	if raw := strings.TrimSpace(opts.BaseURL); raw != "" {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse github api url: %w", err)
		}
		p.baseURL = parsed
	}
	limit := rate.Inf
	burst := opts.Burst
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	p.limiter = rate.NewLimiter(limit, burst)
	return p, nil
}

func (p *Provider) client(token string) *gh.Client {
	transport := p.base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	hc := &http.Client{
		Timeout: p.base.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   transport,
		},
	}
	client := gh.NewClient(hc)
	if p.baseURL != nil {
		client.BaseURL = p.baseURL
	}
	return client
}

func (p *Provider) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("github: rate limiter: %w", err)
	}
	return nil
}

// VerifyToken returns the login that owns token.
func (p *Provider) VerifyToken(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("github: token required")
	}
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	user, _, err := p.client(token).Users.Get(ctx, "")
	if err != nil {
		return "", describe("verify token", err)
	}
	return user.GetLogin(), nil
}

// Fork creates siteName in the caller's account from the template repository.
func (p *Provider) Fork(ctx context.Context, creds domain.Credentials, tmpl domain.Template, siteName string) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	req := &gh.TemplateRepoRequest{
		Name:        gh.String(siteName),
		Description: gh.String(fmt.Sprintf("Created from %s", tmpl.Locator())),
		Private:     gh.Bool(p.private),
	}
	if creds.Login != "" {
		req.Owner = gh.String(creds.Login)
	}
	repo, _, err := p.client(creds.Token).Repositories.CreateFromTemplate(ctx, tmpl.SourceOwner, tmpl.SourceRepo, req)
	if err != nil {
		var ghErr *gh.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("template %s not found: %w", tmpl.Locator(), err)
		}
		return "", describe("fork template", err)
	}
	p.log().Info("repository created from template", "template", tmpl.Locator(), "repo", repo.GetFullName())
	return repo.GetHTMLURL(), nil
}

// CreateProject stores env as repository variables and enables Pages for repoURL.
func (p *Provider) CreateProject(ctx context.Context, creds domain.Credentials, repoURL string, tmpl domain.Template, env map[string]string) (provider.Project, error) {
	owner, name, err := ParseRepoURL(repoURL)
	if err != nil {
		return provider.Project{}, err
	}
	client := p.client(creds.Token)

	for _, key := range sortedKeys(env) {
		if err := p.wait(ctx); err != nil {
			return provider.Project{}, err
		}
		variable := &gh.ActionsVariable{Name: key, Value: env[key]}
		if _, err := client.Actions.CreateRepoVariable(ctx, owner, name, variable); err != nil {
			return provider.Project{}, describe("set repository variable "+key, err)
		}
	}

	branch := tmpl.PagesBranch
	if branch == "" {
		branch = "main"
	}
	path := tmpl.PagesPath
	if path == "" {
		path = "/"
	}
	if err := p.wait(ctx); err != nil {
		return provider.Project{}, err
	}
	pages, _, err := client.Repositories.EnablePages(ctx, owner, name, &gh.Pages{
		Source: &gh.PagesSource{Branch: gh.String(branch), Path: gh.String(path)},
	})
	if err != nil {
		return provider.Project{}, describe("enable pages", err)
	}

	live := pages.GetHTMLURL()
	if live == "" {
		live = fmt.Sprintf("https://%s.github.io/%s", strings.ToLower(owner), name)
	}
	project := provider.Project{
		ID:      owner + "/" + name,
		URL:     fmt.Sprintf("https://github.com/%s/%s/settings/pages", owner, name),
		LiveURL: strings.TrimRight(live, "/"),
	}
	p.log().Info("pages enabled", "project", project.ID, "live_url", project.LiveURL)
	return project, nil
}

// TriggerBuild requests a Pages build for projectID ("owner/repo").
func (p *Provider) TriggerBuild(ctx context.Context, creds domain.Credentials, projectID string) (string, error) {
	owner, name, ok := strings.Cut(projectID, "/")
	if !ok || owner == "" || name == "" {
		return "", fmt.Errorf("github: invalid project id %q", projectID)
	}
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	build, _, err := p.client(creds.Token).Repositories.RequestPageBuild(ctx, owner, name)
	if err != nil {
		return "", describe("request site build", err)
	}
	id := build.GetURL()
	if id == "" {
		id = build.GetStatus()
	}
	return id, nil
}

func (p *Provider) log() *slog.Logger {
	if p.logger == nil {
		return slog.Default()
	}
	return p.logger
}

// describe keeps the upstream error text and makes rate limiting explicit,
// since GitHub reports primary rate limits with a 403.
func describe(action string, err error) error {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return fmt.Errorf("%s: rate limit exceeded (429), resets at %s: %w", action, rateErr.Rate.Reset.Time.UTC().Format(time.RFC3339), err)
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return fmt.Errorf("%s: secondary rate limit exceeded (429): %w", action, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}

// ParseRepoURL splits https://github.com/owner/repo(.git) into owner and repo.
func ParseRepoURL(raw string) (string, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepoURL, raw)
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepoURL, raw)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
