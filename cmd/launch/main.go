package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/launchpad/pkg/api/client"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/poller"
	"github.com/splax/launchpad/pkg/wizard"
)

var buildVersion = "dev"

type app struct {
	env    config.CLIConfig
	dir    stateDir
	cfg    cliConfig
	client *apiclient.Client
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	}

	a, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "login":
		err = a.commandLogin(ctx, args)
	case "link":
		err = a.commandLink(ctx, args)
	case "unlink":
		err = a.commandUnlink(ctx)
	case "templates":
		err = a.commandTemplates(ctx)
	case "projects":
		err = a.commandProjects(ctx, args)
	case "deploy":
		err = a.commandDeploy(ctx, args)
	case "status":
		err = a.commandStatus(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", apiclient.Message(err))
		os.Exit(1)
	}
}

func newApp() (*app, error) {
	env := config.LoadCLIConfig()
	dir, err := defaultStateDir()
	if err != nil {
		return nil, err
	}
	cfg, err := dir.loadConfig(env.APIURL)
	if err != nil {
		return nil, err
	}
	a := &app{env: env, dir: dir, cfg: cfg}
	if err := a.connect(cfg.APIBaseURL); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) connect(base string) error {
	c, err := apiclient.New(base, apiclient.WithHTTPClient(&http.Client{Timeout: a.env.HTTPTimeout}))
	if err != nil {
		return err
	}
	a.client = c
	a.cfg.APIBaseURL = base
	return nil
}

func (a *app) token() (string, error) {
	token := strings.TrimSpace(a.cfg.AccessToken)
	if token == "" {
		return "", errors.New("please login first using 'launch login'")
	}
	return token, nil
}

// call runs fn with the access token, refreshing it once on a 401.
func (a *app) call(ctx context.Context, fn func(token string) error) error {
	token, err := a.token()
	if err != nil {
		return err
	}
	err = fn(token)
	if !apiclient.IsUnauthorized(err) || a.cfg.RefreshToken == "" {
		return err
	}
	pair, rerr := a.client.Refresh(ctx, a.cfg.RefreshToken)
	if rerr != nil {
		return errors.New("session expired, please login again using 'launch login'")
	}
	a.cfg.AccessToken = pair.AccessToken
	a.cfg.RefreshToken = pair.RefreshToken
	if err := a.dir.saveConfig(a.cfg); err != nil {
		return err
	}
	return fn(pair.AccessToken)
}

func (a *app) commandLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL")
	signup := fs.Bool("signup", false, "Create the account first")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}
	secret, err := promptSecret("Password: ", *password)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		if err := a.connect(*apiBase); err != nil {
			return err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.env.HTTPTimeout)
	defer cancel()
	var resp apiclient.LoginResponse
	if *signup {
		resp, err = a.client.Signup(callCtx, *email, secret)
	} else {
		resp, err = a.client.Login(callCtx, *email, secret)
	}
	if err != nil {
		return err
	}
	a.cfg.AccessToken = resp.Tokens.AccessToken
	a.cfg.RefreshToken = resp.Tokens.RefreshToken
	if err := a.dir.saveConfig(a.cfg); err != nil {
		return err
	}
	_ = a.dir.invalidateProjects()
	fmt.Printf("logged in as %s\n", resp.User.Email)
	return nil
}

func (a *app) commandLink(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("link", flag.ExitOnError)
	providerToken := fs.String("token", "", "GitHub personal access token (supply to avoid prompt)")
	fs.Parse(args)

	secret, err := promptSecret("GitHub token: ", *providerToken)
	if err != nil {
		return err
	}
	var link apiclient.AccountLink
	err = a.call(ctx, func(token string) error {
		callCtx, cancel := context.WithTimeout(ctx, a.env.HTTPTimeout)
		defer cancel()
		var err error
		link, err = a.client.LinkAccount(callCtx, token, secret)
		return err
	})
	if err != nil {
		return err
	}
	if err := a.dir.markLinked(); err != nil {
		return err
	}
	fmt.Printf("linked %s account %s\n", link.Provider, link.Login)
	return nil
}

func (a *app) commandUnlink(ctx context.Context) error {
	err := a.call(ctx, func(token string) error {
		callCtx, cancel := context.WithTimeout(ctx, a.env.HTTPTimeout)
		defer cancel()
		return a.client.UnlinkAccount(callCtx, token)
	})
	if err != nil {
		return err
	}
	fmt.Println("account unlinked")
	return nil
}

func (a *app) commandTemplates(ctx context.Context) error {
	var templates []apiclient.Template
	err := a.call(ctx, func(token string) error {
		callCtx, cancel := context.WithTimeout(ctx, a.env.HTTPTimeout)
		defer cancel()
		var err error
		templates, err = a.client.ListTemplates(callCtx, token)
		return err
	})
	if err != nil {
		return err
	}
	for _, t := range templates {
		required := "-"
		if len(t.RequiredConfig) > 0 {
			required = strings.Join(t.RequiredConfig, ",")
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Repository, required)
	}
	return nil
}

func (a *app) commandProjects(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("projects", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum number of projects to display")
	refresh := fs.Bool("refresh", false, "Ignore the local cache")
	fs.Parse(args)

	now := time.Now().UTC()
	projects, ok := a.dir.cachedProjects(now, projectsMaxAge)
	if !ok || *refresh {
		err := a.call(ctx, func(token string) error {
			callCtx, cancel := context.WithTimeout(ctx, a.env.HTTPTimeout)
			defer cancel()
			var err error
			projects, err = a.client.ListProjects(callCtx, token, 0)
			return err
		})
		if err != nil {
			return err
		}
		_ = a.dir.storeProjects(now, projects)
	}
	count := len(projects)
	if *limit > 0 && *limit < count {
		count = *limit
	}
	for _, p := range projects[:count] {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", p.DeployID, p.SiteName, p.DeployStatus, liveURL(p), p.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func (a *app) commandStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	deployID := fs.String("deploy", "", "Deployment identifier")
	watch := fs.Bool("watch", false, "Follow the deployment until it finishes")
	details := fs.Bool("details", false, "Show technical details on failure")
	fs.Parse(args)

	if strings.TrimSpace(*deployID) == "" {
		return errors.New("--deploy is required")
	}
	if *watch {
		return a.follow(ctx, *deployID, *details)
	}
	var doc apiclient.StatusDocument
	err := a.call(ctx, func(token string) error {
		callCtx, cancel := context.WithTimeout(ctx, a.env.HTTPTimeout)
		defer cancel()
		var err error
		doc, err = a.client.Status(callCtx, token, *deployID)
		return err
	})
	if err != nil {
		return err
	}
	printSteps(doc)
	if doc.Failed() {
		printFailure(wizard.Present(nil, &doc), *details)
	}
	return nil
}

type envFlags []string

func (e *envFlags) String() string     { return strings.Join(*e, ",") }
func (e *envFlags) Set(v string) error { *e = append(*e, v); return nil }

func (a *app) commandDeploy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	templateID := fs.String("template", "", "Template identifier")
	siteName := fs.String("name", "", "Site name for the new repository")
	details := fs.Bool("details", false, "Show technical details on failure")
	var envArgs envFlags
	fs.Var(&envArgs, "env", "Template configuration KEY=VALUE (repeatable)")
	fs.Parse(args)

	env, err := parseEnv(envArgs)
	if err != nil {
		return err
	}
	token, err := a.token()
	if err != nil {
		return err
	}

	ctl := wizard.New(sessionState{client: a.client, token: token}, a.dir, remote{client: a.client, token: token, env: env})
	phase, err := ctl.Phase(ctx)
	if err != nil {
		return err
	}
	switch phase {
	case wizard.PhaseAuthenticate:
		return errors.New("please login first using 'launch login'")
	case wizard.PhaseLinkAccount:
		return errors.New("link a GitHub account first using 'launch link'")
	}
	if strings.TrimSpace(*templateID) == "" {
		return errors.New("--template is required")
	}

	fmt.Printf("forking %s as %s...\n", *templateID, *siteName)
	launch, err := ctl.Start(ctx, *templateID, *siteName)
	if err != nil {
		var doc *apiclient.StatusDocument
		if id := ctl.DeployID(); id != "" {
			if d, serr := a.client.Status(ctx, token, id); serr == nil {
				doc = &d
			}
		}
		printFailure(ctl.Present(err, doc), *details)
		return errors.New("deployment did not start")
	}
	_ = a.dir.invalidateProjects()
	fmt.Printf("repository: %s\n", launch.ForkedRepoURL)
	fmt.Printf("deploy id:  %s\n", launch.DeployID)
	return a.follow(ctx, launch.DeployID, *details)
}

// follow polls a job until it is terminal and reports the outcome.
func (a *app) follow(ctx context.Context, deployID string, details bool) error {
	token, err := a.token()
	if err != nil {
		return err
	}
	p := poller.New(func(ctx context.Context, id string) (apiclient.StatusDocument, error) {
		return a.client.Status(ctx, token, id)
	}, poller.Options{
		Interval: a.env.PollInterval,
		Timeout:  a.env.PollTimeout,
		Fatal: func(err error) bool {
			return apiclient.IsUnauthorized(err) || apiclient.IsNotFound(err)
		},
	})

	var shown string
	res := p.Run(ctx, deployID, poller.Handlers{
		OnStatus: func(doc apiclient.StatusDocument) {
			if line := progressLine(doc); line != shown {
				fmt.Println(line)
				shown = line
			}
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "status check failed, retrying: %s\n", apiclient.Message(err))
		},
		OnReady: func(doc apiclient.StatusDocument) {
			_ = a.dir.invalidateProjects()
			fmt.Printf("live at %s\n", liveURL(doc))
		},
	})

	switch res.Reason {
	case poller.ReasonTerminal:
		if res.Last != nil && res.Last.Failed() {
			printFailure(wizard.Present(nil, res.Last), details)
			return errors.New("deployment failed")
		}
		return nil
	case poller.ReasonStalled:
		return fmt.Errorf("no final status after %s; check again with 'launch status --deploy %s --watch'", a.env.PollTimeout, deployID)
	case poller.ReasonCanceled:
		fmt.Printf("stopped watching; the deployment continues. Resume with 'launch status --deploy %s --watch'\n", deployID)
		return nil
	default:
		return res.Err
	}
}

// sessionState answers the wizard's authentication and link questions.
type sessionState struct {
	client *apiclient.Client
	token  string
}

func (s sessionState) Authenticated(context.Context) (bool, error) {
	return s.token != "", nil
}

func (s sessionState) AccountLinked(ctx context.Context) (bool, error) {
	link, err := s.client.GetAccountLink(ctx, s.token)
	switch {
	case apiclient.IsNotFound(err):
		return false, nil
	case err != nil:
		return false, err
	default:
		return link.Active(), nil
	}
}

// remote adapts the API client to the wizard's orchestrator.
type remote struct {
	client *apiclient.Client
	token  string
	env    map[string]string
}

func (r remote) Fork(ctx context.Context, templateID, siteName string) (apiclient.ForkResponse, error) {
	return r.client.Fork(ctx, r.token, apiclient.ForkRequest{TemplateID: templateID, SiteName: siteName})
}

func (r remote) Deploy(ctx context.Context, deployID string) (apiclient.DeployResponse, error) {
	return r.client.Deploy(ctx, r.token, apiclient.DeployRequest{DeployID: deployID, EnvVars: r.env})
}

func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q, expected KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

func promptSecret(prompt, supplied string) (string, error) {
	if secret := strings.TrimSpace(supplied); secret != "" {
		return secret, nil
	}
	fmt.Print(prompt)
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Print("\n")
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(bytes)), nil
}

func progressLine(doc apiclient.StatusDocument) string {
	parts := make([]string, 0, len(doc.Steps))
	for _, step := range doc.Steps {
		parts = append(parts, fmt.Sprintf("%s [%s]", step.Label, step.Status))
	}
	return strings.Join(parts, "  ")
}

func printSteps(doc apiclient.StatusDocument) {
	fmt.Printf("%s (%s): %s\n", doc.SiteName, doc.DeployID, doc.DeployStatus)
	for _, step := range doc.Steps {
		fmt.Printf("  %-28s %s\n", step.Label, step.Status)
	}
	if url := liveURL(doc); url != "" {
		fmt.Printf("  live at %s\n", url)
	}
}

func printFailure(p wizard.Presentation, details bool) {
	if p.FailedStep != "" {
		fmt.Fprintf(os.Stderr, "failed at: %s\n", p.FailedStep)
	}
	fmt.Fprintf(os.Stderr, "cause:     %s\n", p.Cause)
	fmt.Fprintf(os.Stderr, "fix:       %s\n", p.Remedy)
	if details && p.Details != "" {
		fmt.Fprintf(os.Stderr, "details:   %s\n", p.Details)
	}
	if p.StartOver {
		fmt.Fprintln(os.Stderr, "start over with a new 'launch deploy' once fixed")
	}
}

func liveURL(doc apiclient.StatusDocument) string {
	if doc.PagesURL != nil {
		return *doc.PagesURL
	}
	return ""
}

func printUsage() {
	fmt.Printf("launch CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	launch login --email user@example.com [--password secret] [--signup] [--api http://localhost:4000]
	launch link [--token ghp_...]
	launch unlink
	launch templates
	launch projects [--limit N] [--refresh]
	launch deploy --template <template-id> --name <site-name> [--env KEY=VALUE ...] [--details]
	launch status --deploy <deploy-id> [--watch] [--details]
	launch version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
