package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/launchpad/api/internal/domain"
	"github.com/splax/launchpad/api/internal/service/accounts"
	"github.com/splax/launchpad/api/internal/service/auth"
	"github.com/splax/launchpad/api/internal/service/orchestrator"
	"github.com/splax/launchpad/api/internal/ws"
	"github.com/splax/launchpad/pkg/api/client"
)

// Orchestrator starts and advances deployment jobs.
type Orchestrator interface {
	Fork(ctx context.Context, req orchestrator.ForkRequest) (orchestrator.ForkResult, error)
	Deploy(ctx context.Context, req orchestrator.DeployRequest) (orchestrator.DeployResult, error)
}

// StatusReader serves status documents.
type StatusReader interface {
	GetOwned(ctx context.Context, ownerID, deployID string) (client.StatusDocument, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]client.StatusDocument, error)
}

// AccountLinker manages the caller's provider account.
type AccountLinker interface {
	Link(ctx context.Context, userID, token string) (*domain.AccountLink, error)
	Get(ctx context.Context, userID string) (*domain.AccountLink, error)
	Revoke(ctx context.Context, userID string) error
	Credentials(ctx context.Context, userID string) (domain.Credentials, error)
}

// TemplateLister lists the template catalog.
type TemplateLister interface {
	List(ctx context.Context) []domain.Template
}

// Services bundles the handlers' dependencies.
type Services struct {
	Auth         auth.Service
	Accounts     AccountLinker
	Templates    TemplateLister
	Orchestrator Orchestrator
	Status       StatusReader
	Hub          *ws.Hub
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	auth         auth.Service
	accounts     AccountLinker
	templates    TemplateLister
	orchestrator Orchestrator
	status       StatusReader
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	userLimit    int
	wsBuffer     int
	dbHealth     func(context.Context) error
	metrics      *routerMetrics
}

const (
	healthCheckTimeout = 2 * time.Second
	projectsListMax    = 100
)

// Options tune router limits. Zero values take the defaults.
type Options struct {
	// UserWriteLimit caps fork, deploy and link calls per user per minute.
	UserWriteLimit int
	// WSBuffer is the per-connection outbound queue for status streams.
	WSBuffer int
	// Registerer receives the router metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, svc Services, limiter RateLimiter, opts Options, dbHealth func(context.Context) error) *Router {
	if opts.UserWriteLimit <= 0 {
		opts.UserWriteLimit = quotaUserWrite
	}
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		auth:         svc.Auth,
		accounts:     svc.Accounts,
		templates:    svc.Templates,
		orchestrator: svc.Orchestrator,
		status:       svc.Status,
		hub:          svc.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		userLimit: opts.UserWriteLimit,
		wsBuffer:  opts.WSBuffer,
		dbHealth:  dbHealth,
		metrics:   newRouterMetrics(opts.Registerer),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.routes()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) routes() {
	write := quota{scope: scopeUser, limit: r.userLimit, window: windowMinute}
	read := quota{scope: scopeUser, limit: quotaUserRead, window: windowMinute}
	poll := quota{scope: scopeJob, limit: quotaJobPoll, window: windowMinute}
	stream := quota{scope: scopeJob, limit: quotaJobStream, window: windowRealtime}
	streams := quota{scope: scopeUser, limit: quotaUserStream, window: windowRealtime}

	r.handle("/healthz", r.handleHealthz)
	r.mux.Handle("/metrics", promhttp.Handler())
	r.handle("/auth/signup", r.limited("/auth/signup", r.handleSignup, quota{scope: scopeClient, limit: quotaSignup, window: windowMinute}))
	r.handle("/auth/login", r.limited("/auth/login", r.handleLogin, quota{scope: scopeClient, limit: quotaLogin, window: windowMinute}))
	r.handle("/auth/refresh", r.limited("/auth/refresh", r.handleRefresh, quota{scope: scopeClient, limit: quotaRefresh, window: windowMinute}))
	r.handle("/accounts/link", r.authenticated(r.limited("/accounts/link", r.handleAccountLink, write)))
	r.handle("/templates", r.authenticated(r.limited("/templates", r.handleTemplates, read)))
	r.handle("/projects", r.authenticated(r.limited("/projects", r.handleProjects, read)))
	r.handle("/fork", r.authenticated(r.limited("/fork", r.handleFork, write)))
	r.handle("/deploy", r.authenticated(r.limited("/deploy", r.handleDeploy, write)))
	r.handle("/status", r.authenticated(r.limited("/status", r.handleStatus, poll, read)))
	r.handle("/ws/status", r.authenticated(r.limited("/ws/status", r.handleStatusWS, stream, streams)))
}

func (r *Router) handle(route string, h http.HandlerFunc) {
	r.mux.HandleFunc(route, r.audit(route, h))
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *Router) handleSignup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentialsPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Signup(req.Context(), payload.Email, payload.Password)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loginResponse(user, tokens))
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload credentialsPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, tokens, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(user, tokens))
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tokens, err := r.auth.Refresh(req.Context(), payload.RefreshToken)
	if err != nil {
		r.logger.Warn("refresh rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, tokenPair(tokens))
}

func (r *Router) handleAccountLink(w http.ResponseWriter, req *http.Request) {
	info, ok := callerFrom(req.Context())
	if !ok {
		r.logger.Error("auth context missing for account link", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		link, err := r.accounts.Get(req.Context(), info.UserID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, accountLink(link))
	case http.MethodPost:
		var payload struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		link, err := r.accounts.Link(req.Context(), info.UserID, payload.Token)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, accountLink(link))
	case http.MethodDelete:
		if err := r.accounts.Revoke(req.Context(), info.UserID); err != nil {
			r.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleTemplates(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	entries := r.templates.List(req.Context())
	out := make([]client.Template, 0, len(entries))
	for _, tmpl := range entries {
		out = append(out, client.Template{
			ID:             tmpl.ID,
			Name:           tmpl.Name,
			Description:    tmpl.Description,
			Repository:     tmpl.Locator(),
			RequiredConfig: tmpl.RequiredConfig,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := callerFrom(req.Context())
	if !ok {
		r.logger.Error("auth context missing for project list", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, projectsListMax)
	}
	docs, err := r.status.ListByOwner(req.Context(), info.UserID, limit)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (r *Router) handleFork(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := callerFrom(req.Context())
	if !ok {
		r.logger.Error("auth context missing for fork", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload client.ForkRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	creds, err := r.credentials(req.Context(), info.UserID, payload.Credentials)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	res, err := r.orchestrator.Fork(req.Context(), orchestrator.ForkRequest{
		OwnerID:     info.UserID,
		TemplateID:  payload.TemplateID,
		SiteName:    payload.SiteName,
		Credentials: creds,
	})
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, client.ForkResponse{
		DeployID:      res.DeployID,
		ProjectID:     res.ProjectID,
		ForkedRepoURL: res.ForkedRepoURL,
	})
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := callerFrom(req.Context())
	if !ok {
		r.logger.Error("auth context missing for deploy", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	var payload client.DeployRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.DeployID) == "" {
		writeError(w, http.StatusBadRequest, "deploy_id is required")
		return
	}
	creds, err := r.credentials(req.Context(), info.UserID, payload.Credentials)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	res, err := r.orchestrator.Deploy(req.Context(), orchestrator.DeployRequest{
		OwnerID:     info.UserID,
		DeployID:    payload.DeployID,
		Credentials: creds,
		EnvVars:     payload.EnvVars,
	})
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, client.DeployResponse{
		DeploymentURL:     res.DeploymentURL,
		ProviderProjectID: res.ProviderProjectID,
		DeploymentID:      res.DeploymentID,
	})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := callerFrom(req.Context())
	if !ok {
		r.logger.Error("auth context missing for status", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	deployID := strings.TrimSpace(req.URL.Query().Get("deploy_id"))
	if deployID == "" {
		writeError(w, http.StatusBadRequest, "deploy_id query parameter required")
		return
	}
	doc, err := r.status.GetOwned(req.Context(), info.UserID, deployID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, doc)
}

func (r *Router) handleStatusWS(w http.ResponseWriter, req *http.Request) {
	info, ok := callerFrom(req.Context())
	if !ok {
		r.logger.Error("auth context missing for status websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "status stream unavailable")
		return
	}
	deployID := strings.TrimSpace(req.URL.Query().Get("deploy_id"))
	if deployID == "" {
		writeError(w, http.StatusBadRequest, "deploy_id query parameter required")
		return
	}
	if _, err := r.status.GetOwned(req.Context(), info.UserID, deployID); err != nil {
		r.writeServiceError(w, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	sub := ws.NewClient(conn, r.logger, r.wsBuffer)
	r.hub.Register(deployID, sub)
	// The snapshot is read after registering so no transition falls between
	// the two. Readers drop documents older than one already seen.
	if doc, err := r.status.GetOwned(req.Context(), info.UserID, deployID); err == nil {
		if payload, err := json.Marshal(doc); err == nil {
			_ = sub.Send(payload)
		}
	}
	go func() {
		defer r.hub.Unregister(deployID, sub)
		sub.ReadLoop()
	}()
}

// credentials prefers explicit request credentials and falls back to the
// caller's linked account. A missing link yields empty credentials.
func (r *Router) credentials(ctx context.Context, userID string, explicit *client.Credentials) (domain.Credentials, error) {
	if explicit != nil && strings.TrimSpace(explicit.Token) != "" {
		return domain.Credentials{Token: strings.TrimSpace(explicit.Token)}, nil
	}
	if r.accounts == nil {
		return domain.Credentials{}, nil
	}
	creds, err := r.accounts.Credentials(ctx, userID)
	if errors.Is(err, accounts.ErrNotLinked) {
		return domain.Credentials{}, nil
	}
	return creds, err
}

func loginResponse(user *domain.User, tokens auth.TokenPair) client.LoginResponse {
	return client.LoginResponse{
		User:   client.User{ID: user.ID, Email: user.Email},
		Tokens: tokenPair(tokens),
	}
}

func tokenPair(tokens auth.TokenPair) client.TokenPair {
	return client.TokenPair{
		AccessToken:      tokens.AccessToken,
		RefreshToken:     tokens.RefreshToken,
		ExpiresInSeconds: int64(tokens.ExpiresIn / time.Second),
	}
}

func accountLink(link *domain.AccountLink) client.AccountLink {
	return client.AccountLink{
		Provider: link.Provider,
		Login:    link.Login,
		Status:   link.Status,
		LinkedAt: link.LinkedAt,
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.observe(route, req.Method, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := callerFrom(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
