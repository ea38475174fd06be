package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the launchpad API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Message returns the server supplied error text for API errors and
// err.Error() otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Signup registers an account and returns its first token pair.
func (c *Client) Signup(ctx context.Context, email, password string) (LoginResponse, error) {
	var resp LoginResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/signup", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var resp LoginResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// Refresh trades a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var resp TokenPair
	body := map[string]string{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, "", &resp); err != nil {
		return TokenPair{}, err
	}
	return resp, nil
}

// GetAccountLink returns the caller's provider link.
func (c *Client) GetAccountLink(ctx context.Context, token string) (AccountLink, error) {
	var link AccountLink
	if err := c.do(ctx, http.MethodGet, "/accounts/link", nil, token, &link); err != nil {
		return AccountLink{}, err
	}
	return link, nil
}

// LinkAccount verifies and stores a provider token for the caller.
func (c *Client) LinkAccount(ctx context.Context, token, providerToken string) (AccountLink, error) {
	var link AccountLink
	body := Credentials{Token: providerToken}
	if err := c.do(ctx, http.MethodPost, "/accounts/link", body, token, &link); err != nil {
		return AccountLink{}, err
	}
	return link, nil
}

// UnlinkAccount revokes the caller's provider link.
func (c *Client) UnlinkAccount(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/accounts/link", nil, token, nil)
}

// ListTemplates returns the template catalog.
func (c *Client) ListTemplates(ctx context.Context, token string) ([]Template, error) {
	var templates []Template
	if err := c.do(ctx, http.MethodGet, "/templates", nil, token, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// ListProjects returns the caller's deployments, newest first.
func (c *Client) ListProjects(ctx context.Context, token string, limit int) ([]StatusDocument, error) {
	path := "/projects"
	if limit > 0 {
		path = fmt.Sprintf("/projects?limit=%d", limit)
	}
	var projects []StatusDocument
	if err := c.do(ctx, http.MethodGet, path, nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// Fork creates a deployment job by forking a template.
func (c *Client) Fork(ctx context.Context, token string, req ForkRequest) (ForkResponse, error) {
	var resp ForkResponse
	if err := c.do(ctx, http.MethodPost, "/fork", req, token, &resp); err != nil {
		return ForkResponse{}, err
	}
	return resp, nil
}

// Deploy provisions hosting and triggers the first build for a forked job.
func (c *Client) Deploy(ctx context.Context, token string, req DeployRequest) (DeployResponse, error) {
	var resp DeployResponse
	if err := c.do(ctx, http.MethodPost, "/deploy", req, token, &resp); err != nil {
		return DeployResponse{}, err
	}
	return resp, nil
}

// Status fetches the current status document of a job.
func (c *Client) Status(ctx context.Context, token, deployID string) (StatusDocument, error) {
	var doc StatusDocument
	path := "/status?deploy_id=" + url.QueryEscape(deployID)
	if err := c.do(ctx, http.MethodGet, path, nil, token, &doc); err != nil {
		return StatusDocument{}, err
	}
	return doc, nil
}

// WatchStatus streams status documents over the websocket endpoint until fn
// returns false, the document is terminal or ctx is done. Documents older
// than one already delivered are skipped.
func (c *Client) WatchStatus(ctx context.Context, token, deployID string, fn func(StatusDocument) bool) error {
	endpoint, err := url.Parse(c.baseURL + "/ws/status")
	if err != nil {
		return fmt.Errorf("parse websocket url: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.RawQuery = url.Values{"deploy_id": []string{deployID}}.Encode()

	header := http.Header{}
	if strings.TrimSpace(token) != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return fmt.Errorf("dial status stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	var last time.Time
	for {
		var doc StatusDocument
		if err := conn.ReadJSON(&doc); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read status stream: %w", err)
		}
		if doc.UpdatedAt.Before(last) {
			continue
		}
		last = doc.UpdatedAt
		if !fn(doc) || doc.Terminal() {
			return nil
		}
	}
}
