// Package health checks a published site until it serves successfully.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Checker issues one GET per CheckHealth call.
type Checker struct {
	client *http.Client
	logger *slog.Logger
}

// New returns a Checker whose requests time out after timeout.
func New(timeout time.Duration, logger *slog.Logger) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{client: &http.Client{Timeout: timeout}, logger: logger}
}

// CheckHealth reports true for 2xx and 3xx responses. Other statuses are not
// ready without error; transport failures return the error.
func (c *Checker) CheckHealth(ctx context.Context, liveURL string) (bool, error) {
	if !strings.HasPrefix(liveURL, "http://") && !strings.HasPrefix(liveURL, "https://") {
		return false, fmt.Errorf("health check: unsupported url %q", liveURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, liveURL, nil)
	if err != nil {
		return false, fmt.Errorf("health check: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 400
	if c.logger != nil {
		c.logger.Debug("health check", "url", liveURL, "status", resp.StatusCode, "healthy", healthy, "elapsed_ms", time.Since(start).Milliseconds())
	}
	return healthy, nil
}
