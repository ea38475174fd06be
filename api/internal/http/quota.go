package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// quotaScope selects the bucket a request is counted against.
type quotaScope string

const (
	// scopeClient counts by remote address, for routes used before login.
	scopeClient quotaScope = "client"
	// scopeUser counts every request of one caller.
	scopeUser quotaScope = "user"
	// scopeJob counts one caller's requests about a single deployment.
	scopeJob quotaScope = "job"
)

type quota struct {
	scope  quotaScope
	limit  int
	window time.Duration
}

const (
	windowMinute   = time.Minute
	windowRealtime = 30 * time.Second

	quotaSignup  = 5
	quotaLogin   = 12
	quotaRefresh = 30

	// quotaUserWrite caps fork, deploy and account link calls.
	quotaUserWrite = 60
	quotaUserRead  = 240

	// quotaJobPoll allows one deployment to be polled every 3s from two
	// places at once.
	quotaJobPoll    = 40
	quotaUserStream = 30
	quotaJobStream  = 6
)

// limited counts the request against every quota in order and answers 429
// on the first one that is exhausted. The rate headers describe the quota
// closest to exhaustion.
func (r *Router) limited(route string, next http.HandlerFunc, quotas ...quota) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil {
			next(w, req)
			return
		}
		var (
			tightest quota
			decision quotaDecision
			seen     bool
		)
		for _, q := range quotas {
			key, ok := quotaKey(q.scope, req)
			if !ok || q.limit <= 0 {
				continue
			}
			d := r.limiter.Allow(key, q.limit, q.window)
			if !seen || d.remaining(q.limit) < decision.remaining(tightest.limit) {
				tightest, decision, seen = q, d, true
			}
			if !d.ok {
				setQuotaHeaders(w, q.limit, d)
				r.metrics.limited(route, q.scope)
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		if seen {
			setQuotaHeaders(w, tightest.limit, decision)
		}
		next(w, req)
	}
}

// quotaKey names the bucket for scope. Job quotas only apply when the request
// names a deployment; user and job quotas need an authenticated caller.
func quotaKey(scope quotaScope, req *http.Request) (string, bool) {
	switch scope {
	case scopeClient:
		return "client:" + remoteHost(req), true
	case scopeUser, scopeJob:
		c, ok := callerFrom(req.Context())
		if !ok || c.UserID == "" {
			return "client:" + remoteHost(req), true
		}
		if scope == scopeUser {
			return "user:" + c.UserID, true
		}
		deployID := strings.TrimSpace(req.URL.Query().Get("deploy_id"))
		if deployID == "" {
			return "", false
		}
		return "user:" + c.UserID + ":deploy:" + deployID, true
	}
	return "", false
}

func remoteHost(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

func setQuotaHeaders(w http.ResponseWriter, limit int, d quotaDecision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining(limit)))
	if !d.resetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.resetAt.Unix(), 10))
	}
}
