package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// caller is the authenticated user behind a request.
type caller struct {
	UserID string
	Email  string
}

type callerKey struct{}

var (
	errNoAuthorization = errors.New("missing authorization header")
	errNotBearer       = errors.New("authorization is not a bearer token")
)

func withCaller(ctx context.Context, c caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerKey{}).(caller)
	return c, ok
}

// contextCarrier lets audit see the caller once authentication succeeds.
type contextCarrier interface {
	SetContext(context.Context)
}

// authenticated rejects requests without a valid access token and passes
// the caller to next through the request context.
func (r *Router) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("request not authenticated", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		user, _, err := r.auth.Authorize(req.Context(), token)
		if err != nil {
			r.logger.Warn("access token rejected", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		ctx := withCaller(req.Context(), caller{UserID: user.ID, Email: user.Email})
		if carrier, ok := w.(contextCarrier); ok {
			carrier.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errNoAuthorization
	}
	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errNotBearer
	}
	return token, nil
}
