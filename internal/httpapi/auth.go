package httpapi

import (
	"context"
	"net/http"

	"pushd.sh/pushd/internal/apperr"
)

var rateLimitedErr = apperr.New(apperr.RateLimited, "too many requests")

// Authenticator resolves the account ID behind an inbound management
// request. Per spec §1, end-user/operator authentication is an external
// collaborator — this package only defines the seam middleware consults;
// no concrete flow ships here.
type Authenticator interface {
	Authenticate(r *http.Request) (accountID string, err error)
}

// RateLimiter decides whether to admit a request. Per spec §1, rate
// limiting itself is an external collaborator; spec §6 only requires
// the release route exist and behave correctly when fronted by one.
type RateLimiter interface {
	Allow(r *http.Request) bool
}

// NoopRateLimiter admits every request. The default when no RateLimiter
// is configured, since spec §1 excludes rate limiting from this
// service's own scope.
type NoopRateLimiter struct{}

// Allow always returns true.
func (NoopRateLimiter) Allow(*http.Request) bool { return true }

type contextKey int

const accountIDKey contextKey = 0

// accountIDFrom returns the authenticated account ID withAuth placed on
// r's context.
func accountIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(accountIDKey).(string)
	return id
}

// withAuth authenticates every request through auth, rejecting with 401 on
// failure and otherwise placing the resolved account ID on the request
// context for handlers to read via accountIDFrom.
func withAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, err := auth.Authenticate(r)
			if err != nil {
				writeError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), accountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// withRateLimit rejects with 429 any request limiter refuses to admit.
func withRateLimit(limiter RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r) {
				writeError(w, r, rateLimitedErr)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
