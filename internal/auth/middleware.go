// middleware.go

// CSRF, bearer-token, and rate-limit middleware.
package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/resumehub/authd/internal/store"
	"github.com/resumehub/authd/internal/token"
)

// contextKey is unexported to prevent collisions with other packages using
// the same context.
type contextKey string

const claimsKey contextKey = "token_claims"

// ClaimsFromContext retrieves the verified bearer claims from context.
// Returns nil and false if RequireBearer hasn't run.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*token.Claims)
	return claims, ok
}

// clientIP returns the caller's bare IP. chi's RealIP middleware has already
// resolved proxy headers into RemoteAddr; strip the port if one remains.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// csrfSessionID returns the client-asserted correlation id for CSRF storage:
// the X-Session-Id header, falling back to the caller IP. This is
// non-confidential correlation data, not a secret -- the anti-forgery
// guarantee comes from the token itself being unlearnable cross-origin.
func csrfSessionID(r *http.Request) string {
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}
	return clientIP(r)
}

// RequireCSRF gates state-mutating auth endpoints. The client must echo the
// most recently issued token for its session id in X-CSRF-Token; anything
// else is a 403. Read-only and bearer-authenticated endpoints skip this.
func (h *AuthHandler) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-CSRF-Token")
		if presented == "" {
			logWarn(r, "csrf check failed", "reason", "missing_token_header")
			Forbidden(w)
			return
		}

		if err := h.CSRF.Validate(r.Context(), csrfSessionID(r), presented); err != nil {
			if errors.Is(err, store.ErrCsrfInvalid) {
				logWarn(r, "csrf check failed", "reason", "token_mismatch_or_expired")
				Forbidden(w)
				return
			}
			InternalServerError(w, r, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireBearer validates the Authorization bearer token and injects its
// claims into the request context. Pending-stage tokens are rejected here --
// only fully authenticated tokens reach bearer-gated handlers, so repeated
// refresh calls can never bypass the second factor.
func (h *AuthHandler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			logWarn(r, "bearer check failed", "reason", "missing_authorization_header")
			Unauthorized(w, r, "invalid or expired token")
			return
		}

		claims, err := h.TK.Verify(raw)
		if err != nil {
			logWarn(r, "bearer check failed", "reason", "verify_failed")
			Unauthorized(w, r, "invalid or expired token")
			return
		}

		switch claims.Kind() {
		case token.KindAuthenticated:
			// fall through to the handler
		case token.KindPending:
			logWarn(r, "bearer check failed", "reason", "pending_stage_token")
			Unauthorized(w, r, "invalid or expired token")
			return
		case token.KindUnknown:
			logWarn(r, "bearer check failed", "reason", "unknown_claim_shape")
			Unauthorized(w, r, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit enforces a sliding-window policy per client IP. name scopes the
// counter keys so the global and auth windows count independently. When the
// policy skips successful requests, the hit recorded up front is forgotten
// after a sub-400 response -- only failures consume the stricter budget.
func RateLimit(rl RateLimiter, name string, w store.Window) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			key := name + ":" + clientIP(r)

			member, retryAfter, err := rl.Allow(r.Context(), key, w)
			if err != nil {
				if errors.Is(err, store.ErrRateLimited) {
					logInfo(r, "request rate limited", "scope", name)
					TooManyRequests(rw, retryAfter)
					return
				}
				InternalServerError(rw, r, err)
				return
			}

			if !w.SkipSuccessful {
				next.ServeHTTP(rw, r)
				return
			}

			ww := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() < http.StatusBadRequest {
				if err := rl.Forget(r.Context(), key, w, member); err != nil {
					logWarn(r, "failed to uncount successful request", "scope", name, "error", err)
				}
			}
		})
	}
}
