// models.go -- Shared domain types for the store package.
// Used by Postgres (durable credential store) and by the keyed TTL caches
// (memory or Redis) backing OTP codes, CSRF tokens, and rate counters.
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrOtpInvalid is returned by Verify when no live code exists for the email
// or the presented code does not match. Callers must not distinguish the two.
var ErrOtpInvalid = errors.New("invalid or expired one-time code")

// ErrCsrfInvalid is returned by Validate when no live token exists for the
// session id or the presented token does not match.
var ErrCsrfInvalid = errors.New("invalid or expired csrf token")

// ErrRateLimited is returned by Allow when the window budget is exhausted.
// Callers use errors.Is to distinguish limit rejections from store failures.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrAccountNotFound is returned by account lookups when no row matches.
// Wraps pgx.ErrNoRows at the Postgres layer so handlers never import pgx.
var ErrAccountNotFound = errors.New("account not found")

// ErrDuplicateEmail is returned by CreateAccount when the email is taken.
var ErrDuplicateEmail = errors.New("email already registered")

// Account represents a row in the accounts table.
// Email is stored lowercased; uniqueness is enforced by the database.
type Account struct {
	ID           uuid.UUID
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Window defines a sliding-window rate limit policy.
//
//	Max is the number of requests allowed within Period.
//	SkipSuccessful, when set, tells the middleware to uncount requests that
//	complete with a status below 400 (Forget is called with the member
//	returned by Allow).
type Window struct {
	Max            int
	Period         time.Duration
	SkipSuccessful bool
}
