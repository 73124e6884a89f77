// handler.go -- HTTP handlers for the authentication surface.
//
// register / login / verify-otp are CSRF-gated; verify-token / refresh-token
// are bearer-gated. Validation problems come back with field-level detail;
// authentication problems are always the same generic message so a caller
// can't learn which factor failed or whether an account exists.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/resumehub/authd/internal/mail"
	"github.com/resumehub/authd/internal/store"
	"github.com/resumehub/authd/internal/token"
)

// CredentialStore defines the durable account operations needed by auth
// handlers. Satisfied by *store.PostgresStore -- defined here (at consumer)
// per Go convention.
type CredentialStore interface {
	// CreateAccount inserts a new account; the caller supplies the UUIDv7,
	// the lowercased email, and the Argon2id hash.
	// Returns store.ErrDuplicateEmail when the email is taken.
	CreateAccount(ctx context.Context, id uuid.UUID, name, email, passwordHash string) error

	// GetAccountByEmail fetches an account by lowercased email.
	// Returns store.ErrAccountNotFound if no row matches.
	GetAccountByEmail(ctx context.Context, email string) (*store.Account, error)

	// GetAccountByID fetches an account by primary key.
	// Returns store.ErrAccountNotFound if no row matches.
	GetAccountByID(ctx context.Context, id uuid.UUID) (*store.Account, error)
}

// OtpStore holds at most one live single-use code per email.
// Satisfied by *store.MemoryOtpStore and *store.RedisOtpStore.
type OtpStore interface {
	// Issue generates a fresh 6-digit code, superseding any prior one.
	Issue(ctx context.Context, email string) (string, error)

	// Verify consumes the live code on match; returns store.ErrOtpInvalid
	// for absent, expired, or mismatched codes.
	Verify(ctx context.Context, email, code string) error
}

// CsrfCache holds at most one live anti-forgery token per session id.
// Satisfied by *store.MemoryCsrfCache and *store.RedisCsrfCache.
type CsrfCache interface {
	// Issue generates a fresh token, overwriting any prior one.
	Issue(ctx context.Context, sessionID string) (string, error)

	// Validate compares in constant time; returns store.ErrCsrfInvalid for
	// absent, expired, or mismatched tokens.
	Validate(ctx context.Context, sessionID, presented string) error
}

// RateLimiter checks and records sliding-window state for a key.
// Satisfied by *store.MemoryRateLimiter and *store.RedisRateLimiter.
type RateLimiter interface {
	// Allow counts one request; returns store.ErrRateLimited with a
	// retry-after hint when the window budget is exhausted.
	Allow(ctx context.Context, key string, w store.Window) (member string, retryAfter time.Duration, err error)

	// Forget uncounts a previously allowed request.
	Forget(ctx context.Context, key string, w store.Window, member string) error
}

// AuthHandler holds dependencies for all auth HTTP handlers and middleware.
type AuthHandler struct {
	CS   CredentialStore
	OTP  OtpStore
	CSRF CsrfCache
	RL   RateLimiter
	ML   mail.Mailer
	TK   *token.Issuer
}

// userPayload is the public profile shape returned by the token endpoints.
type userPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func publicProfile(a *store.Account) userPayload {
	return userPayload{ID: a.ID.String(), Name: a.Name, Email: a.Email}
}

// decodeJSON reads a JSON request body with a size cap. Oversized or
// malformed bodies are a decode error, surfaced to the caller as a 400.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

// CsrfToken handles GET /csrf-token -- issues a fresh anti-forgery token for
// the caller's session id (X-Session-Id header, falling back to IP). A new
// issuance overwrites the prior token for that session id.
func (h *AuthHandler) CsrfToken(w http.ResponseWriter, r *http.Request) {
	tok, err := h.CSRF.Issue(r.Context(), csrfSessionID(r))
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	logDebug(r, "csrf token issued")
	OK(w, map[string]string{"csrfToken": tok})
}

// Register handles POST /register -- name + email + password signup.
// Returns 201 {ok:true}, 400 with per-field detail, 409 on duplicate email.
// No token is issued; the caller must separately log in.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &input); err != nil {
		logWarn(r, "failed to decode register input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	input.Email = NormalizeEmail(input.Email)

	fields := map[string]string{}
	if msg := ValidateName(input.Name); msg != "" {
		fields["name"] = msg
	}
	if msg := ValidateEmail(input.Email); msg != "" {
		fields["email"] = msg
	}
	if msg := ValidatePassword(input.Password); msg != "" {
		fields["password"] = msg
	}
	if len(fields) > 0 {
		ValidationFailed(w, r, fields)
		return
	}

	hashed, err := HashPassword(input.Password)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	accountID, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	if err := h.CS.CreateAccount(r.Context(), accountID, input.Name, input.Email, hashed); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			logInfo(r, "registration attempted with existing email")
			Conflict(w, "email already registered")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "account registered", "account_id", accountID)
	Created(w, map[string]bool{"ok": true})
}

// Login handles POST /login -- the password factor.
// On success a fresh OTP record supersedes any prior one for the email, the
// code is dispatched by the mailer, and a pending token comes back:
// {step:"otp", pendingToken, deliveryPreview?}. The pending token proves
// password correctness only. Any credential failure is a generic 401.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &input); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	input.Email = NormalizeEmail(input.Email)

	fields := map[string]string{}
	if input.Email == "" {
		fields["email"] = "email is required"
	}
	if input.Password == "" {
		fields["password"] = "password is required"
	}
	if len(fields) > 0 {
		ValidationFailed(w, r, fields)
		return
	}

	account, err := h.CS.GetAccountByEmail(r.Context(), input.Email)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			// Run the dummy hash so this path takes as long as a real verify.
			VerifyPassword(input.Password, dummyPasswordHash())
			logInfo(r, "login attempted with unknown email")
			Unauthorized(w, r, "invalid credentials")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	valid, err := VerifyPassword(input.Password, account.PasswordHash)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !valid {
		logInfo(r, "login attempted with incorrect password", "account_id", account.ID)
		Unauthorized(w, r, "invalid credentials")
		return
	}

	// The OTP record and pending token must exist before mail dispatch is
	// attempted -- a failed delivery leaves the code valid for alternate delivery.
	code, err := h.OTP.Issue(r.Context(), input.Email)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	pendingToken, _, err := h.TK.MintPending(input.Email)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	preview, err := h.ML.SendLoginCode(r.Context(), account.Email, code, h.TK.TTL())
	if err != nil {
		logWarn(r, "failed to send login code email", "error", err, "account_id", account.ID)
		preview = ""
	}

	logInfo(r, "password factor passed, otp issued", "account_id", account.ID)

	resp := map[string]string{
		"step":         "otp",
		"pendingToken": pendingToken,
	}
	if preview != "" {
		resp["deliveryPreview"] = preview
	}
	OK(w, resp)
}

// VerifyOtp handles POST /verify-otp -- the second factor.
// On match the code is consumed (single use) and a full session token comes
// back with the account's public profile. On mismatch the caller may retry
// against the same code until its TTL lapses; after that a fresh login is
// required. A vanished account is a 404.
func (h *AuthHandler) VerifyOtp(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeJSON(r, &input); err != nil {
		logWarn(r, "failed to decode verify-otp input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	input.Email = NormalizeEmail(input.Email)

	fields := map[string]string{}
	if input.Email == "" {
		fields["email"] = "email is required"
	}
	if input.Code == "" {
		fields["code"] = "code is required"
	}
	if len(fields) > 0 {
		ValidationFailed(w, r, fields)
		return
	}

	if err := h.OTP.Verify(r.Context(), input.Email, input.Code); err != nil {
		if errors.Is(err, store.ErrOtpInvalid) {
			logInfo(r, "otp verification failed")
			Unauthorized(w, r, "invalid or expired code")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	account, err := h.CS.GetAccountByEmail(r.Context(), input.Email)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			logWarn(r, "otp verified but account is gone")
			NotFound(w, "account not found")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	h.writeSessionToken(w, r, account, "otp verified, session issued")
}

// VerifyToken handles POST /verify-token -- bearer-gated, read-only.
// RequireBearer has already checked signature, expiry, and stage; this
// confirms the referenced account still exists and returns the profile.
func (h *AuthHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	account, ok := h.accountFromClaims(w, r)
	if !ok {
		return
	}

	OK(w, map[string]any{
		"valid": true,
		"user":  publicProfile(account),
	})
}

// RefreshToken handles POST /refresh-token -- bearer-gated.
// Mints a new authenticated token with a fresh window for the same subject.
// Pending tokens never reach here (RequireBearer rejects them), so refresh
// cannot bypass the second factor. Safe under concurrent calls: each mints
// an independently valid token.
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	account, ok := h.accountFromClaims(w, r)
	if !ok {
		return
	}

	h.writeSessionToken(w, r, account, "session token refreshed")
}

// accountFromClaims resolves the bearer claims in context to a live account.
// Writes the failure response and returns ok=false when that isn't possible.
func (h *AuthHandler) accountFromClaims(w http.ResponseWriter, r *http.Request) (*store.Account, bool) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		logError(r, "bearer handler called without claims in context")
		InternalServerError(w, r, errors.New("missing claims context"))
		return nil, false
	}

	accountID, err := uuid.FromString(claims.Subject)
	if err != nil {
		logWarn(r, "bearer token subject is not a uuid")
		Unauthorized(w, r, "invalid or expired token")
		return nil, false
	}

	account, err := h.CS.GetAccountByID(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			logWarn(r, "bearer token references a vanished account", "account_id", accountID)
			NotFound(w, "account not found")
			return nil, false
		}
		InternalServerError(w, r, err)
		return nil, false
	}

	return account, true
}

// writeSessionToken mints an authenticated token for the account and writes
// the standard {token, expiresAt, user} payload.
func (h *AuthHandler) writeSessionToken(w http.ResponseWriter, r *http.Request, account *store.Account, logMsg string) {
	sessionToken, expiresAt, err := h.TK.MintAuthenticated(account.ID, account.Email)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, logMsg, "account_id", account.ID)
	OK(w, map[string]any{
		"token":     sessionToken,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
		"user":      publicProfile(account),
	})
}
