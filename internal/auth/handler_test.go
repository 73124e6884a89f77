// handler_test.go

// unit tests for the CsrfToken, Register, Login, VerifyOtp, VerifyToken, and
// RefreshToken handlers.

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/resumehub/authd/internal/store"
	"github.com/resumehub/authd/internal/testutil"
	"github.com/resumehub/authd/internal/token"
)

// --- Helper Functions ---

const testPassword = "correcthorsebatterystaple"

// newTestHandler wires an AuthHandler over memory stores, a recording mailer,
// and a fixed-secret issuer, with the given accounts pre-seeded.
func newTestHandler(t *testing.T, accounts ...*store.Account) (*AuthHandler, *testutil.MockCredentialStore, *testutil.MockMailer) {
	t.Helper()
	issuer, err := token.NewIssuer([]byte("test-secret-test-secret-test-sec"), 10*time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	cs := testutil.NewMockCredentialStore(accounts...)
	ml := &testutil.MockMailer{}
	h := &AuthHandler{
		CS:   cs,
		OTP:  store.NewMemoryOtpStore(10 * time.Minute),
		CSRF: store.NewMemoryCsrfCache(5 * time.Minute),
		RL:   store.NewMemoryRateLimiter(),
		ML:   ml,
		TK:   issuer,
	}
	return h, cs, ml
}

// seedAccount builds an account with a real hash of testPassword.
func seedAccount(t *testing.T, email string) *store.Account {
	t.Helper()
	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("NewV7: %v", err)
	}
	return &store.Account{
		ID:           id,
		Name:         "Ann Example",
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	return out
}

// assertBadRequest checks response is 400 JSON with expected message.
func assertBadRequest(t *testing.T, w *httptest.ResponseRecorder, expectedMsg string) {
	t.Helper()
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: expected 400, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	body, _ := io.ReadAll(w.Body)
	expected := fmt.Sprintf(`{"message":"%s"}`, expectedMsg)
	if string(body) != expected {
		t.Errorf("body: expected %q, got %q", expected, string(body))
	}
}

// assertValidationFailed checks response is 400 JSON naming the given fields.
func assertValidationFailed(t *testing.T, w *httptest.ResponseRecorder, fields ...string) {
	t.Helper()
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["message"] != "validation failed" {
		t.Errorf("message: expected 'validation failed', got %v", body["message"])
	}
	errMap, ok := body["errors"].(map[string]any)
	if !ok {
		t.Fatalf("errors: expected a field map, got %T", body["errors"])
	}
	for _, f := range fields {
		if _, present := errMap[f]; !present {
			t.Errorf("errors: expected a message for field %q, got %v", f, errMap)
		}
	}
	if len(errMap) != len(fields) {
		t.Errorf("errors: expected %d fields, got %v", len(fields), errMap)
	}
}

// assertUnauthorized checks response is 401 JSON with expected message.
func assertUnauthorized(t *testing.T, w *httptest.ResponseRecorder, expectedMsg string) {
	t.Helper()
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status: expected 401, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	body, _ := io.ReadAll(w.Body)
	expected := fmt.Sprintf(`{"message":"%s"}`, expectedMsg)
	if string(body) != expected {
		t.Errorf("body: expected %q, got %q", expected, string(body))
	}
}

// assertInternalServerError checks response is 500 JSON with generic error.
func assertInternalServerError(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status: expected 500, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if string(body) != `{"message":"internal server error"}` {
		t.Errorf("body: expected internal server error message, got %q", string(body))
	}
}

// assertSessionPayload checks the standard {token, expiresAt, user} shape and
// returns the session token.
func assertSessionPayload(t *testing.T, w *httptest.ResponseRecorder, wantEmail string) string {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	tok, _ := body["token"].(string)
	if tok == "" {
		t.Fatal("response missing session token")
	}
	expStr, _ := body["expiresAt"].(string)
	exp, err := time.Parse(time.RFC3339, expStr)
	if err != nil {
		t.Fatalf("expiresAt: expected RFC3339, got %q", expStr)
	}
	if until := time.Until(exp); until <= 0 || until > 10*time.Minute {
		t.Errorf("expiresAt: expected within the 10m window, got %v away", until)
	}
	user, ok := body["user"].(map[string]any)
	if !ok {
		t.Fatalf("user: expected a profile object, got %T", body["user"])
	}
	if user["email"] != wantEmail {
		t.Errorf("user.email: expected %q, got %v", wantEmail, user["email"])
	}
	if user["id"] == "" || user["name"] == "" {
		t.Errorf("user: expected id and name, got %v", user)
	}
	return tok
}

// --- CsrfToken ---

func TestCsrfToken(t *testing.T) {
	t.Run("issues a validatable token", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		req := httptest.NewRequest(http.MethodGet, "/csrf-token", nil)
		req.Header.Set("X-Session-Id", "session-1")
		w := httptest.NewRecorder()

		h.CsrfToken(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		tok, _ := decodeBody(t, w)["csrfToken"].(string)
		if tok == "" {
			t.Fatal("response missing csrfToken")
		}
		if err := h.CSRF.Validate(req.Context(), "session-1", tok); err != nil {
			t.Errorf("issued token should validate for its session: %v", err)
		}
	})

	t.Run("falls back to client ip without a session header", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		req := httptest.NewRequest(http.MethodGet, "/csrf-token", nil)
		req.RemoteAddr = "203.0.113.9:4821"
		w := httptest.NewRecorder()

		h.CsrfToken(w, req)

		tok, _ := decodeBody(t, w)["csrfToken"].(string)
		if err := h.CSRF.Validate(req.Context(), "203.0.113.9", tok); err != nil {
			t.Errorf("token should be keyed by client ip: %v", err)
		}
	})
}

// --- Register ---

func TestRegister(t *testing.T) {
	t.Run("success returns 201", func(t *testing.T) {
		h, cs, _ := newTestHandler(t)
		w := httptest.NewRecorder()

		h.Register(w, postJSON("/register", `{"name":"Ann","email":"ann@x.com","password":"`+testPassword+`"}`))

		if w.Code != http.StatusCreated {
			t.Fatalf("status: expected 201, got %d (%s)", w.Code, w.Body.String())
		}
		a, ok := cs.Accounts["ann@x.com"]
		if !ok {
			t.Fatal("account was not stored")
		}
		if a.PasswordHash == testPassword {
			t.Error("password must be stored hashed")
		}
		if match, _ := VerifyPassword(testPassword, a.PasswordHash); !match {
			t.Error("stored hash should verify the original password")
		}
	})

	t.Run("email is normalized before storage", func(t *testing.T) {
		h, cs, _ := newTestHandler(t)
		w := httptest.NewRecorder()

		h.Register(w, postJSON("/register", `{"name":"Ann","email":"  Ann@X.COM ","password":"`+testPassword+`"}`))

		if _, ok := cs.Accounts["ann@x.com"]; !ok {
			t.Errorf("expected lowercased key, stored keys: %v", cs.Accounts)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		w := httptest.NewRecorder()

		h.Register(w, postJSON("/register", `{not json`))

		assertBadRequest(t, w, "error decoding request body")
	})

	t.Run("validation failures are reported per field", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		w := httptest.NewRecorder()

		h.Register(w, postJSON("/register", `{"name":"","email":"bad","password":"short"}`))

		assertValidationFailed(t, w, "name", "email", "password")
	})

	t.Run("duplicate email returns 409", func(t *testing.T) {
		h, _, _ := newTestHandler(t, seedAccount(t, "ann@x.com"))
		w := httptest.NewRecorder()

		h.Register(w, postJSON("/register", `{"name":"Ann","email":"ann@x.com","password":"`+testPassword+`"}`))

		if w.Code != http.StatusConflict {
			t.Errorf("status: expected 409, got %d", w.Code)
		}
	})

	t.Run("store failure returns 500", func(t *testing.T) {
		h, cs, _ := newTestHandler(t)
		cs.CreateErr = errors.New("connection refused")
		w := httptest.NewRecorder()

		h.Register(w, postJSON("/register", `{"name":"Ann","email":"ann@x.com","password":"`+testPassword+`"}`))

		assertInternalServerError(t, w)
	})
}

// --- Login ---

func TestLogin(t *testing.T) {
	t.Run("success issues otp and pending token", func(t *testing.T) {
		h, _, ml := newTestHandler(t, seedAccount(t, "ann@x.com"))
		ml.Preview = "devmail://login-code/ann@x.com"
		w := httptest.NewRecorder()

		h.Login(w, postJSON("/login", `{"email":"ann@x.com","password":"`+testPassword+`"}`))

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d (%s)", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["step"] != "otp" {
			t.Errorf("step: expected otp, got %v", body["step"])
		}
		if body["deliveryPreview"] != ml.Preview {
			t.Errorf("deliveryPreview: expected %q, got %v", ml.Preview, body["deliveryPreview"])
		}

		// The pending token verifies but is not a full session.
		pending, _ := body["pendingToken"].(string)
		claims, err := h.TK.Verify(pending)
		if err != nil {
			t.Fatalf("pending token should verify: %v", err)
		}
		if claims.Kind() != token.KindPending {
			t.Errorf("claims kind: expected pending, got %v", claims.Kind())
		}
		if claims.Email != "ann@x.com" {
			t.Errorf("claims email: expected ann@x.com, got %q", claims.Email)
		}

		// The delivered code is the one the store will consume.
		if err := h.OTP.Verify(context.Background(), "ann@x.com", ml.LastCode()); err != nil {
			t.Errorf("mailed code should verify against the store: %v", err)
		}
	})

	t.Run("unknown email is a generic 401", func(t *testing.T) {
		h, _, ml := newTestHandler(t)
		w := httptest.NewRecorder()

		h.Login(w, postJSON("/login", `{"email":"ghost@x.com","password":"whatever-pass"}`))

		assertUnauthorized(t, w, "invalid credentials")
		if len(ml.Sent) != 0 {
			t.Error("no mail should be sent for an unknown email")
		}
	})

	t.Run("wrong password is the same generic 401", func(t *testing.T) {
		h, _, _ := newTestHandler(t, seedAccount(t, "ann@x.com"))
		w := httptest.NewRecorder()

		h.Login(w, postJSON("/login", `{"email":"ann@x.com","password":"wrong-password"}`))

		assertUnauthorized(t, w, "invalid credentials")
	})

	t.Run("missing fields", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		w := httptest.NewRecorder()

		h.Login(w, postJSON("/login", `{}`))

		assertValidationFailed(t, w, "email", "password")
	})

	t.Run("mail failure still returns the pending token", func(t *testing.T) {
		h, _, ml := newTestHandler(t, seedAccount(t, "ann@x.com"))
		ml.Err = errors.New("smtp: connection refused")
		w := httptest.NewRecorder()

		h.Login(w, postJSON("/login", `{"email":"ann@x.com","password":"`+testPassword+`"}`))

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["pendingToken"] == "" || body["pendingToken"] == nil {
			t.Error("pending token should be issued despite delivery failure")
		}
		if _, present := body["deliveryPreview"]; present {
			t.Error("no preview should be reported when delivery failed")
		}
	})
}

// --- VerifyOtp ---

// loginAndGetCode runs a successful Login and returns the mailed code.
func loginAndGetCode(t *testing.T, h *AuthHandler, ml *testutil.MockMailer, email string) string {
	t.Helper()
	w := httptest.NewRecorder()
	h.Login(w, postJSON("/login", `{"email":"`+email+`","password":"`+testPassword+`"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	code := ml.LastCode()
	if code == "" {
		t.Fatal("login did not dispatch a code")
	}
	return code
}

func TestVerifyOtp(t *testing.T) {
	t.Run("correct code yields a session token", func(t *testing.T) {
		h, _, ml := newTestHandler(t, seedAccount(t, "ann@x.com"))
		code := loginAndGetCode(t, h, ml, "ann@x.com")
		w := httptest.NewRecorder()

		h.VerifyOtp(w, postJSON("/verify-otp", `{"email":"ann@x.com","code":"`+code+`"}`))

		tok := assertSessionPayload(t, w, "ann@x.com")
		claims, err := h.TK.Verify(tok)
		if err != nil {
			t.Fatalf("session token should verify: %v", err)
		}
		if claims.Kind() != token.KindAuthenticated {
			t.Errorf("claims kind: expected authenticated, got %v", claims.Kind())
		}
	})

	t.Run("wrong code is 401 and the real code survives", func(t *testing.T) {
		h, _, ml := newTestHandler(t, seedAccount(t, "ann@x.com"))
		code := loginAndGetCode(t, h, ml, "ann@x.com")
		w := httptest.NewRecorder()

		h.VerifyOtp(w, postJSON("/verify-otp", `{"email":"ann@x.com","code":"000000"}`))

		assertUnauthorized(t, w, "invalid or expired code")

		w = httptest.NewRecorder()
		h.VerifyOtp(w, postJSON("/verify-otp", `{"email":"ann@x.com","code":"`+code+`"}`))
		assertSessionPayload(t, w, "ann@x.com")
	})

	t.Run("code is single use", func(t *testing.T) {
		h, _, ml := newTestHandler(t, seedAccount(t, "ann@x.com"))
		code := loginAndGetCode(t, h, ml, "ann@x.com")

		w := httptest.NewRecorder()
		h.VerifyOtp(w, postJSON("/verify-otp", `{"email":"ann@x.com","code":"`+code+`"}`))
		assertSessionPayload(t, w, "ann@x.com")

		w = httptest.NewRecorder()
		h.VerifyOtp(w, postJSON("/verify-otp", `{"email":"ann@x.com","code":"`+code+`"}`))
		assertUnauthorized(t, w, "invalid or expired code")
	})

	t.Run("no code issued is 401", func(t *testing.T) {
		h, _, _ := newTestHandler(t, seedAccount(t, "ann@x.com"))
		w := httptest.NewRecorder()

		h.VerifyOtp(w, postJSON("/verify-otp", `{"email":"ann@x.com","code":"123456"}`))

		assertUnauthorized(t, w, "invalid or expired code")
	})

	t.Run("vanished account is 404 and the code is spent", func(t *testing.T) {
		h, cs, ml := newTestHandler(t, seedAccount(t, "ann@x.com"))
		code := loginAndGetCode(t, h, ml, "ann@x.com")
		cs.Delete("ann@x.com")
		w := httptest.NewRecorder()

		h.VerifyOtp(w, postJSON("/verify-otp", `{"email":"ann@x.com","code":"`+code+`"}`))

		if w.Code != http.StatusNotFound {
			t.Errorf("status: expected 404, got %d", w.Code)
		}
		if err := h.OTP.Verify(context.Background(), "ann@x.com", code); !errors.Is(err, store.ErrOtpInvalid) {
			t.Errorf("code should have been consumed, got %v", err)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		w := httptest.NewRecorder()

		h.VerifyOtp(w, postJSON("/verify-otp", `{}`))

		assertValidationFailed(t, w, "email", "code")
	})
}

// --- VerifyToken / RefreshToken ---

// withClaims verifies raw and injects the resulting claims into the request
// context, standing in for RequireBearer in direct handler tests.
func withClaims(t *testing.T, h *AuthHandler, req *http.Request, raw string) *http.Request {
	t.Helper()
	claims, err := h.TK.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return req.WithContext(context.WithValue(req.Context(), claimsKey, claims))
}

func TestVerifyToken(t *testing.T) {
	t.Run("live account", func(t *testing.T) {
		account := seedAccount(t, "ann@x.com")
		h, _, _ := newTestHandler(t, account)
		raw, _, err := h.TK.MintAuthenticated(account.ID, account.Email)
		if err != nil {
			t.Fatalf("MintAuthenticated: %v", err)
		}

		req := withClaims(t, h, postJSON("/verify-token", ""), raw)
		w := httptest.NewRecorder()
		h.VerifyToken(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		body := decodeBody(t, w)
		if body["valid"] != true {
			t.Errorf("valid: expected true, got %v", body["valid"])
		}
		user, _ := body["user"].(map[string]any)
		if user["id"] != account.ID.String() {
			t.Errorf("user.id: expected %s, got %v", account.ID, user["id"])
		}
	})

	t.Run("vanished account is 404", func(t *testing.T) {
		account := seedAccount(t, "ann@x.com")
		h, cs, _ := newTestHandler(t, account)
		raw, _, err := h.TK.MintAuthenticated(account.ID, account.Email)
		if err != nil {
			t.Fatalf("MintAuthenticated: %v", err)
		}
		cs.Delete("ann@x.com")

		req := withClaims(t, h, postJSON("/verify-token", ""), raw)
		w := httptest.NewRecorder()
		h.VerifyToken(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("status: expected 404, got %d", w.Code)
		}
	})

	t.Run("missing claims context is 500", func(t *testing.T) {
		h, _, _ := newTestHandler(t)
		w := httptest.NewRecorder()

		h.VerifyToken(w, postJSON("/verify-token", ""))

		assertInternalServerError(t, w)
	})
}

func TestRefreshToken(t *testing.T) {
	t.Run("mints an independent token for the same subject", func(t *testing.T) {
		account := seedAccount(t, "ann@x.com")
		h, _, _ := newTestHandler(t, account)
		raw, _, err := h.TK.MintAuthenticated(account.ID, account.Email)
		if err != nil {
			t.Fatalf("MintAuthenticated: %v", err)
		}

		req := withClaims(t, h, postJSON("/refresh-token", ""), raw)
		w := httptest.NewRecorder()
		h.RefreshToken(w, req)

		fresh := assertSessionPayload(t, w, "ann@x.com")
		claims, err := h.TK.Verify(fresh)
		if err != nil {
			t.Fatalf("refreshed token should verify: %v", err)
		}
		if claims.Subject != account.ID.String() {
			t.Errorf("subject: expected %s, got %q", account.ID, claims.Subject)
		}
		if claims.Kind() != token.KindAuthenticated {
			t.Errorf("claims kind: expected authenticated, got %v", claims.Kind())
		}
		// The original token remains usable until its own expiry.
		if _, err := h.TK.Verify(raw); err != nil {
			t.Errorf("prior token should still verify: %v", err)
		}
	})

	t.Run("vanished account is 404", func(t *testing.T) {
		account := seedAccount(t, "ann@x.com")
		h, cs, _ := newTestHandler(t, account)
		raw, _, err := h.TK.MintAuthenticated(account.ID, account.Email)
		if err != nil {
			t.Fatalf("MintAuthenticated: %v", err)
		}
		cs.Delete("ann@x.com")

		req := withClaims(t, h, postJSON("/refresh-token", ""), raw)
		w := httptest.NewRecorder()
		h.RefreshToken(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("status: expected 404, got %d", w.Code)
		}
	})
}
