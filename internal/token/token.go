// Package token mints and verifies the signed, time-boxed bearer credentials
// used by the login flow.
//
// Two disjoint variants share one claim set: a pending token carries
// stage=otp plus the email and proves password correctness only; an
// authenticated token carries the account id as subject and is the full
// session credential. Neither is persisted -- verification is by signature
// and expiry alone.
package token

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// StagePending marks a token that has passed the password factor only.
// Authenticated tokens carry no stage claim.
const StagePending = "otp"

// ErrInvalidToken is returned by Verify for any unusable token: bad
// signature, malformed payload, wrong algorithm, or expired. Callers get no
// finer detail -- the generic failure prevents factor disclosure.
var ErrInvalidToken = errors.New("invalid or expired token")

// Kind identifies which variant a verified claim set is.
type Kind int

const (
	// KindUnknown is a structurally valid token matching neither variant.
	// Verification sites must reject it; it never falls through.
	KindUnknown Kind = iota
	// KindPending proves password correctness only.
	KindPending
	// KindAuthenticated is the full session credential.
	KindAuthenticated
)

// Claims is the wire claim set for both token variants.
type Claims struct {
	Stage string `json:"stage,omitempty"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Kind reports which variant the claims form. A token carrying both a stage
// and a subject, or neither, is KindUnknown.
func (c *Claims) Kind() Kind {
	switch {
	case c.Stage == StagePending && c.Subject == "":
		return KindPending
	case c.Stage == "" && c.Subject != "":
		return KindAuthenticated
	default:
		return KindUnknown
	}
}

// Issuer signs and verifies session tokens with a process-wide HS256 secret.
// Configure once at startup; safe for concurrent use.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer minting tokens valid for ttl.
func NewIssuer(secret []byte, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token issuer requires a signing secret")
	}
	if ttl <= 0 {
		return nil, errors.New("token issuer requires a positive ttl")
	}
	return &Issuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// TTL returns the validity window applied to minted tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// MintPending signs a pending-stage token for the email. It is insufficient
// for resource access; only verify-otp accepts it.
func (i *Issuer) MintPending(email string) (string, time.Time, error) {
	return i.sign(Claims{
		Stage: StagePending,
		Email: email,
	})
}

// MintAuthenticated signs a full session token for the account.
func (i *Issuer) MintAuthenticated(accountID uuid.UUID, email string) (string, time.Time, error) {
	return i.sign(Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: accountID.String(),
		},
	})
}

func (i *Issuer) sign(claims Claims) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, expiresAt, nil
}

// Verify decodes the token, checking signature and expiry. Any mismatch,
// malformed payload, or expired token returns ErrInvalidToken. The caller
// switches on Claims.Kind() to decide whether the variant is acceptable.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	)

	tok, err := parser.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
