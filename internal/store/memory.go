// memory.go -- mutex-guarded in-memory implementations of the keyed TTL
// caches: OTP codes, CSRF tokens, and sliding-window rate counters.
//
// These are the single-process default. Expiry is checked lazily at lookup,
// so "present but past TTL" behaves exactly like "absent"; the Sweep methods
// only reclaim memory and are driven by a background ticker in main.go.
// A multi-instance deployment swaps these for the Redis pair in redis.go.
package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// GenerateOtpCode returns a uniformly random 6-digit code, zero-padded.
// Rejection sampling keeps the distribution uniform over 000000-999999.
func GenerateOtpCode() (string, error) {
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("generating otp code: %w", err)
		}
		n := binary.BigEndian.Uint32(buf[:])
		// Largest multiple of 1e6 below 2^32; values above it would skew the modulo.
		if n >= 4294000000 {
			continue
		}
		return fmt.Sprintf("%06d", n%1000000), nil
	}
}

// GenerateCsrfToken returns 32 cryptographically random bytes, hex-encoded.
func GenerateCsrfToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating csrf token: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// entry is a value with an absolute expiry time.
type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryOtpStore keeps at most one live one-time code per email.
type MemoryOtpStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	codes map[string]entry // keyed by lowercased email
}

// NewMemoryOtpStore returns an OTP store with the given code TTL.
func NewMemoryOtpStore(ttl time.Duration) *MemoryOtpStore {
	return &MemoryOtpStore{
		ttl:   ttl,
		now:   time.Now,
		codes: make(map[string]entry),
	}
}

// Issue generates a fresh 6-digit code for the email, replacing any prior
// code. Replacement and insert happen under one lock, so an in-flight Verify
// against a superseded code always fails (last write wins).
func (s *MemoryOtpStore) Issue(_ context.Context, email string) (string, error) {
	code, err := GenerateOtpCode()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.codes[email] = entry{value: code, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	return code, nil
}

// Verify checks the presented code against the live record for the email.
// On match the record is deleted (single use). Absent, expired, and
// mismatched codes all return ErrOtpInvalid.
func (s *MemoryOtpStore) Verify(_ context.Context, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[email]
	if !ok || s.now().After(e.expiresAt) {
		delete(s.codes, email)
		return ErrOtpInvalid
	}
	if subtle.ConstantTimeCompare([]byte(e.value), []byte(code)) != 1 {
		return ErrOtpInvalid
	}

	delete(s.codes, email)
	return nil
}

// Sweep removes expired records and returns how many were dropped.
func (s *MemoryOtpStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int
	for email, e := range s.codes {
		if now.After(e.expiresAt) {
			delete(s.codes, email)
			n++
		}
	}
	return n
}

// MemoryCsrfCache keeps at most one live anti-forgery token per session id.
type MemoryCsrfCache struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	tokens map[string]entry // keyed by client session id
}

// NewMemoryCsrfCache returns a CSRF cache with the given token TTL.
func NewMemoryCsrfCache(ttl time.Duration) *MemoryCsrfCache {
	return &MemoryCsrfCache{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[string]entry),
	}
}

// Issue generates a fresh token for the session id, overwriting any prior one.
func (c *MemoryCsrfCache) Issue(_ context.Context, sessionID string) (string, error) {
	token, err := GenerateCsrfToken()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.tokens[sessionID] = entry{value: token, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return token, nil
}

// Validate compares the presented token against the live token for the
// session id in constant time. The token survives validation -- one token
// covers all mutating calls within its TTL.
func (c *MemoryCsrfCache) Validate(_ context.Context, sessionID, presented string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.tokens[sessionID]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.tokens, sessionID)
		return ErrCsrfInvalid
	}
	if subtle.ConstantTimeCompare([]byte(e.value), []byte(presented)) != 1 {
		return ErrCsrfInvalid
	}
	return nil
}

// Sweep removes expired tokens and returns how many were dropped.
func (c *MemoryCsrfCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var n int
	for sid, e := range c.tokens {
		if now.After(e.expiresAt) {
			delete(c.tokens, sid)
			n++
		}
	}
	return n
}

// MemoryRateLimiter is a per-key sliding-window request counter.
type MemoryRateLimiter struct {
	now func() time.Time

	mu   sync.Mutex
	hits map[string][]hit
}

// hit is one counted request; member disambiguates hits recorded within the
// same nanosecond so Forget removes exactly one.
type hit struct {
	at     time.Time
	member string
}

// NewMemoryRateLimiter returns an empty in-memory limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		now:  time.Now,
		hits: make(map[string][]hit),
	}
}

// Allow counts one request against the key's window and reports whether it
// fits the policy. Check and record happen under one lock, so concurrent
// requests from the same client cannot slip past the budget. On rejection
// retryAfter is how long until the oldest counted hit leaves the window.
func (l *MemoryRateLimiter) Allow(_ context.Context, key string, w Window) (string, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-w.Period)

	live := l.hits[key][:0]
	for _, h := range l.hits[key] {
		if h.at.After(cutoff) {
			live = append(live, h)
		}
	}

	if len(live) >= w.Max {
		l.hits[key] = live
		retry := live[0].at.Sub(cutoff)
		return "", retry, ErrRateLimited
	}

	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.Itoa(len(live))
	l.hits[key] = append(live, hit{at: now, member: member})
	return member, 0, nil
}

// Forget uncounts a previously allowed request. Used by the auth limiter
// when the policy excludes successful requests from the budget.
func (l *MemoryRateLimiter) Forget(_ context.Context, key string, _ Window, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hits[key]
	for i, h := range hits {
		if h.member == member {
			l.hits[key] = append(hits[:i], hits[i+1:]...)
			return nil
		}
	}
	return nil
}

// Sweep drops keys whose every hit has aged out of the given period.
func (l *MemoryRateLimiter) Sweep(period time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-period)
	var n int
	for key, hits := range l.hits {
		stale := true
		for _, h := range hits {
			if h.at.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(l.hits, key)
			n++
		}
	}
	return n
}
