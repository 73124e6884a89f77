// redis.go -- go-redis backed implementations of the keyed TTL caches.
//
// Selected when REDIS_URL is configured; a multi-instance deployment points
// every node at the same Redis so OTP, CSRF, and rate-limit state is shared.
// Atomic read-modify-write paths (single-use OTP consume, windowed
// increment-and-check) run as server-side scripts so two nodes cannot race.
package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	otpKeyPrefix  = "otp:"
	csrfKeyPrefix = "csrf:"
	rateKeyPrefix = "rate:"
)

// NewRedisClient connects to Redis and verifies connectivity with a ping.
// All Redis-backed stores share the one client (and its connection pool).
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	return rdb, nil
}

// otpConsumeScript deletes the key only when its value matches the presented
// code. Returns 1 on consume, 0 otherwise. Running server-side keeps
// single-use semantics atomic across concurrent verifications.
var otpConsumeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOtpStore keeps at most one live one-time code per email under otp: keys.
type RedisOtpStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisOtpStore returns an OTP store with the given code TTL.
func NewRedisOtpStore(rdb *redis.Client, ttl time.Duration) *RedisOtpStore {
	return &RedisOtpStore{rdb: rdb, ttl: ttl}
}

// Issue generates a fresh 6-digit code for the email. SET with EX replaces
// any prior code and its TTL in one command -- last write wins.
func (s *RedisOtpStore) Issue(ctx context.Context, email string) (string, error) {
	code, err := GenerateOtpCode()
	if err != nil {
		return "", err
	}

	if err := s.rdb.Set(ctx, otpKeyPrefix+email, code, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("storing otp code: %w", err)
	}
	return code, nil
}

// Verify consumes the live code for the email if it matches. Absent, expired
// (Redis TTL already dropped it), and mismatched codes all return ErrOtpInvalid.
func (s *RedisOtpStore) Verify(ctx context.Context, email, code string) error {
	n, err := otpConsumeScript.Run(ctx, s.rdb, []string{otpKeyPrefix + email}, code).Int()
	if err != nil {
		return fmt.Errorf("consuming otp code: %w", err)
	}
	if n == 0 {
		return ErrOtpInvalid
	}
	return nil
}

// RedisCsrfCache keeps at most one live anti-forgery token per session id
// under csrf: keys.
type RedisCsrfCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCsrfCache returns a CSRF cache with the given token TTL.
func NewRedisCsrfCache(rdb *redis.Client, ttl time.Duration) *RedisCsrfCache {
	return &RedisCsrfCache{rdb: rdb, ttl: ttl}
}

// Issue generates a fresh token for the session id, overwriting any prior one.
func (c *RedisCsrfCache) Issue(ctx context.Context, sessionID string) (string, error) {
	token, err := GenerateCsrfToken()
	if err != nil {
		return "", err
	}

	if err := c.rdb.Set(ctx, csrfKeyPrefix+sessionID, token, c.ttl).Err(); err != nil {
		return "", fmt.Errorf("storing csrf token: %w", err)
	}
	return token, nil
}

// Validate compares the presented token against the live token in constant
// time. The token survives validation.
func (c *RedisCsrfCache) Validate(ctx context.Context, sessionID, presented string) error {
	stored, err := c.rdb.Get(ctx, csrfKeyPrefix+sessionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCsrfInvalid
		}
		return fmt.Errorf("fetching csrf token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return ErrCsrfInvalid
	}
	return nil
}

// rateAllowScript trims aged hits from the window's sorted set, counts what
// is left, and either records the new hit or rejects. Keys score on
// microsecond timestamps; member uniqueness comes from ARGV[4]. Returns
// {1, member} when allowed or {0, score of the oldest counted hit}.
var rateAllowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - period)
if redis.call("ZCARD", KEYS[1]) >= max then
	local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
	return {0, oldest[2]}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], period / 1000)
return {1, ARGV[4]}
`)

// RedisRateLimiter implements the sliding window over a per-key sorted set.
type RedisRateLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisRateLimiter returns a limiter backed by the given client.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb, now: time.Now}
}

// Allow counts one request against the key's window, atomically. On rejection
// retryAfter is how long until the oldest counted hit leaves the window.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, w Window) (string, time.Duration, error) {
	now := l.now()
	member := strconv.FormatInt(now.UnixNano(), 10)

	res, err := rateAllowScript.Run(ctx, l.rdb,
		[]string{rateKeyPrefix + key},
		now.UnixMicro(), w.Period.Microseconds(), w.Max, member,
	).Slice()
	if err != nil {
		return "", 0, fmt.Errorf("checking rate window: %w", err)
	}
	if len(res) != 2 {
		return "", 0, fmt.Errorf("checking rate window: unexpected script reply %v", res)
	}

	allowed, _ := res[0].(int64)
	if allowed == 1 {
		return member, 0, nil
	}

	// Oldest score comes back as a string; retry once it ages out.
	oldestMicros, _ := strconv.ParseInt(fmt.Sprint(res[1]), 10, 64)
	retry := time.Duration(oldestMicros)*time.Microsecond + w.Period - time.Duration(now.UnixMicro())*time.Microsecond
	if retry < 0 {
		retry = 0
	}
	return "", retry, ErrRateLimited
}

// Forget uncounts a previously allowed request by removing its member.
func (l *RedisRateLimiter) Forget(ctx context.Context, key string, _ Window, member string) error {
	if err := l.rdb.ZRem(ctx, rateKeyPrefix+key, member).Err(); err != nil {
		return fmt.Errorf("forgetting rate hit: %w", err)
	}
	return nil
}
