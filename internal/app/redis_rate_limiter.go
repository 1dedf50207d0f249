package app

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Rate limit scopes for the public endpoints. Each scope keeps its own
// per-caller window so a webhook burst cannot starve payment-code callers.
const (
	RateLimitScopeWebhook     = "webhook"
	RateLimitScopePaymentCode = "payment_code"
)

// rateLimitWindowMs is the fixed-window length. Endpoint limits are
// configured per minute, so the window is too.
const rateLimitWindowMs = 60_000

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter enforces per-minute, per-caller limits on the webhook and
// payment-code endpoints, backed by a shared Redis fixed window. Every
// authorization delivery and code request is cheap for the caller and
// expensive for us (a config read plus record lookups), so the limiter sits
// in front of both.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "cotafacil:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

// Allow registers one hit for subject within scope against a per-minute
// limit and reports whether the request may proceed. When denied, it also
// returns how many seconds remain in the current window. A nil limiter, nil
// client, non-positive limit, or blank scope/subject disables limiting.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string, perMinute int) (allowed bool, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || perMinute <= 0 {
		return true, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return true, 0, nil
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := rateLimitScript.Run(ctx, r.client, []string{key}, rateLimitWindowMs).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	count, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	if count <= int64(perMinute) {
		return true, 0, nil
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = rateLimitWindowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return false, retryAfter, nil
}
