package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	apierrors "github.com/sealvault/evidence-plane/internal/api/errors"
	"github.com/sealvault/evidence-plane/internal/metrics"
)

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter keeps one token bucket per key in process memory.
type LocalLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter allows requestsPerMin per key with a burst of the same size.
func NewLocalLimiter(requestsPerMin int) *LocalLimiter {
	if requestsPerMin < 1 {
		requestsPerMin = 1
	}
	return &LocalLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(float64(requestsPerMin) / 60.0),
		burst:     requestsPerMin,
		idle:      3 * time.Minute,
		lastSweep: time.Now(),
	}
}

// Allow consumes one token for key.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.idle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] bucket key; ARGV: refill rate per second, capacity, now (seconds).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)
return allowed
`)

// RedisLimiter shares token buckets between API instances through Redis.
type RedisLimiter struct {
	client   *redis.Client
	perSec   float64
	capacity int
	prefix   string
}

// NewRedisLimiter creates a limiter allowing requestsPerMin per key.
func NewRedisLimiter(client *redis.Client, requestsPerMin int) *RedisLimiter {
	if requestsPerMin < 1 {
		requestsPerMin = 1
	}
	return &RedisLimiter{
		client:   client,
		perSec:   float64(requestsPerMin) / 60.0,
		capacity: requestsPerMin,
		prefix:   "evidence:ratelimit:",
	}
}

// Allow consumes one token for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client, []string{l.prefix + key}, l.perSec, l.capacity, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}

// RateLimit returns a middleware enforcing primary per caller. It runs ahead
// of authentication: identify, when set, names the caller of a request that
// carries valid credentials, and every other request is keyed by client IP.
// When primary fails (e.g. Redis is unreachable) the request is decided by
// fallback.
func RateLimit(primary, fallback Limiter, identify func(*http.Request) string, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := callerKey(r, identify)
			allowed, err := primary.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable, using local fallback", "error", err)
				if fallback == nil {
					next.ServeHTTP(w, r)
					return
				}
				allowed, _ = fallback.Allow(r.Context(), key)
			}
			if !allowed {
				m.ObserveRateLimited()
				w.Header().Set("Retry-After", strconv.Itoa(5))
				writeError(w, r, apierrors.New(apierrors.CodeRateLimited, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request, identify func(*http.Request) string) string {
	userID := GetUserID(r.Context())
	if userID == "" && identify != nil {
		userID = identify(r)
	}
	if userID != "" {
		return "user:" + userID
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + ip
}
