package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/omniscient-ai/provider-gateway/internal/keystore"
)

// slidingWindowScript trims, counts and conditionally adds in one round trip.
// KEYS[1] = tenant key
// ARGV[1] = now (unix ms)
// ARGV[2] = window (ms)
// ARGV[3] = limit
// ARGV[4] = unique member for this request
// Returns {allowed, remaining, retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry = window
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	if retry < 1 then
		retry = 1
	end
	return {0, 0, retry}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, limit - count - 1, 0}
`)

const keyPrefix = "ratelimit:tenant:"

// Redis is a sliding-window limiter shared by every gateway instance that
// points at the same Redis.
type Redis struct {
	rdb      redis.Scripter
	policy   Policy
	failOpen bool
	log      *slog.Logger
	now      func() time.Time

	// warn throttles fail-open warnings while Redis is down.
	warn *rate.Sometimes
}

// RedisOption configures a Redis limiter.
type RedisOption func(*Redis)

// WithFailOpen admits requests when Redis is unreachable instead of
// returning ErrBackendUnavailable.
func WithFailOpen(open bool) RedisOption {
	return func(r *Redis) { r.failOpen = open }
}

// WithLogger sets the logger used for backend warnings.
func WithLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.log = l
		}
	}
}

func withRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

func NewRedis(rdb redis.Scripter, policy Policy, opts ...RedisOption) (*Redis, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	r := &Redis{
		rdb:      rdb,
		policy:   policy,
		failOpen: true,
		log:      slog.Default(),
		now:      time.Now,
		warn:     &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Redis) Allow(ctx context.Context, tenantID string, tier keystore.Tier) (Decision, error) {
	lim := r.policy.For(tier)

	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + tenantID},
		r.now().UnixMilli(), lim.Window.Milliseconds(), lim.Requests, uuid.NewString(),
	).Int64Slice()
	if err == nil && len(res) != 3 {
		err = fmt.Errorf("unexpected script reply %v", res)
	}
	if err != nil {
		if r.failOpen {
			r.warn.Do(func() {
				r.log.WarnContext(ctx, "rate_limit_backend_unavailable",
					slog.String("tenant_id", tenantID),
					slog.String("policy", "fail_open"),
					slog.String("error", err.Error()),
				)
			})
			return Decision{Allowed: true, Limit: lim.Requests}, nil
		}
		return Decision{Limit: lim.Requests}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return Decision{
		Allowed:    res[0] == 1,
		Limit:      lim.Requests,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
