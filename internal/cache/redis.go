package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	redisKeyPrefix      = "cache:resp:"
)

// Redis is a cache shared by every replica pointing at the same instance.
//
// With fail-open (the default) backend errors are logged and Get reports a
// miss. With fail-closed Get returns ErrBackendUnavailable.
type Redis struct {
	client       redis.UniversalClient
	queryTimeout time.Duration
	failOpen     bool
	log          *slog.Logger
	now          func() time.Time
	warn         *rate.Sometimes
}

type RedisOption func(*Redis)

func WithFailOpen(open bool) RedisOption {
	return func(c *Redis) { c.failOpen = open }
}

func WithLogger(l *slog.Logger) RedisOption {
	return func(c *Redis) {
		if l != nil {
			c.log = l
		}
	}
}

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	c := &Redis{
		client:       client,
		queryTimeout: defaultQueryTimeout,
		failOpen:     true,
		log:          slog.Default(),
		now:          time.Now,
		warn:         &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial parses redisURL, verifies the connection with PING and returns the
// client.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return cli, nil
}

func (c *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	raw, err := c.client.Get(qctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, c.backendError(ctx, "cache_get_error", key, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.WarnContext(ctx, "cache_decode_error", slog.String("key", key), slog.String("error", err.Error()))
		return Entry{}, false, nil
	}
	if !e.Fresh(c.now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Put stores e under key with e.TTL as the Redis expiry.
func (c *Redis) Put(ctx context.Context, key string, e Entry) error {
	if e.TTL <= 0 {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}

	qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(qctx, redisKeyPrefix+key, raw, e.TTL).Err(); err != nil {
		return c.backendError(ctx, "cache_set_error", key, err)
	}
	return nil
}

// Ping reports backend reachability for readiness checks.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) backendError(ctx context.Context, event, key string, err error) error {
	if c.failOpen {
		c.warn.Do(func() {
			c.log.WarnContext(ctx, event,
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		})
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
