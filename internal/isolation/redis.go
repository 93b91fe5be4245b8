package isolation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/khanglvm/amas-engine/internal/logger"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures a RedisLocker.
type RedisOptions struct {
	// Prefix is prepended to the user ID to form the key.
	Prefix string

	// TTL expires a lock whose holder died. It must exceed the longest
	// critical section.
	TTL time.Duration

	// Timeout bounds acquisition.
	Timeout time.Duration

	// PollInterval is the retry cadence while the lock is taken.
	PollInterval time.Duration
}

// DefaultRedisOptions returns the production settings.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix:       "amas:lock:",
		TTL:          30 * time.Second,
		Timeout:      DefaultTimeout,
		PollInterval: 25 * time.Millisecond,
	}
}

// RedisLocker is a Locker shared by several engine processes. It uses
// SET NX PX with a random token and a compare-and-delete release.
type RedisLocker struct {
	rdb  *goredis.Client
	opts RedisOptions
	log  *logger.Logger
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisLocker wraps an existing client. Zero option fields take defaults.
func NewRedisLocker(rdb *goredis.Client, opts RedisOptions, log *logger.Logger) *RedisLocker {
	def := DefaultRedisOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisLocker{rdb: rdb, opts: opts, log: log.With("service", "RedisLocker")}
}

// WithUserLock polls SET NX until it wins or the timeout elapses.
func (l *RedisLocker) WithUserLock(ctx context.Context, userID string, fn func() error) error {
	key := l.opts.Prefix + userID
	token := uuid.NewString()
	deadline := time.Now().Add(l.opts.Timeout)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: user %s after %s", ErrLockTimeout, userID, l.opts.Timeout)
		}

		select {
		case <-time.After(l.opts.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	defer func() {
		// Release on a fresh context so a cancelled caller still unlocks.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil {
			l.log.Warn("failed to release redis lock", "user_id", userID, "error", err)
		}
	}()

	return fn()
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
