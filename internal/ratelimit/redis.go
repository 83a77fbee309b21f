package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"queuebell/internal/clock"
)

// acquireScript trims the sorted set to the trailing window and adds the
// reservation only when there is room. Scores are unix millis.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisWindow shares the sliding window between several daemons through a
// sorted set per recipient.
type RedisWindow struct {
	rdb    redis.UniversalClient
	prefix string
	clk    clock.Clock

	mu  sync.RWMutex
	cfg Config
}

func NewRedisWindow(rdb redis.UniversalClient, prefix string, cfg Config, clk clock.Clock) *RedisWindow {
	if prefix == "" {
		prefix = "queuebell:rl:"
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RedisWindow{rdb: rdb, prefix: prefix, clk: clk, cfg: cfg.withDefaults()}
}

func (r *RedisWindow) SetConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *RedisWindow) Acquire(ctx context.Context, key string) (string, bool, error) {
	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	tok := uuid.NewString()
	res, err := acquireScript.Run(ctx, r.rdb, []string{r.prefix + key},
		r.clk.Now().UnixMilli(), cfg.Window.Milliseconds(), cfg.Limit, tok).Int()
	if err != nil {
		return "", false, fmt.Errorf("ratelimit acquire: %w", err)
	}
	if res == 0 {
		return "", false, nil
	}
	return tok, true, nil
}

func (r *RedisWindow) Release(ctx context.Context, key, token string) error {
	if err := r.rdb.ZRem(ctx, r.prefix+key, token).Err(); err != nil {
		return fmt.Errorf("ratelimit release: %w", err)
	}
	return nil
}

// Cleanup is a no-op: keys expire on their own via PEXPIRE.
func (r *RedisWindow) Cleanup(context.Context) int { return 0 }
