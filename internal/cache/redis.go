package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fathima-sithara/messaging-core/internal/config"
	"github.com/fathima-sithara/messaging-core/internal/domain"
)

// Keys used:
// - <prefix>:lastseen:<user>  unix millis of the last disconnect
// - <prefix>:profile:<user>   profile JSON, expires after the cache ttl
// - <prefix>:rl:<key>:<win>   request counter for one rate limit window
type Client struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedis dials Redis and checks it answers.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	r := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.Ping(ctx).Err(); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return r, nil
}

func New(rdb redis.Cmdable, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix}
}

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Touch stores at as userID's last seen time.
func (c *Client) Touch(ctx context.Context, userID string, at time.Time) error {
	return c.rdb.Set(ctx, c.key("lastseen", userID), at.UnixMilli(), 0).Err()
}

// LastSeen returns the stored time, or ok=false when the user was never seen.
func (c *Client) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	s, err := c.rdb.Get(ctx, c.key("lastseen", userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last seen: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (c *Client) GetProfiles(ctx context.Context, ids []string) (map[string]domain.Profile, error) {
	out := make(map[string]domain.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.key("profile", id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var p domain.Profile
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			continue
		}
		out[ids[i]] = p
	}
	return out, nil
}

func (c *Client) SetProfiles(ctx context.Context, profiles []domain.Profile, ttl time.Duration) error {
	if len(profiles) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, p := range profiles {
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		pipe.Set(ctx, c.key("profile", p.ID), b, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// fixed window: INCR, set the expiry on first hit, report the count.
var allowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Allow counts one request for key in the current window and reports
// whether it is within limit.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	win := time.Now().UnixMilli() / window.Milliseconds()
	k := c.key("rl", key, strconv.FormatInt(win, 10))
	n, err := allowScript.Run(ctx, c.rdb, []string{k}, window.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n <= limit, nil
}
