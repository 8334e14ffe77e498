// ABOUTME: CachedDirectory puts a key-value cache in front of profile lookups
// ABOUTME: RedisCache adapts go-redis to the Cache port used here

package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/pairchat/internal/store"
)

// DefaultTTL is how long a cached profile is served before it is re-read.
const DefaultTTL = 5 * time.Minute

// ErrMiss is returned by a Cache when the key is absent.
var ErrMiss = errors.New("cache: miss")

// Cache is the minimal key-value contract CachedDirectory needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisCache implements Cache on a go-redis client.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to the Redis server at url and pings it.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisCache{client: c}, nil
}

var _ Cache = (*RedisCache)(nil)

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", err
	}
	return res, nil
}

func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return r.client.Del(ctx, keys...).Result()
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// CachedDirectory is a Directory whose GetProfile is served from a Cache.
// Updates through it invalidate the cached entry.
type CachedDirectory struct {
	*Directory
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedDirectory wraps dir with cache. A non-positive ttl uses DefaultTTL.
func NewCachedDirectory(dir *Directory, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedDirectory{
		Directory: dir,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "profile_cache"),
	}
}

func cacheKey(userID string) string {
	return "pairchat:profile:" + userID
}

// GetProfile returns the cached profile, reading through to the directory on
// a miss. Cache errors are logged and bypassed.
func (c *CachedDirectory) GetProfile(ctx context.Context, userID string) (Profile, error) {
	key := cacheKey(userID)

	raw, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var p Profile
		if jsonErr := json.Unmarshal([]byte(raw), &p); jsonErr == nil {
			return p, nil
		}
		c.logger.Warn("discarding undecodable cached profile", "user_id", userID)
	case !errors.Is(err, ErrMiss):
		c.logger.Warn("profile cache read failed", "user_id", userID, "error", err)
	}

	p, err := c.Directory.GetProfile(ctx, userID)
	if err != nil {
		return Profile{}, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := c.cache.Set(ctx, key, string(data), c.ttl); err != nil {
			c.logger.Warn("profile cache write failed", "user_id", userID, "error", err)
		}
	}
	return p, nil
}

// Update edits the profile and drops its cache entry.
func (c *CachedDirectory) Update(ctx context.Context, id string, upd Update) (*store.User, error) {
	user, err := c.Directory.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	c.Invalidate(ctx, id)
	return user, nil
}

// Invalidate removes a cached profile.
func (c *CachedDirectory) Invalidate(ctx context.Context, userID string) {
	if _, err := c.cache.Del(ctx, cacheKey(userID)); err != nil {
		c.logger.Warn("profile cache invalidation failed", "user_id", userID, "error", err)
	}
}
