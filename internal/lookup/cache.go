package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/logging"
	"github.com/example/ekko-capture/internal/retry"
)

// Cache abstracts the Redis operations used by the decoder to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

const notFoundMarker = "null"

// CachedDecoder memoises decodePlate answers, including "not found".
type CachedDecoder struct {
	next           PlateDecoder
	cache          Cache
	logger         *zap.Logger
	ttl            time.Duration
	negativeTTL    time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCachedDecoder wraps next with a cache. Cache failures never fail a lookup.
func NewCachedDecoder(next PlateDecoder, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedDecoder {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedDecoder{
		next:           next,
		cache:          cache,
		logger:         logger.Named("plate_decoder_cache"),
		ttl:            ttl,
		negativeTTL:    5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func cacheKey(plate, country string) string {
	return fmt.Sprintf("decode_plate:%s:%s", strings.ToUpper(country), plate)
}

// Decode implements PlateDecoder.
func (d *CachedDecoder) Decode(ctx context.Context, plate, country string) (*VehicleDescriptor, error) {
	key := cacheKey(plate, country)
	var cached string
	err := d.withRedisRetry(ctx, "cache.get.vehicle", func() error {
		v, err := d.cache.Get(ctx, key)
		cached = v
		return err
	})
	switch {
	case err == nil:
		if cached == notFoundMarker {
			return nil, nil
		}
		var v VehicleDescriptor
		if jsonErr := json.Unmarshal([]byte(cached), &v); jsonErr == nil {
			return &v, nil
		}
		d.logger.Warn("discarding undecodable cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		d.logger.Warn("failed to read vehicle cache", zap.Error(err))
	}

	v, err := d.next.Decode(ctx, plate, country)
	if err != nil {
		return nil, err
	}

	value, ttl := notFoundMarker, d.negativeTTL
	if v != nil {
		serialized, err := json.Marshal(v)
		if err != nil {
			return v, nil
		}
		value, ttl = string(serialized), d.ttl
	}
	if err := d.withRedisRetry(ctx, "cache.set.vehicle", func() error {
		return d.cache.Set(ctx, key, value, ttl)
	}); err != nil {
		d.logger.Warn("failed to cache vehicle", zap.Error(err))
	}
	return v, nil
}

func (d *CachedDecoder) withRedisRetry(ctx context.Context, operation string, fn func() error) error {
	backoff := d.initialBackoff
	opLogger := logging.WithOperation(d.logger, operation, "")
	var err error
	for attempt := 0; attempt < d.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, "", ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= d.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		// redis.Nil is a miss, not a failure.
		if errors.Is(err, redis.Nil) || !retry.IsTransient(err) {
			return err
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, "", err)
}
