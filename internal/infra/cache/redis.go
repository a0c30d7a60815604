package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crewd/internal/domain"
)

// Redis is the production TenantStore. Per-key TTL maps to SET EX, the tenant
// log to a capped stream (XADD MAXLEN ~ / XREAD BLOCK).
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects a Redis-backed store. The connection is verified lazily;
// a down Redis degrades reads to cache misses rather than failing startup.
func NewRedis(opts RedisOptions, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Redis{client: client, logger: logger.Named("redis")}
}

// Ping verifies connectivity, for health reporting.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, tenantID string, dataType domain.DataType, identifier string) ([]byte, error) {
	key := domain.CacheKey(tenantID, dataType, identifier)
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCacheMiss
		}
		return nil, domain.E(domain.CodeUnavailable, "cache.get", "", domain.ErrCacheUnavailable)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, tenantID string, dataType domain.DataType, identifier string, value []byte, ttl time.Duration) error {
	key := domain.CacheKey(tenantID, dataType, identifier)
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return domain.E(domain.CodeUnavailable, "cache.set", "", domain.ErrCacheUnavailable)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, tenantID string, dataType domain.DataType, identifier string) error {
	key := domain.CacheKey(tenantID, dataType, identifier)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return domain.E(domain.CodeUnavailable, "cache.delete", "", domain.ErrCacheUnavailable)
	}
	return nil
}

func (r *Redis) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", domain.E(domain.CodeUnavailable, "log.append", "", domain.ErrCacheUnavailable)
	}
	return id, nil
}

func (r *Redis) Read(ctx context.Context, stream, fromID string, count int64, block time.Duration) ([]domain.StreamMessage, error) {
	if fromID == "" {
		fromID = "0"
	}
	res, err := r.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, fromID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Block window elapsed with no new entries.
			return nil, nil
		}
		return nil, domain.E(domain.CodeUnavailable, "log.read", "", domain.ErrCacheUnavailable)
	}

	var out []domain.StreamMessage
	for _, streamRes := range res {
		for _, msg := range streamRes.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				}
			}
			out = append(out, domain.StreamMessage{ID: msg.ID, Fields: fields})
		}
	}
	return out, nil
}

var _ domain.TenantStore = (*Redis)(nil)
