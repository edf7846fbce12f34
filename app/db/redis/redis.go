package redis

import (
	"context"
	"fmt"
	"time"

	"dishvision/m/v2/app/config"

	r "github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
	"gopkg.in/cenkalti/backoff.v1"
)

const scanBatch = 500

// Client is a redis client
type Client interface {
	Del(ctx context.Context, keys ...string) *r.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *r.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *r.Cmd
	Expire(ctx context.Context, key string, expiration time.Duration) *r.BoolCmd
	Get(ctx context.Context, key string) *r.StringCmd
	IncrBy(ctx context.Context, key string, value int64) *r.IntCmd
	Ping(ctx context.Context) *r.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *r.ScanCmd
	ScriptExists(ctx context.Context, hashes ...string) *r.BoolSliceCmd
	ScriptLoad(ctx context.Context, script string) *r.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *r.StatusCmd
	TTL(ctx context.Context, key string) *r.DurationCmd
}

// NewClient creates a new redis client, retrying the first ping while redis comes up
func NewClient(cfg config.Redis) (Client, error) {
	client := r.NewClient(&r.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       0,
	})
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		err := client.Ping(context.Background()).Err()
		if err != nil {
			log.Warnf("NewClient: redis ping failed, retrying: %v", err)
		}
		return err
	}, b)
	if err != nil {
		return nil, fmt.Errorf("NewClient: redis connection failed: %w", err)
	}
	return client, nil
}

// Define a function to wrap another function in Redis cache.
func WrapInCache(c Client, key string, duration time.Duration, fn func() (string, error)) func() (string, error) {
	return func() (string, error) {
		cachedData, err := c.Get(context.Background(), key).Result()
		if err == nil {
			return cachedData, nil
		}
		// Cache miss or Redis error. Call the original function.
		data, err := fn()
		if err != nil {
			return "", err
		}
		err = c.Set(context.Background(), key, data, duration).Err()
		if err != nil {
			return "", err
		}
		return data, nil
	}
}

// ScanKeys lists the keys matching pattern with SCAN.
func ScanKeys(ctx context.Context, c Client, pattern string) ([]string, error) {
	keys := []string{}
	iter := c.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ScanKeys: %s: %w", pattern, err)
	}
	return keys, nil
}
