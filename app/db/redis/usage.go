package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	r "github.com/go-redis/redis/v8"
)

// counters outlive their day so late refunds still land on the right key
const PhotosUsedKeyTTL = 48 * time.Hour

// KEYS[1] counter, ARGV[1] limit, ARGV[2] ttl seconds. Returns {allowed, used}.
var consumePhotoScript = r.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if used >= limit then
	return {0, used}
end
used = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
return {1, used}
`)

// KEYS[1] counter. Decrements only a positive counter, returns the new value.
var refundPhotoScript = r.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used <= 0 then
	return 0
end
return redis.call("DECR", KEYS[1])
`)

// UsageStore keeps one photosUsed counter per (user, day).
type UsageStore struct {
	client Client
	ttl    time.Duration
}

func NewUsageStore(client Client) *UsageStore {
	return &UsageStore{client: client, ttl: PhotosUsedKeyTTL}
}

// TryConsume atomically increments the counter if it is below limit.
func (s *UsageStore) TryConsume(ctx context.Context, userID int64, day string, limit int) (bool, int, error) {
	res, err := consumePhotoScript.Run(ctx, s.client, []string{UserPhotosUsedKey(userID, day)}, limit, int(s.ttl.Seconds())).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("TryConsume: failed to run consume script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("TryConsume: unexpected script result: %v", res)
	}
	allowed, _ := res[0].(int64)
	used, _ := res[1].(int64)
	return allowed == 1, int(used), nil
}

// Used returns photosUsed for the day, 0 when nothing was consumed yet.
func (s *UsageStore) Used(ctx context.Context, userID int64, day string) (int, error) {
	used, err := s.client.Get(ctx, UserPhotosUsedKey(userID, day)).Int()
	if errors.Is(err, r.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("Used: failed to get photos used: %w", err)
	}
	return used, nil
}

func (s *UsageStore) Refund(ctx context.Context, userID int64, day string) (int, error) {
	used, err := refundPhotoScript.Run(ctx, s.client, []string{UserPhotosUsedKey(userID, day)}).Int()
	if err != nil {
		return 0, fmt.Errorf("Refund: failed to run refund script: %w", err)
	}
	return used, nil
}

func (s *UsageStore) Reset(ctx context.Context, userID int64, day string) error {
	err := s.client.Del(ctx, UserPhotosUsedKey(userID, day)).Err()
	if err != nil {
		return fmt.Errorf("Reset: failed to delete photos used: %w", err)
	}
	return nil
}
