package redis

import (
	"context"
	"fmt"
	"time"
)

const (
	promoFailuresTTL  = 24 * time.Hour
	promoBanSeriesTTL = 30 * 24 * time.Hour
)

// PromoGuard counts invalid promo attempts and bans redemption for a while once
// a user keeps guessing. Each new ban in a series lasts longer.
type PromoGuard struct {
	client            Client
	maxFailedAttempts int
	banDurations      []time.Duration
}

func NewPromoGuard(client Client, maxFailedAttempts int, banDurations []time.Duration) *PromoGuard {
	return &PromoGuard{
		client:            client,
		maxFailedAttempts: maxFailedAttempts,
		banDurations:      banDurations,
	}
}

// BanRemaining returns how long the user stays banned, 0 if not banned.
func (g *PromoGuard) BanRemaining(ctx context.Context, userID int64) (time.Duration, error) {
	ttl, err := g.client.TTL(ctx, UserPromoBanKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("BanRemaining: failed to get ban ttl: %w", err)
	}
	// -2 missing key, -1 no expiry
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// RegisterFailure records an invalid attempt and returns the ban it caused, if any.
func (g *PromoGuard) RegisterFailure(ctx context.Context, userID int64) (time.Duration, error) {
	failuresKey := UserPromoFailuresKey(userID)
	failures, err := g.client.IncrBy(ctx, failuresKey, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("RegisterFailure: failed to count failure: %w", err)
	}
	if err = g.client.Expire(ctx, failuresKey, promoFailuresTTL).Err(); err != nil {
		return 0, fmt.Errorf("RegisterFailure: failed to expire failures: %w", err)
	}
	if g.maxFailedAttempts <= 0 || int(failures) < g.maxFailedAttempts || len(g.banDurations) == 0 {
		return 0, nil
	}

	seriesKey := UserPromoBanSeriesKey(userID)
	series, err := g.client.IncrBy(ctx, seriesKey, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("RegisterFailure: failed to count ban series: %w", err)
	}
	if err = g.client.Expire(ctx, seriesKey, promoBanSeriesTTL).Err(); err != nil {
		return 0, fmt.Errorf("RegisterFailure: failed to expire ban series: %w", err)
	}
	idx := int(series) - 1
	if idx >= len(g.banDurations) {
		idx = len(g.banDurations) - 1
	}
	ban := g.banDurations[idx]
	if err = g.client.Set(ctx, UserPromoBanKey(userID), "1", ban).Err(); err != nil {
		return 0, fmt.Errorf("RegisterFailure: failed to set ban: %w", err)
	}
	if err = g.client.Del(ctx, failuresKey).Err(); err != nil {
		return 0, fmt.Errorf("RegisterFailure: failed to reset failures: %w", err)
	}
	return ban, nil
}

func (g *PromoGuard) ClearFailures(ctx context.Context, userID int64) error {
	err := g.client.Del(ctx, UserPromoFailuresKey(userID)).Err()
	if err != nil {
		return fmt.Errorf("ClearFailures: failed to reset failures: %w", err)
	}
	return nil
}
