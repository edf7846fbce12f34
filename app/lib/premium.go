package lib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dishvision/m/v2/app/models"
)

const grantPremiumAttempts = 5

var ErrPremiumContention = errors.New("premium was changed concurrently too many times")

type PremiumStore interface {
	GetUser(ctx context.Context, userID int64) (*models.MongoUser, error)
	SetPremium(ctx context.Context, userID int64, expectedUntil *time.Time, isPremium bool, until *time.Time) (bool, error)
}

// ExtendPremium stacks days on top of an active premium, or starts from now when
// premium is inactive. Unlimited premium stays unlimited, changed is false then.
func ExtendPremium(user *models.MongoUser, days int, now time.Time) (until *time.Time, changed bool) {
	if user != nil && user.IsPremium && user.PremiumUntil == nil {
		return nil, false
	}
	base := now.UTC()
	if user.PremiumActive(now) {
		base = user.PremiumUntil.UTC()
	}
	extended := base.Add(time.Duration(days) * 24 * time.Hour)
	return &extended, true
}

// GrantPremiumDays applies ExtendPremium with a compare-and-set on the stored
// expiry, retrying when another grant won the race.
func GrantPremiumDays(ctx context.Context, store PremiumStore, userID int64, days int, now time.Time) (*time.Time, error) {
	for attempt := 0; attempt < grantPremiumAttempts; attempt++ {
		user, err := store.GetUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("GrantPremiumDays: %w", err)
		}
		until, changed := ExtendPremium(user, days, now)
		if !changed {
			return user.PremiumUntil, nil
		}
		truncated := until.Truncate(time.Millisecond)
		ok, err := store.SetPremium(ctx, userID, user.PremiumUntil, true, &truncated)
		if err != nil {
			return nil, fmt.Errorf("GrantPremiumDays: %w", err)
		}
		if ok {
			return &truncated, nil
		}
	}
	return nil, fmt.Errorf("GrantPremiumDays: user %d: %w", userID, ErrPremiumContention)
}
