// Package quota resolves a user's tier and spends daily and paid photo units.
package quota

import (
	"context"
	"fmt"
	"time"

	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/lib"
	"dishvision/m/v2/app/models"

	"github.com/DataDog/datadog-go/v5/statsd"
	log "github.com/sirupsen/logrus"
)

// UsageCounter is the per (user, day) photosUsed store.
type UsageCounter interface {
	TryConsume(ctx context.Context, userID int64, day string, limit int) (bool, int, error)
	Used(ctx context.Context, userID int64, day string) (int, error)
	Refund(ctx context.Context, userID int64, day string) (int, error)
	Reset(ctx context.Context, userID int64, day string) error
}

// PaidBalance is the durable top-up balance of a user.
type PaidBalance interface {
	ConsumePaidPhoto(ctx context.Context, userID int64) (bool, error)
	CreditPaidPhotos(ctx context.Context, userID int64, count int) error
}

type Source string

const (
	SourceNone  Source = "none"
	SourceDaily Source = "daily"
	SourcePaid  Source = "paid"
)

// Consumption is the outcome of a daily quota attempt.
type Consumption struct {
	Allowed   bool
	UsedAfter int
	Limit     int
}

// Spend tells where a unit came from so it can be refunded to the same place.
type Spend struct {
	Source    Source
	Day       string
	UsedAfter int
	Limit     int
}

func (s Spend) Spent() bool {
	return s.Source != SourceNone
}

type Ledger struct {
	limits   config.Limits
	location *time.Location
	usage    UsageCounter
	paid     PaidBalance
	metrics  statsd.ClientInterface
}

func NewLedger(cfg *config.Config, usage UsageCounter, paid PaidBalance) *Ledger {
	return &Ledger{
		limits:   cfg.Limits,
		location: cfg.Location(),
		usage:    usage,
		paid:     paid,
		metrics:  cfg.DataDogClient,
	}
}

// EffectiveTier is premium iff the premium flag is set and not expired at now.
func EffectiveTier(user *models.MongoUser, now time.Time) models.Tier {
	if user.PremiumActive(now) {
		return models.PremiumTier
	}
	return models.FreeTier
}

func (l *Ledger) LimitsFor(tier models.Tier) models.TierLimits {
	return l.limits.For(tier)
}

// LimitsOf is LimitsFor(EffectiveTier(user, now)).
func (l *Ledger) LimitsOf(user *models.MongoUser, now time.Time) models.TierLimits {
	return l.LimitsFor(EffectiveTier(user, now))
}

func (l *Ledger) Today(now time.Time) string {
	return lib.DayKey(now, l.location)
}

func (l *Ledger) RemainingDailyPhotos(ctx context.Context, user *models.MongoUser, now time.Time) (int, error) {
	used, err := l.usage.Used(ctx, user.ID, l.Today(now))
	if err != nil {
		return 0, fmt.Errorf("RemainingDailyPhotos: %w", err)
	}
	remaining := l.LimitsOf(user, now).DailyPhotos - used
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (l *Ledger) TryConsumePhotoQuota(ctx context.Context, user *models.MongoUser, now time.Time) (Consumption, error) {
	limit := l.LimitsOf(user, now).DailyPhotos
	allowed, used, err := l.usage.TryConsume(ctx, user.ID, l.Today(now), limit)
	if err != nil {
		return Consumption{}, fmt.Errorf("TryConsumePhotoQuota: %w", err)
	}
	if allowed {
		_ = l.metrics.Incr("quota.photo_consumed", []string{"tier:" + string(EffectiveTier(user, now))}, 1)
	}
	return Consumption{Allowed: allowed, UsedAfter: used, Limit: limit}, nil
}

// TotalAvailableNow is what is left today plus the paid balance.
func (l *Ledger) TotalAvailableNow(ctx context.Context, user *models.MongoUser, now time.Time) (int, error) {
	remaining, err := l.RemainingDailyPhotos(ctx, user, now)
	if err != nil {
		return 0, fmt.Errorf("TotalAvailableNow: %w", err)
	}
	balance := user.PaidPhotoBalance
	if balance < 0 {
		balance = 0
	}
	return remaining + balance, nil
}

func (l *Ledger) ConsumePaidUnit(ctx context.Context, user *models.MongoUser) (bool, error) {
	ok, err := l.paid.ConsumePaidPhoto(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("ConsumePaidUnit: %w", err)
	}
	if ok {
		_ = l.metrics.Incr("quota.paid_consumed", nil, 1)
	}
	return ok, nil
}

// ConsumeUnit spends the daily quota first and falls back to one paid unit.
func (l *Ledger) ConsumeUnit(ctx context.Context, user *models.MongoUser, now time.Time) (Spend, error) {
	day := l.Today(now)
	consumption, err := l.TryConsumePhotoQuota(ctx, user, now)
	if err != nil {
		return Spend{Source: SourceNone}, fmt.Errorf("ConsumeUnit: %w", err)
	}
	if consumption.Allowed {
		return Spend{Source: SourceDaily, Day: day, UsedAfter: consumption.UsedAfter, Limit: consumption.Limit}, nil
	}
	paid, err := l.ConsumePaidUnit(ctx, user)
	if err != nil {
		return Spend{Source: SourceNone}, fmt.Errorf("ConsumeUnit: %w", err)
	}
	if paid {
		log.Infof("User %d daily limit reached, spent a paid photo", user.ID)
		return Spend{Source: SourcePaid, Day: day, UsedAfter: consumption.UsedAfter, Limit: consumption.Limit}, nil
	}
	_ = l.metrics.Incr("quota.blocked", []string{"tier:" + string(EffectiveTier(user, now))}, 1)
	return Spend{Source: SourceNone, Day: day, UsedAfter: consumption.UsedAfter, Limit: consumption.Limit}, nil
}

// Refund gives a spent unit back to where it came from.
func (l *Ledger) Refund(ctx context.Context, userID int64, spend Spend) error {
	switch spend.Source {
	case SourceDaily:
		if _, err := l.usage.Refund(ctx, userID, spend.Day); err != nil {
			return fmt.Errorf("Refund: %w", err)
		}
	case SourcePaid:
		if err := l.paid.CreditPaidPhotos(ctx, userID, 1); err != nil {
			return fmt.Errorf("Refund: %w", err)
		}
	default:
		return nil
	}
	_ = l.metrics.Incr("quota.refunded", []string{"source:" + string(spend.Source)}, 1)
	return nil
}

// ResetDaily zeroes today's counter, used by admins.
func (l *Ledger) ResetDaily(ctx context.Context, userID int64, now time.Time) error {
	if err := l.usage.Reset(ctx, userID, l.Today(now)); err != nil {
		return fmt.Errorf("ResetDaily: %w", err)
	}
	return nil
}
