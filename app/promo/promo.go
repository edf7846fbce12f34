// Package promo redeems and generates premium promo codes.
package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/db/mongo"
	"dishvision/m/v2/app/lib"
	"dishvision/m/v2/app/models"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const codeLength = 8

type Reason string

const (
	ReasonOK          Reason = "ok"
	ReasonInvalid     Reason = "invalid"
	ReasonAlreadyUsed Reason = "already_used"
	ReasonBanned      Reason = "banned"
)

type Store interface {
	lib.PremiumStore
	CreatePromoCodes(ctx context.Context, codes []models.MongoPromoCode) error
	DeletePromoActivation(ctx context.Context, code string, userID int64) error
	GetPromoCode(ctx context.Context, code string) (*models.MongoPromoCode, error)
	IncrementPromoActivations(ctx context.Context, code string, now time.Time) (bool, error)
	InsertPromoActivation(ctx context.Context, activation models.MongoPromoActivation) (bool, error)
	ReleasePromoActivation(ctx context.Context, code string, userID int64) error
}

// Guard rate limits invalid attempts.
type Guard interface {
	BanRemaining(ctx context.Context, userID int64) (time.Duration, error)
	RegisterFailure(ctx context.Context, userID int64) (time.Duration, error)
	ClearFailures(ctx context.Context, userID int64) error
}

type Result struct {
	OK           bool
	Reason       Reason
	DaysGranted  int
	PremiumUntil *time.Time
	// BanFor is set when the attempt is refused or caused a ban.
	BanFor time.Duration
}

type Service struct {
	store   Store
	guard   Guard
	metrics statsd.ClientInterface
}

func NewService(cfg *config.Config, store Store, guard Guard) *Service {
	return &Service{store: store, guard: guard, metrics: cfg.DataDogClient}
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Redeem grants the code's days to userID once. Expired, exhausted and unknown
// codes all report ReasonInvalid.
func (s *Service) Redeem(ctx context.Context, userID int64, code string, now time.Time) (Result, error) {
	code = NormalizeCode(code)

	ban, err := s.guard.BanRemaining(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("Redeem: %w", err)
	}
	if ban > 0 {
		return s.done(userID, Result{Reason: ReasonBanned, BanFor: ban}), nil
	}

	if code == "" {
		return s.invalid(ctx, userID)
	}
	promo, err := s.store.GetPromoCode(ctx, code)
	if errors.Is(err, mongo.ErrNotFound) {
		return s.invalid(ctx, userID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("Redeem: %w", err)
	}
	if !promo.Usable(now) {
		return s.invalid(ctx, userID)
	}

	inserted, err := s.store.InsertPromoActivation(ctx, models.MongoPromoActivation{
		ID:          models.PromoActivationID(code, userID),
		Code:        code,
		UserID:      userID,
		ActivatedAt: now.UTC(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("Redeem: %w", err)
	}
	if !inserted {
		return s.done(userID, Result{Reason: ReasonAlreadyUsed}), nil
	}

	counted, err := s.store.IncrementPromoActivations(ctx, code, now)
	if err != nil || !counted {
		if deleteErr := s.store.DeletePromoActivation(ctx, code, userID); deleteErr != nil {
			log.WithError(deleteErr).Errorf("Redeem: failed to delete activation of %s by user %d", code, userID)
		}
		if err != nil {
			return Result{}, fmt.Errorf("Redeem: %w", err)
		}
		// someone took the last activation in between
		return s.invalid(ctx, userID)
	}

	until, err := lib.GrantPremiumDays(ctx, s.store, userID, promo.Days, now)
	if err != nil {
		if releaseErr := s.store.ReleasePromoActivation(ctx, code, userID); releaseErr != nil {
			log.WithError(releaseErr).Errorf("Redeem: failed to release activation of %s by user %d", code, userID)
		}
		return Result{}, fmt.Errorf("Redeem: %w", err)
	}
	if err = s.guard.ClearFailures(ctx, userID); err != nil {
		log.WithError(err).Warnf("Redeem: failed to clear promo failures of user %d", userID)
	}

	log.Infof("User %d redeemed promo %s for %d days", userID, code, promo.Days)
	return s.done(userID, Result{OK: true, Reason: ReasonOK, DaysGranted: promo.Days, PremiumUntil: until}), nil
}

func (s *Service) invalid(ctx context.Context, userID int64) (Result, error) {
	ban, err := s.guard.RegisterFailure(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("Redeem: %w", err)
	}
	if ban > 0 {
		log.Warnf("User %d banned from promo codes for %s", userID, ban)
	}
	return s.done(userID, Result{Reason: ReasonInvalid, BanFor: ban}), nil
}

func (s *Service) done(userID int64, result Result) Result {
	_ = s.metrics.Incr("promo.redeem", []string{"reason:" + string(result.Reason)}, 1)
	return result
}

type GenerateRequest struct {
	Count          int
	Days           int
	MaxActivations int
	ExpiresAt      *time.Time
	CreatedBy      int64
}

// Generate creates Count fresh codes.
func (s *Service) Generate(ctx context.Context, req GenerateRequest, now time.Time) ([]string, error) {
	if req.Count <= 0 || req.Days <= 0 {
		return nil, fmt.Errorf("Generate: count and days must be positive, got %d and %d", req.Count, req.Days)
	}
	if req.MaxActivations <= 0 {
		req.MaxActivations = 1
	}
	codes := make([]models.MongoPromoCode, 0, req.Count)
	names := make([]string, 0, req.Count)
	seen := make(map[string]bool, req.Count)
	for len(codes) < req.Count {
		code := NewCode()
		if seen[code] {
			continue
		}
		seen[code] = true
		names = append(names, code)
		codes = append(codes, models.MongoPromoCode{
			Code:           code,
			Days:           req.Days,
			MaxActivations: req.MaxActivations,
			ExpiresAt:      req.ExpiresAt,
			CreatedBy:      req.CreatedBy,
			CreatedAt:      now.UTC(),
		})
	}
	if err := s.store.CreatePromoCodes(ctx, codes); err != nil {
		return nil, fmt.Errorf("Generate: %w", err)
	}
	log.Infof("User %d generated %d promo codes for %d days", req.CreatedBy, req.Count, req.Days)
	return names, nil
}

// NewCode returns 8 upper case hex characters.
func NewCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:codeLength])
}
