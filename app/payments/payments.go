// Package payments sells premium and analysis packs for Telegram Stars.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/lib"
	"dishvision/m/v2/app/models"

	"github.com/DataDog/datadog-go/v5/statsd"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnknownProduct = errors.New("unknown product")
	ErrPriceMismatch  = errors.New("price does not match the product")
)

type Store interface {
	lib.PremiumStore
	CreditPaidPhotos(ctx context.Context, userID int64, count int) error
	InsertInvoice(ctx context.Context, invoice models.MongoInvoice) (bool, error)
	DeleteInvoice(ctx context.Context, chargeID string) error
}

// Payment is what Telegram reports in a successful payment message.
type Payment struct {
	Payload          string
	Currency         string
	TotalAmount      int
	TelegramChargeID string
	ProviderChargeID string
}

type Outcome struct {
	Product      models.Product
	Duplicate    bool
	PremiumUntil *time.Time
}

// Catalog lists the products in the order they are offered.
func Catalog(prices config.Prices) []models.Product {
	return []models.Product{
		{
			Payload:     models.PremiumWeekPayload,
			Title:       "Premium for 7 days",
			Description: "More photos per day and more refinements per photo for a week.",
			Stars:       prices.PremiumWeek,
			PremiumDays: 7,
		},
		{
			Payload:     models.PremiumMonthPayload,
			Title:       "Premium for 30 days",
			Description: "More photos per day and more refinements per photo for a month.",
			Stars:       prices.PremiumMonth,
			PremiumDays: 30,
		},
		{
			Payload:     models.AnalysesPackPayload,
			Title:       fmt.Sprintf("%d extra analyses", prices.AnalysesPackSize),
			Description: "Extra photo analyses that never expire, used once the daily limit is reached.",
			Stars:       prices.AnalysesPack,
			PaidPhotos:  prices.AnalysesPackSize,
		},
	}
}

type Service struct {
	store    Store
	products []models.Product
	metrics  statsd.ClientInterface
}

func NewService(cfg *config.Config, store Store) *Service {
	return &Service{
		store:    store,
		products: Catalog(cfg.Prices),
		metrics:  cfg.DataDogClient,
	}
}

func (s *Service) Products() []models.Product {
	return s.products
}

func (s *Service) Product(payload string) (models.Product, bool) {
	for _, product := range s.products {
		if string(product.Payload) == payload {
			return product, true
		}
	}
	return models.Product{}, false
}

// ValidatePreCheckout checks that an invoice about to be paid is still ours.
func (s *Service) ValidatePreCheckout(payload string, currency string, totalAmount int) error {
	product, ok := s.Product(payload)
	if !ok {
		return fmt.Errorf("ValidatePreCheckout: %q: %w", payload, ErrUnknownProduct)
	}
	if currency != models.StarsCurrency || totalAmount != product.Stars {
		return fmt.Errorf("ValidatePreCheckout: %d %s for %s: %w", totalAmount, currency, payload, ErrPriceMismatch)
	}
	return nil
}

// HandleSuccessfulPayment records the charge and delivers the product once per charge id.
func (s *Service) HandleSuccessfulPayment(ctx context.Context, userID int64, payment Payment, now time.Time) (Outcome, error) {
	product, ok := s.Product(payment.Payload)
	if !ok {
		return Outcome{}, fmt.Errorf("HandleSuccessfulPayment: %q: %w", payment.Payload, ErrUnknownProduct)
	}
	inserted, err := s.store.InsertInvoice(ctx, models.MongoInvoice{
		ID:                      payment.TelegramChargeID,
		UserID:                  userID,
		Payload:                 payment.Payload,
		Amount:                  payment.TotalAmount,
		Currency:                payment.Currency,
		CreatedAt:               now.UTC(),
		ProviderPaymentChargeID: payment.ProviderChargeID,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("HandleSuccessfulPayment: %w", err)
	}
	if !inserted {
		log.Warnf("Payment %s of user %d was already processed", payment.TelegramChargeID, userID)
		return Outcome{Product: product, Duplicate: true}, nil
	}

	outcome := Outcome{Product: product}
	if product.PremiumDays > 0 {
		outcome.PremiumUntil, err = lib.GrantPremiumDays(ctx, s.store, userID, product.PremiumDays, now)
		if err != nil {
			log.WithError(err).Errorf("Payment %s of user %d: premium not granted", payment.TelegramChargeID, userID)
			s.releaseInvoice(ctx, payment.TelegramChargeID)
			return Outcome{}, fmt.Errorf("HandleSuccessfulPayment: %w", err)
		}
	}
	if product.PaidPhotos > 0 {
		if err = s.store.CreditPaidPhotos(ctx, userID, product.PaidPhotos); err != nil {
			log.WithError(err).Errorf("Payment %s of user %d: photos not credited", payment.TelegramChargeID, userID)
			s.releaseInvoice(ctx, payment.TelegramChargeID)
			return Outcome{}, fmt.Errorf("HandleSuccessfulPayment: %w", err)
		}
	}

	log.Infof("User %d bought %s for %d %s", userID, product.Payload, payment.TotalAmount, payment.Currency)
	_ = s.metrics.Incr("payments.successful", []string{"product:" + string(product.Payload)}, 1)
	_ = s.metrics.Count("payments.stars", int64(payment.TotalAmount), []string{"product:" + string(product.Payload)}, 1)
	return outcome, nil
}

// releaseInvoice drops the charge record so a redelivery of the payment grants the product.
func (s *Service) releaseInvoice(ctx context.Context, chargeID string) {
	if err := s.store.DeleteInvoice(ctx, chargeID); err != nil {
		log.WithError(err).Errorf("Payment %s: failed to release invoice, product must be granted by hand", chargeID)
	}
}
