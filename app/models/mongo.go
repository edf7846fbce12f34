package models

import "time"

type MongoUser struct {
	ID               int64      `bson:"_id"`
	IsPremium        bool       `bson:"is_premium"`
	PremiumUntil     *time.Time `bson:"premium_until"`
	PaidPhotoBalance int        `bson:"paid_photo_balance"`
	CreatedAt        time.Time  `bson:"created_at"`
	LastUsedAt       *time.Time `bson:"last_used_at,omitempty"`
}

// PremiumActive reports whether premium applies at now. Premium without an
// expiry is unlimited, a past expiry means the premium flag is stale.
func (u *MongoUser) PremiumActive(now time.Time) bool {
	if u == nil || !u.IsPremium {
		return false
	}
	return u.PremiumUntil == nil || u.PremiumUntil.UTC().After(now.UTC())
}

type MongoPromoCode struct {
	Code             string     `bson:"_id"`
	Days             int        `bson:"days"`
	MaxActivations   int        `bson:"max_activations"`
	ActivationsCount int        `bson:"activations_count"`
	ExpiresAt        *time.Time `bson:"expires_at"`
	CreatedBy        int64      `bson:"created_by"`
	CreatedAt        time.Time  `bson:"created_at"`
}

// Usable reports whether the code can still be redeemed by someone at now.
func (p *MongoPromoCode) Usable(now time.Time) bool {
	if p.ActivationsCount >= p.MaxActivations {
		return false
	}
	return p.ExpiresAt == nil || p.ExpiresAt.UTC().After(now.UTC())
}

type MongoPromoActivation struct {
	ID          string    `bson:"_id"`
	Code        string    `bson:"code"`
	UserID      int64     `bson:"user_id"`
	ActivatedAt time.Time `bson:"activated_at"`
}

func PromoActivationID(code string, userID int64) string {
	return code + ":" + Int64ToString(userID)
}

type MongoInvoice struct {
	ID                      string    `bson:"_id"`
	UserID                  int64     `bson:"user_id"`
	Payload                 string    `bson:"payload"`
	Amount                  int       `bson:"amount"`
	Currency                string    `bson:"currency"`
	CreatedAt               time.Time `bson:"created_at"`
	ProviderPaymentChargeID string    `bson:"provider_payment_charge_id"`
}
