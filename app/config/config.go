package config

import (
	"strconv"
	"strings"
	"time"

	"dishvision/m/v2/app/models"

	"github.com/DataDog/datadog-go/v5/statsd"
)

type Config struct {
	AdminIDs                map[int64]bool
	AnalysisAPIEndpoint     string
	AnalysisModel           string
	AnalysisTimeout         time.Duration
	BotName                 string
	DataDogClient           statsd.ClientInterface
	Environment             string
	Limits                  Limits
	MongoDBConnection       string
	MongoDBName             string
	OpenAIAPIKey            string
	Prices                  Prices
	Promo                   PromoAntiFlood
	QuotaLocation           *time.Location
	Redis                   Redis
	RefundOnAnalysisFailure bool
	SessionSweepInterval    time.Duration
	StatusWorkerInterval    time.Duration
	TelegramBotToken        string
	WebhookBaseURL          string
}

type Redis struct {
	Host     string
	Port     string
	Password string
}

// Limits are the per-tier quotas plus the session constants the orchestrator enforces.
type Limits struct {
	Free                         models.TierLimits
	Premium                      models.TierLimits
	MessagesBeforeForcedAnalysis int
	SessionTimeout               time.Duration
}

// PromoAntiFlood bans promo redemption after too many invalid attempts in a row.
// BanDurations is indexed by how many bans the user already had.
type PromoAntiFlood struct {
	MaxFailedAttempts int
	BanDurations      []time.Duration
}

// Prices are in Telegram Stars.
type Prices struct {
	PremiumWeek      int
	PremiumMonth     int
	AnalysesPack     int
	AnalysesPackSize int
}

func DefaultLimits() Limits {
	return Limits{
		Free:                         models.TierLimits{DailyPhotos: 5, RefinementsPerPhoto: 2},
		Premium:                      models.TierLimits{DailyPhotos: 20, RefinementsPerPhoto: 5},
		MessagesBeforeForcedAnalysis: 5,
		SessionTimeout:               60 * time.Minute,
	}
}

func DefaultPromoAntiFlood() PromoAntiFlood {
	return PromoAntiFlood{
		MaxFailedAttempts: 10,
		BanDurations:      []time.Duration{30 * time.Minute, 24 * time.Hour, 7 * 24 * time.Hour},
	}
}

func DefaultPrices() Prices {
	return Prices{
		PremiumWeek:      100,
		PremiumMonth:     250,
		AnalysesPack:     20,
		AnalysesPackSize: 5,
	}
}

// For returns the limits of the given tier, unknown tiers get the free ones.
func (l Limits) For(tier models.Tier) models.TierLimits {
	if tier == models.PremiumTier {
		return l.Premium
	}
	return l.Free
}

func (c *Config) IsAdmin(userID int64) bool {
	return c.AdminIDs[userID]
}

func (c *Config) Location() *time.Location {
	if c.QuotaLocation == nil {
		return time.UTC
	}
	return c.QuotaLocation
}

// ParseAdminIDs parses a comma separated list of telegram user ids, skipping garbage.
func ParseAdminIDs(value string) map[int64]bool {
	ids := map[int64]bool{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids[id] = true
	}
	return ids
}
