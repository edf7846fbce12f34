package status

import (
	"context"
	"time"

	"dishvision/m/v2/app/db/mongo"
	"dishvision/m/v2/app/db/redis"
	"dishvision/m/v2/app/models"

	"github.com/sirupsen/logrus"
)

type SystemStatus struct {
	MongoDB *Status     `json:"mongodb"`
	Redis   *Status     `json:"redis"`
	AI      *Status     `json:"ai"`
	Time    time.Time   `json:"time"`
	Usage   SystemUsage `json:"usage"`
}

type SystemUsage struct {
	TotalUsers     int64 `json:"total_users"`
	PremiumUsers   int64 `json:"premium_users"`
	ActiveSessions int64 `json:"active_sessions"`
	PhotosToday    int64 `json:"photos_today"`
}

// Status
type Status struct {
	Available bool `json:"available"`
}

type AIChecker interface {
	IsAvailable(ctx context.Context) bool
}

type SessionLister interface {
	UserIDs(ctx context.Context) ([]int64, error)
}

// SystemStatusHandler is a handler for system status
type SystemStatusHandler struct {
	MongoDB  mongo.MongoClient
	Redis    redis.Client
	AI       AIChecker
	Sessions SessionLister
}

// New creates a new instance of SystemStatusHandler
func New(mongoDB mongo.MongoClient, redis redis.Client, ai AIChecker, sessions SessionLister) *SystemStatusHandler {
	return &SystemStatusHandler{
		MongoDB:  mongoDB,
		Redis:    redis,
		AI:       ai,
		Sessions: sessions,
	}
}

// GetSystemStatus gets a status of the system, today is the current quota day key
func (h *SystemStatusHandler) GetSystemStatus(now time.Time, today string) SystemStatus {
	mongoAvailable := false
	ctxPing, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	err := h.MongoDB.Ping(ctxPing, nil)
	if err != nil {
		logrus.WithError(err).Warn("GetSystemStatus: failed to ping MongoDB")
	} else {
		mongoAvailable = true
	}
	aiContext := context.WithValue(context.Background(), models.UserContext{}, "SYSTEM:STATUS")
	aiContext = context.WithValue(aiContext, models.ClientContext{}, "none")
	status := SystemStatus{
		MongoDB: &Status{
			Available: mongoAvailable,
		},
		Redis: &Status{
			Available: h.Redis != nil && h.Redis.Ping(context.Background()).Err() == nil,
		},
		AI: &Status{
			Available: h.AI != nil && h.AI.IsAvailable(aiContext),
		},
		Usage: SystemUsage{},
		Time:  now.UTC(),
	}
	if status.Redis.Available {
		if h.Sessions != nil {
			sessions, err := h.Sessions.UserIDs(context.Background())
			if err == nil {
				status.Usage.ActiveSessions = int64(len(sessions))
			}
		}
		status.Usage.PhotosToday = h.photosUsedOn(today)
	}
	if status.MongoDB.Available {
		users, _ := h.MongoDB.GetUsersCount(context.Background())
		status.Usage.TotalUsers = users
		premiumUsers, _ := h.MongoDB.GetPremiumUsersCount(context.Background(), now)
		status.Usage.PremiumUsers = premiumUsers
	}
	return status
}

func (h *SystemStatusHandler) photosUsedOn(day string) int64 {
	keys, err := redis.ScanKeys(context.Background(), h.Redis, redis.PhotosUsedWildcard())
	if err != nil {
		logrus.WithError(err).Warn("GetSystemStatus: failed to list photo counters")
		return 0
	}
	var total int64
	for _, key := range keys {
		keyDay, ok := redis.DayFromPhotosUsedKey(key)
		if !ok || keyDay != day {
			continue
		}
		used, err := h.Redis.Get(context.Background(), key).Int64()
		if err == nil {
			total += used
		}
	}
	return total
}
