// Run regularly to check status of the system and persist it to the redis
package status

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/db/redis"
	"dishvision/m/v2/app/quota"
	"dishvision/m/v2/app/status"
	"dishvision/m/v2/app/workers"
)

const cacheKey = "system-status"

type StatusWorker struct {
	cfg      *config.Config
	handler  *status.SystemStatusHandler
	redis    redis.Client
	ledger   *quota.Ledger
	notifier workers.Notifier
	now      func() time.Time
}

func New(cfg *config.Config, handler *status.SystemStatusHandler, redisClient redis.Client, ledger *quota.Ledger, notifier workers.Notifier) *StatusWorker {
	return &StatusWorker{
		cfg:      cfg,
		handler:  handler,
		redis:    redisClient,
		ledger:   ledger,
		notifier: notifier,
		now:      time.Now,
	}
}

func (w *StatusWorker) Run() {
	systemStatus, err := redis.WrapInCache(w.redis, cacheKey, w.cfg.StatusWorkerInterval*10, w.FetchStatus)()
	if err != nil {
		log.Errorf("failed to fetch system status: %s", err)
		return
	}
	log.Debugf("system status: %s", systemStatus)
}

func (w *StatusWorker) FetchStatus() (string, error) {
	now := w.now()
	systemStatus := w.handler.GetSystemStatus(now, w.ledger.Today(now))
	metrics := w.cfg.DataDogClient
	_ = metrics.Gauge("status_worker.mongo_db_available", boolToFloat64(systemStatus.MongoDB.Available), nil, 1)
	_ = metrics.Gauge("status_worker.redis_available", boolToFloat64(systemStatus.Redis.Available), nil, 1)
	_ = metrics.Gauge("status_worker.ai_available", boolToFloat64(systemStatus.AI.Available), nil, 1)
	_ = metrics.Gauge("status_worker.total_users", float64(systemStatus.Usage.TotalUsers), nil, 1)
	_ = metrics.Gauge("status_worker.premium_users", float64(systemStatus.Usage.PremiumUsers), nil, 1)
	_ = metrics.Gauge("status_worker.active_sessions", float64(systemStatus.Usage.ActiveSessions), nil, 1)
	_ = metrics.Gauge("status_worker.photos_today", float64(systemStatus.Usage.PhotosToday), nil, 1)
	if !systemStatus.MongoDB.Available {
		w.reportUnavailableStatus("MongoDB")
	}
	if !systemStatus.Redis.Available {
		w.reportUnavailableStatus("Redis")
	}
	if !systemStatus.AI.Available {
		w.reportUnavailableStatus("AI")
	}
	statusBytes, _ := json.Marshal(systemStatus)
	return string(statusBytes), nil
}

func (w *StatusWorker) reportUnavailableStatus(systemName string) {
	message := "🔥 " + w.cfg.BotName + ": " + systemName + " is down 🔥"
	log.Error(message)
	workers.NotifyAdmins(w.notifier, w.cfg, message)
}

func boolToFloat64(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
