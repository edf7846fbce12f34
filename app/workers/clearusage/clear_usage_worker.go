// Run every few hours to drop daily photo counters of past days
package clearusage

import (
	"context"
	"time"

	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/db/redis"
	"dishvision/m/v2/app/lib"

	log "github.com/sirupsen/logrus"
)

// keepDays of counters survive, yesterday included, so support can still look at them
const keepDays = 2

type ClearUsageWorker struct {
	cfg   *config.Config
	redis redis.Client
	now   func() time.Time
}

func New(cfg *config.Config, redisClient redis.Client) *ClearUsageWorker {
	return &ClearUsageWorker{cfg: cfg, redis: redisClient, now: time.Now}
}

func (w *ClearUsageWorker) Run() {
	w.clearByWildcard(redis.PhotosUsedWildcard())
	log.Info("finished usage clearing")
}

func (w *ClearUsageWorker) clearByWildcard(wildcard string) {
	log.Infof("clearing %s..", wildcard)
	keys, err := redis.ScanKeys(context.Background(), w.redis, wildcard)
	if err != nil {
		log.Errorf("failed to list %s: %s", wildcard, err)
		return
	}
	oldest := lib.DayKey(w.now().AddDate(0, 0, -(keepDays - 1)), w.cfg.Location())
	stale := []string{}
	for _, key := range keys {
		day, ok := redis.DayFromPhotosUsedKey(key)
		if !ok {
			continue
		}
		if _, err := lib.ParseDayKey(day, w.cfg.Location()); err != nil {
			log.Warnf("skipping %s, unexpected day %q", key, day)
			continue
		}
		// day keys sort chronologically
		if day < oldest {
			stale = append(stale, key)
		}
	}
	_ = w.cfg.DataDogClient.Gauge("clear_usage_worker.keys", float64(len(stale)), []string{"wildcard:" + wildcard}, 1)
	log.Infof("clearing %s, keys count: %d of %d", wildcard, len(stale), len(keys))

	if len(stale) == 0 {
		log.Infof("no keys to clear for %s", wildcard)
		return
	}
	cmd := w.redis.Del(context.Background(), stale...)
	if cmd.Err() != nil {
		log.Errorf("failed to clear %s: %s", wildcard, cmd.Err())
		return
	}
	count, _ := cmd.Result()
	log.Infof("cleared %d keys for %s", count, wildcard)
}
