// Run regularly to close photo sessions nobody touched for too long
package sessionsweep

import (
	"context"
	"time"

	"dishvision/m/v2/app/config"
	"dishvision/m/v2/app/workers"

	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"
)

const ExpiredText = "Your photo session has expired ⌛ Send a new photo whenever you are ready."

type SessionTicker interface {
	Sessions(ctx context.Context) ([]int64, error)
	OnSessionTick(ctx context.Context, userID int64, now time.Time) (bool, error)
}

type SessionSweepWorker struct {
	cfg      *config.Config
	sessions SessionTicker
	notifier workers.Notifier
	now      func() time.Time
}

func New(cfg *config.Config, sessions SessionTicker, notifier workers.Notifier) *SessionSweepWorker {
	return &SessionSweepWorker{cfg: cfg, sessions: sessions, notifier: notifier, now: time.Now}
}

func (w *SessionSweepWorker) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SessionSweepInterval)
	defer cancel()
	userIDs, err := w.sessions.Sessions(ctx)
	if err != nil {
		log.Errorf("[sessionsweep] failed to list sessions: %s", err)
		return
	}
	expired := 0
	for _, userID := range userIDs {
		closed, err := w.sessions.OnSessionTick(ctx, userID, w.now())
		if err != nil {
			log.Errorf("[sessionsweep] failed to check session of user %d: %s", userID, err)
			continue
		}
		if !closed {
			continue
		}
		expired++
		if w.notifier == nil {
			continue
		}
		if _, err := w.notifier.SendMessage(tu.Message(tu.ID(userID), ExpiredText)); err != nil {
			log.Warnf("[sessionsweep] failed to notify user %d: %s", userID, err)
		}
	}
	_ = w.cfg.DataDogClient.Gauge("session_sweep_worker.expired", float64(expired), nil, 1)
	log.Debugf("[sessionsweep] checked %d sessions, %d expired", len(userIDs), expired)
}
