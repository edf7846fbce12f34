package workers

import (
	"time"

	"dishvision/m/v2/app/config"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	log "github.com/sirupsen/logrus"
)

// Notifier delivers alerts to the admins, *telego.Bot satisfies it.
type Notifier interface {
	SendMessage(params *telego.SendMessageParams) (*telego.Message, error)
}

type Worker struct {
	Name     string
	Interval time.Duration
	Run      func()
	Stop     chan struct{}
}

func NewWorker(name string, interval time.Duration, run func()) *Worker {
	return &Worker{
		Name:     name,
		Interval: interval,
		Run:      run,
		Stop:     make(chan struct{}),
	}
}

// Start runs the worker once and then on every tick until stopped.
func (w *Worker) Start() {
	log.Infof("[%s] worker started, interval %s", w.Name, w.Interval)
	w.Run()
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Run()
		case <-w.Stop:
			log.Infof("[%s] worker stopped", w.Name)
			return
		}
	}
}

func (w *Worker) StopWorker() {
	w.Stop <- struct{}{}
}

// NotifyAdmins sends text to every admin, failures are only logged.
func NotifyAdmins(notifier Notifier, cfg *config.Config, text string) {
	if notifier == nil {
		log.Error("NotifyAdmins: no notifier configured")
		return
	}
	for adminID := range cfg.AdminIDs {
		if _, err := notifier.SendMessage(tu.Message(tu.ID(adminID), text)); err != nil {
			log.Errorf("Failed to notify admin %d: %s", adminID, err)
		}
	}
}
