package sessionsweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"dishvision/m/v2/app/config"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
)

type fakeSessions struct {
	ids     []int64
	expired map[int64]bool
	failing map[int64]bool
}

func (f *fakeSessions) Sessions(ctx context.Context) ([]int64, error) {
	return f.ids, nil
}

func (f *fakeSessions) OnSessionTick(ctx context.Context, userID int64, now time.Time) (bool, error) {
	if f.failing[userID] {
		return false, errors.New("redis down")
	}
	return f.expired[userID], nil
}

type fakeNotifier struct {
	sent map[int64]string
}

func (f *fakeNotifier) SendMessage(params *telego.SendMessageParams) (*telego.Message, error) {
	f.sent[params.ChatID.ID] = params.Text
	return &telego.Message{}, nil
}

func TestRunNotifiesExpiredSessionsOnly(t *testing.T) {
	sessions := &fakeSessions{
		ids:     []int64{1, 2, 3},
		expired: map[int64]bool{1: true, 3: true},
		failing: map[int64]bool{3: true},
	}
	notifier := &fakeNotifier{sent: map[int64]string{}}
	cfg := &config.Config{DataDogClient: &statsd.NoOpClient{}, SessionSweepInterval: time.Minute}

	New(cfg, sessions, notifier).Run()
	assert.Equal(t, map[int64]string{1: ExpiredText}, notifier.sent)
}
