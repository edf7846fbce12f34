package lib

import (
	"context"
	"fmt"
	"time"

	"dishvision/m/v2/app/db/redis"
	"dishvision/m/v2/app/models"

	"github.com/DataDog/datadog-go/v5/statsd"
	log "github.com/sirupsen/logrus"
)

var (
	TIMEOUT       = 2 * time.Minute
	ErrUserBanned = fmt.Errorf("user is banned")
)

type ClientName string

const (
	TelegramClientName ClientName = "telegram"
)

type UserEnsurer interface {
	EnsureUser(ctx context.Context, userID int64, now time.Time) (*models.MongoUser, bool, error)
}

// SetupUserAndContext rejects banned users, creates the user on first contact and
// returns a request context carrying the user id.
func SetupUserAndContext(users UserEnsurer, redisClient redis.Client, metrics statsd.ClientInterface, userID int64, client ClientName, now time.Time) (user *models.MongoUser, currentContext context.Context, cancelContext context.CancelFunc, err error) {
	if redis.IsUserBanned(context.Background(), redisClient, userID) {
		return nil, nil, nil, ErrUserBanned
	}

	currentContext = context.WithValue(context.Background(), models.UserContext{}, models.Int64ToString(userID))
	currentContext = context.WithValue(currentContext, models.ClientContext{}, string(client))
	currentContext, cancelContext = context.WithTimeout(currentContext, TIMEOUT)

	user, created, err := users.EnsureUser(currentContext, userID, now)
	if err != nil {
		cancelContext()
		return nil, nil, nil, fmt.Errorf("SetupUserAndContext: %w", err)
	}
	if created {
		log.Infof("New user %d", userID)
		_ = metrics.Incr("new_user", []string{"client:" + string(client)}, 1)
	}
	return user, currentContext, cancelContext, nil
}
