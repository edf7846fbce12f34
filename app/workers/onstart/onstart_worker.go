// Run on start
package onstart

import (
	"context"
	"fmt"
	"time"

	"dishvision/m/v2/app/db/mongo"

	log "github.com/sirupsen/logrus"
)

func Run(ctx context.Context, mongoClient mongo.MongoClient) error {
	log.Info("[onstart] ensuring indexes..")
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := mongoClient.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("[onstart] failed to ensure indexes: %w", err)
	}
	log.Info("[onstart] finished ensuring indexes")
	return nil
}
