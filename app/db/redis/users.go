package redis

import (
	"context"
	"time"
)

func IsUserBanned(ctx context.Context, client Client, userID int64) bool {
	banned, err := client.Get(ctx, UserBannedKey(userID)).Result()
	if err != nil {
		return false
	}
	return banned == "true"
}

// BanUser blocks every interaction of the user, 0 duration bans forever.
func BanUser(ctx context.Context, client Client, userID int64, duration time.Duration) error {
	return client.Set(ctx, UserBannedKey(userID), "true", duration).Err()
}
