package redis

import (
	"strconv"
	"strings"
)

const PhotoSessionSuffix = ":photo-session"

func userKey(user int64) string {
	return strconv.FormatInt(user, 10)
}

// UserPhotosUsedKey is the daily photo counter, day is YYYY-MM-DD
func UserPhotosUsedKey(user int64, day string) string {
	return userKey(user) + ":photos_used:" + day
}

func PhotosUsedWildcard() string {
	return "*:photos_used:*"
}

// DayFromPhotosUsedKey returns the day part of a daily photo counter key.
func DayFromPhotosUsedKey(key string) (string, bool) {
	idx := strings.LastIndex(key, ":photos_used:")
	if idx < 0 {
		return "", false
	}
	return key[idx+len(":photos_used:"):], true
}

func UserPhotoSessionKey(user int64) string {
	return userKey(user) + PhotoSessionSuffix
}

// UserIDFromPhotoSessionKey is the inverse of UserPhotoSessionKey.
func UserIDFromPhotoSessionKey(key string) (int64, bool) {
	if !strings.HasSuffix(key, PhotoSessionSuffix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(key, PhotoSessionSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func UserPromoFailuresKey(user int64) string {
	return userKey(user) + ":promo-failures"
}

func UserPromoBanKey(user int64) string {
	return userKey(user) + ":promo-ban"
}

func UserPromoBanSeriesKey(user int64) string {
	return userKey(user) + ":promo-ban-series"
}

func UserBannedKey(user int64) string {
	return userKey(user) + ":banned"
}
