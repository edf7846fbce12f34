package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dishvision/m/v2/app/models"

	"github.com/alicebob/miniredis/v2"
	r "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestUsageStoreTryConsumeStopsAtLimit(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewUsageStore(client)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		allowed, used, err := store.TryConsume(ctx, 7, "2024-05-01", 3)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, i, used)
	}
	allowed, used, err := store.TryConsume(ctx, 7, "2024-05-01", 3)
	require.NoError(t, err)
	assert.False(t, allowed, "Fourth photo should be denied")
	assert.Equal(t, 3, used, "Denied attempt must not mutate the counter")

	ttl := mr.TTL(UserPhotosUsedKey(7, "2024-05-01"))
	assert.Equal(t, PhotosUsedKeyTTL, ttl, "Counter should carry a ttl")

	// another day starts from zero
	allowed, used, err = store.TryConsume(ctx, 7, "2024-05-02", 3)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, used)
}

func TestUsageStoreConcurrentConsumers(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewUsageStore(client)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, _, err := store.TryConsume(ctx, 1, "2024-05-01", 5)
			assert.NoError(t, err)
			if allowed {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successes, "Exactly limit attempts should succeed")
	used, err := store.Used(ctx, 1, "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, 5, used)
}

func TestUsageStoreUsedRefundReset(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewUsageStore(client)
	ctx := context.Background()

	used, err := store.Used(ctx, 2, "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, 0, used, "Missing counter reads as zero")

	used, err = store.Refund(ctx, 2, "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, 0, used, "Refund never goes negative")

	_, _, err = store.TryConsume(ctx, 2, "2024-05-01", 5)
	require.NoError(t, err)
	_, _, err = store.TryConsume(ctx, 2, "2024-05-01", 5)
	require.NoError(t, err)
	used, err = store.Refund(ctx, 2, "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	require.NoError(t, store.Reset(ctx, 2, "2024-05-01"))
	used, err = store.Used(ctx, 2, "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, 0, used)
}

func TestSessionStoreRoundTrip(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewSessionStore(client, time.Hour)
	ctx := context.Background()

	session, err := store.Get(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, session, "No session expected")

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	err = store.Save(ctx, &models.PhotoSession{
		ID:                 "s1",
		UserID:             10,
		PhotoRef:           "file-1",
		AccumulatedComment: "no sauce",
		GptCallCount:       1,
		LastAnalysisType:   models.RecipeAnalysis,
		RecipeUsed:         true,
		StartedAt:          &started,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL(UserPhotoSessionKey(10)))

	session, err = store.Get(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "file-1", session.PhotoRef)
	assert.Equal(t, models.RecipeAnalysis, session.LastAnalysisType)
	assert.True(t, session.StartedAt.Equal(started))

	ids, err := store.UserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, ids)

	require.NoError(t, store.Delete(ctx, 10))
	session, err = store.Get(ctx, 10)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestSessionStoreDropsCorruptedSession(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewSessionStore(client, time.Hour)
	require.NoError(t, mr.Set(UserPhotoSessionKey(11), "{not json"))

	session, err := store.Get(context.Background(), 11)
	require.NoError(t, err)
	assert.Nil(t, session)
	assert.False(t, mr.Exists(UserPhotoSessionKey(11)))
}

func TestPromoGuardEscalatingBans(t *testing.T) {
	mr, client := setupTestRedis(t)
	guard := NewPromoGuard(client, 3, []time.Duration{30 * time.Minute, 24 * time.Hour})
	ctx := context.Background()

	banFor := func() time.Duration {
		var ban time.Duration
		for i := 0; i < 3; i++ {
			d, err := guard.RegisterFailure(ctx, 5)
			require.NoError(t, err)
			ban = d
		}
		return ban
	}

	assert.Equal(t, 30*time.Minute, banFor(), "First ban")
	left, err := guard.BanRemaining(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, left)

	mr.FastForward(31 * time.Minute)
	left, err = guard.BanRemaining(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), left, "Ban should be over")

	assert.Equal(t, 24*time.Hour, banFor(), "Second ban escalates")
	mr.FastForward(25 * time.Hour)
	assert.Equal(t, 24*time.Hour, banFor(), "Ban length is capped at the last step")
}

func TestPromoGuardClearFailures(t *testing.T) {
	_, client := setupTestRedis(t)
	guard := NewPromoGuard(client, 2, []time.Duration{time.Minute})
	ctx := context.Background()

	ban, err := guard.RegisterFailure(ctx, 6)
	require.NoError(t, err)
	assert.Zero(t, ban)
	require.NoError(t, guard.ClearFailures(ctx, 6))
	ban, err = guard.RegisterFailure(ctx, 6)
	require.NoError(t, err)
	assert.Zero(t, ban, "Cleared failures should not count towards a ban")
}

func TestWrapInCache(t *testing.T) {
	_, client := setupTestRedis(t)
	calls := 0
	fn := WrapInCache(client, "cached", time.Minute, func() (string, error) {
		calls++
		return "value", nil
	})
	for i := 0; i < 3; i++ {
		value, err := fn()
		require.NoError(t, err)
		assert.Equal(t, "value", value)
	}
	assert.Equal(t, 1, calls, "Function should be called once")

	failing := WrapInCache(client, "failing", time.Minute, func() (string, error) {
		return "", errors.New("boom")
	})
	_, err := failing()
	assert.Error(t, err)
}

func TestUserBans(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	assert.False(t, IsUserBanned(ctx, client, 9))
	require.NoError(t, BanUser(ctx, client, 9, 0))
	assert.True(t, IsUserBanned(ctx, client, 9))
}

func TestKeys(t *testing.T) {
	day, ok := DayFromPhotosUsedKey(UserPhotosUsedKey(12, "2024-05-01"))
	assert.True(t, ok)
	assert.Equal(t, "2024-05-01", day)

	id, ok := UserIDFromPhotoSessionKey(UserPhotoSessionKey(-100123))
	assert.True(t, ok)
	assert.Equal(t, int64(-100123), id)

	_, ok = UserIDFromPhotoSessionKey("abc:photo-session")
	assert.False(t, ok)
}

func TestScanKeysWalksWholeKeyspace(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	for user := int64(1); user <= 1200; user++ {
		require.NoError(t, mr.Set(UserPhotosUsedKey(user, "2024-05-01"), "1"))
	}
	require.NoError(t, mr.Set("system-status", "{}"))

	keys, err := ScanKeys(ctx, client, PhotosUsedWildcard())
	require.NoError(t, err)
	assert.Len(t, keys, 1200)

	keys, err = ScanKeys(ctx, client, "nothing:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
