package mongo

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"dishvision/m/v2/app/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tryvium-travels/memongo"
	"go.mongodb.org/mongo-driver/bson"
)

var MockMongoServer *memongo.Server

func TestMain(m *testing.M) {
	opts := &memongo.Options{
		MongoVersion: "6.0.13",
	}
	if runtime.GOARCH == "arm64" {
		if runtime.GOOS == "darwin" {
			// Only set the custom url as workaround for arm64 macs
			opts.DownloadURL = "https://fastdl.mongodb.org/osx/mongodb-macos-x86_64-6.0.13.tgz"
		}
	}

	var err error
	MockMongoServer, err = memongo.StartWithOptions(opts)
	if err != nil {
		MockMongoServer = nil
	}
	code := m.Run()
	if MockMongoServer != nil {
		MockMongoServer.Stop()
	}
	os.Exit(code)
}

func newTestClient(t *testing.T) *Client {
	if MockMongoServer == nil {
		t.Skip("mongod is not available")
	}
	uri := MockMongoServer.URIWithRandomDB()
	// parse db name from uri
	dbName := uri[strings.LastIndex(uri, "/")+1:]
	client := NewClient(uri, dbName)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

func TestEnsureUserAndGetUser(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := client.GetUser(ctx, 292902807)
	assert.True(t, errors.Is(err, ErrNotFound), "Expected not found, got %v", err)

	user, created, err := client.EnsureUser(ctx, 292902807, now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(292902807), user.ID)
	assert.False(t, user.IsPremium)
	assert.Nil(t, user.PremiumUntil)
	assert.Equal(t, 0, user.PaidPhotoBalance)

	_, created, err = client.EnsureUser(ctx, 292902807, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created, "Second contact must not recreate the user")

	count, err := client.GetUsersCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSetPremiumCompareAndSet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC)
	_, _, err := client.EnsureUser(ctx, 1, now)
	require.NoError(t, err)

	until := now.Add(72 * time.Hour)
	ok, err := client.SetPremium(ctx, 1, nil, true, &until)
	require.NoError(t, err)
	assert.True(t, ok)

	// stale expectation loses
	ok, err = client.SetPremium(ctx, 1, nil, true, &now)
	require.NoError(t, err)
	assert.False(t, ok)

	user, err := client.GetUser(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, user.PremiumUntil)
	assert.True(t, user.PremiumActive(now))

	later := until.Add(120 * time.Hour)
	ok, err = client.SetPremium(ctx, 1, user.PremiumUntil, true, &later)
	require.NoError(t, err)
	assert.True(t, ok, "Expectation read back from mongo should match")

	premiumUsers, err := client.GetPremiumUsersCount(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), premiumUsers)
}

func TestPaidPhotoBalance(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	_, _, err := client.EnsureUser(ctx, 2, time.Now())
	require.NoError(t, err)

	ok, err := client.ConsumePaidPhoto(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok, "Empty balance cannot be consumed")

	require.NoError(t, client.CreditPaidPhotos(ctx, 2, 2))
	for i := 0; i < 2; i++ {
		ok, err = client.ConsumePaidPhoto(ctx, 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err = client.ConsumePaidPhoto(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	user, err := client.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, user.PaidPhotoBalance, "Balance never goes negative")

	err = client.CreditPaidPhotos(ctx, 404, 1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPromoActivations(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, client.CreatePromoCodes(ctx, []models.MongoPromoCode{
		{Code: "ABCDEF12", Days: 5, MaxActivations: 1, CreatedAt: now},
	}))
	promo, err := client.GetPromoCode(ctx, "ABCDEF12")
	require.NoError(t, err)
	assert.Equal(t, 5, promo.Days)
	assert.Nil(t, promo.ExpiresAt)

	inserted, err := client.InsertPromoActivation(ctx, models.MongoPromoActivation{Code: "ABCDEF12", UserID: 3, ActivatedAt: now})
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = client.InsertPromoActivation(ctx, models.MongoPromoActivation{Code: "ABCDEF12", UserID: 3, ActivatedAt: now})
	require.NoError(t, err)
	assert.False(t, inserted, "Same user cannot activate twice")

	ok, err := client.IncrementPromoActivations(ctx, "ABCDEF12", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client.IncrementPromoActivations(ctx, "ABCDEF12", now)
	require.NoError(t, err)
	assert.False(t, ok, "Exhausted code must not be incremented")

	require.NoError(t, client.ReleasePromoActivation(ctx, "ABCDEF12", 3))
	promo, err = client.GetPromoCode(ctx, "ABCDEF12")
	require.NoError(t, err)
	assert.Equal(t, 0, promo.ActivationsCount)
	count, err := client.Database(client.dbName).Collection(MongoPromoActivationCollection).CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestIncrementExpiredPromo(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	require.NoError(t, client.CreatePromoCodes(ctx, []models.MongoPromoCode{
		{Code: "0000AAAA", Days: 1, MaxActivations: 10, ExpiresAt: &expired, CreatedAt: now},
	}))
	ok, err := client.IncrementPromoActivations(ctx, "0000AAAA", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertInvoiceIsIdempotent(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	invoice := models.MongoInvoice{ID: "charge-1", UserID: 4, Payload: "premium_week", Amount: 100, Currency: "XTR", CreatedAt: time.Now().UTC()}

	inserted, err := client.InsertInvoice(ctx, invoice)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = client.InsertInvoice(ctx, invoice)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, client.DeleteInvoice(ctx, "charge-1"))
	inserted, err = client.InsertInvoice(ctx, invoice)
	require.NoError(t, err)
	assert.True(t, inserted, "A deleted charge can be recorded again")

	require.NoError(t, client.EnsureIndexes(ctx))
}
