package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dishvision/m/v2/app/models"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	MongoUserCollection            = "users"
	MongoPromoCodeCollection       = "promo_codes"
	MongoPromoActivationCollection = "promo_activations"
	MongoInvoiceCollection         = "invoices"
)

var ErrNotFound = errors.New("not found")

// Client is a mongo client
type Client struct {
	*mongo.Client
	dbName string
}

type MongoClient interface {
	ConsumePaidPhoto(ctx context.Context, userID int64) (bool, error)
	CreatePromoCodes(ctx context.Context, codes []models.MongoPromoCode) error
	CreditPaidPhotos(ctx context.Context, userID int64, count int) error
	DeletePromoActivation(ctx context.Context, code string, userID int64) error
	Disconnect(ctx context.Context) error
	EnsureIndexes(ctx context.Context) error
	EnsureUser(ctx context.Context, userID int64, now time.Time) (*models.MongoUser, bool, error)
	GetPremiumUsersCount(ctx context.Context, now time.Time) (int64, error)
	GetPromoCode(ctx context.Context, code string) (*models.MongoPromoCode, error)
	GetUser(ctx context.Context, userID int64) (*models.MongoUser, error)
	GetUsersCount(ctx context.Context) (int64, error)
	IncrementPromoActivations(ctx context.Context, code string, now time.Time) (bool, error)
	InsertInvoice(ctx context.Context, invoice models.MongoInvoice) (bool, error)
	DeleteInvoice(ctx context.Context, chargeID string) error
	InsertPromoActivation(ctx context.Context, activation models.MongoPromoActivation) (bool, error)
	Ping(ctx context.Context, rp *readpref.ReadPref) error
	ReleasePromoActivation(ctx context.Context, code string, userID int64) error
	SetPremium(ctx context.Context, userID int64, expectedUntil *time.Time, isPremium bool, until *time.Time) (bool, error)
}

// NewClient creates a new mongo client
func NewClient(connection string, dbName string) *Client {
	return &Client{
		Client: mustConnect(connection),
		dbName: dbName,
	}
}

// mustConnect connects to mongo and panics on error
func mustConnect(connection string) *mongo.Client {
	client, err := mongo.NewClient(options.Client().ApplyURI(connection).SetMaxConnecting(25))
	if err != nil {
		logrus.WithError(err).Panic("failed to create mongo client")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = client.Connect(ctx)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to mongo")
	}

	return client
}

func (c *Client) collection(name string) *mongo.Collection {
	return c.Database(c.dbName).Collection(name)
}

// mongo keeps milliseconds, compare-and-set on timestamps needs the same precision on both sides
func normalize(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Millisecond)
	return &v
}

func (c *Client) EnsureIndexes(ctx context.Context) error {
	_, err := c.collection(MongoPromoActivationCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("EnsureIndexes: failed to index promo activations: %w", err)
	}
	_, err = c.collection(MongoInvoiceCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("EnsureIndexes: failed to index invoices: %w", err)
	}
	_, err = c.collection(MongoUserCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "is_premium", Value: 1}, {Key: "premium_until", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("EnsureIndexes: failed to index users: %w", err)
	}
	return nil
}

// EnsureUser returns the user, creating it on first contact. The bool is true when created.
func (c *Client) EnsureUser(ctx context.Context, userID int64, now time.Time) (*models.MongoUser, bool, error) {
	collection := c.collection(MongoUserCollection)
	filter := bson.M{"_id": userID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"is_premium":         false,
			"premium_until":      nil,
			"paid_photo_balance": 0,
			"created_at":         now.UTC(),
		},
		"$set": bson.M{
			"last_used_at": now.UTC(),
		},
	}
	opts := options.Update().SetUpsert(true)
	result, err := collection.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return nil, false, fmt.Errorf("EnsureUser: failed to upsert user: %w", err)
	}
	user, err := c.GetUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return user, result.UpsertedCount == 1, nil
}

func (c *Client) GetUser(ctx context.Context, userID int64) (*models.MongoUser, error) {
	collection := c.collection(MongoUserCollection)
	filter := bson.M{"_id": userID}
	var user models.MongoUser
	err := collection.FindOne(ctx, filter).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("GetUser: user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetUser: failed to find user: %w", err)
	}
	return &user, nil
}

func (c *Client) GetUsersCount(ctx context.Context) (int64, error) {
	count, err := c.collection(MongoUserCollection).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("GetUsersCount: failed to get users count: %w", err)
	}
	return count, nil
}

func (c *Client) GetPremiumUsersCount(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.M{
		"is_premium": true,
		"$or": bson.A{
			bson.M{"premium_until": nil},
			bson.M{"premium_until": bson.M{"$gt": now.UTC()}},
		},
	}
	count, err := c.collection(MongoUserCollection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("GetPremiumUsersCount: failed to get users count: %w", err)
	}
	return count, nil
}

// SetPremium is a compare-and-set on premium_until: it only applies when the
// stored expiry still equals expectedUntil, so concurrent grants never lose days.
func (c *Client) SetPremium(ctx context.Context, userID int64, expectedUntil *time.Time, isPremium bool, until *time.Time) (bool, error) {
	filter := bson.M{"_id": userID, "premium_until": normalize(expectedUntil)}
	update := bson.M{
		"$set": bson.M{
			"is_premium":    isPremium,
			"premium_until": normalize(until),
		},
	}
	result, err := c.collection(MongoUserCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("SetPremium: failed to update user: %w", err)
	}
	return result.MatchedCount == 1, nil
}

func (c *Client) CreditPaidPhotos(ctx context.Context, userID int64, count int) error {
	filter := bson.M{"_id": userID}
	update := bson.M{"$inc": bson.M{"paid_photo_balance": count}}
	result, err := c.collection(MongoUserCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("CreditPaidPhotos: failed to update user: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("CreditPaidPhotos: user %d: %w", userID, ErrNotFound)
	}
	return nil
}

// ConsumePaidPhoto decrements the paid balance if it is positive, reporting whether it did.
func (c *Client) ConsumePaidPhoto(ctx context.Context, userID int64) (bool, error) {
	filter := bson.M{"_id": userID, "paid_photo_balance": bson.M{"$gt": 0}}
	update := bson.M{"$inc": bson.M{"paid_photo_balance": -1}}
	result, err := c.collection(MongoUserCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("ConsumePaidPhoto: failed to update user: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

func (c *Client) CreatePromoCodes(ctx context.Context, codes []models.MongoPromoCode) error {
	if len(codes) == 0 {
		return nil
	}
	docs := make([]interface{}, len(codes))
	for i := range codes {
		codes[i].ExpiresAt = normalize(codes[i].ExpiresAt)
		docs[i] = codes[i]
	}
	_, err := c.collection(MongoPromoCodeCollection).InsertMany(ctx, docs)
	if err != nil {
		return fmt.Errorf("CreatePromoCodes: failed to insert promo codes: %w", err)
	}
	return nil
}

func (c *Client) GetPromoCode(ctx context.Context, code string) (*models.MongoPromoCode, error) {
	var promo models.MongoPromoCode
	err := c.collection(MongoPromoCodeCollection).FindOne(ctx, bson.M{"_id": code}).Decode(&promo)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("GetPromoCode: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetPromoCode: failed to find promo code: %w", err)
	}
	return &promo, nil
}

// InsertPromoActivation returns false when the user already activated the code.
func (c *Client) InsertPromoActivation(ctx context.Context, activation models.MongoPromoActivation) (bool, error) {
	activation.ID = models.PromoActivationID(activation.Code, activation.UserID)
	_, err := c.collection(MongoPromoActivationCollection).InsertOne(ctx, activation)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("InsertPromoActivation: failed to insert activation: %w", err)
	}
	return true, nil
}

// IncrementPromoActivations takes one activation slot if the code is still usable at now.
func (c *Client) IncrementPromoActivations(ctx context.Context, code string, now time.Time) (bool, error) {
	filter := bson.M{
		"_id":   code,
		"$expr": bson.M{"$lt": bson.A{"$activations_count", "$max_activations"}},
		"$or": bson.A{
			bson.M{"expires_at": nil},
			bson.M{"expires_at": bson.M{"$gt": now.UTC()}},
		},
	}
	update := bson.M{"$inc": bson.M{"activations_count": 1}}
	result, err := c.collection(MongoPromoCodeCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("IncrementPromoActivations: failed to update promo code: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

// DeletePromoActivation removes the activation record only, the code counter is untouched.
func (c *Client) DeletePromoActivation(ctx context.Context, code string, userID int64) error {
	_, err := c.collection(MongoPromoActivationCollection).DeleteOne(ctx, bson.M{"_id": models.PromoActivationID(code, userID)})
	if err != nil {
		return fmt.Errorf("DeletePromoActivation: failed to delete activation: %w", err)
	}
	return nil
}

// ReleasePromoActivation undoes a redemption that could not be completed.
func (c *Client) ReleasePromoActivation(ctx context.Context, code string, userID int64) error {
	if err := c.DeletePromoActivation(ctx, code, userID); err != nil {
		return fmt.Errorf("ReleasePromoActivation: %w", err)
	}
	filter := bson.M{"_id": code, "activations_count": bson.M{"$gt": 0}}
	update := bson.M{"$inc": bson.M{"activations_count": -1}}
	_, err := c.collection(MongoPromoCodeCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("ReleasePromoActivation: failed to update promo code: %w", err)
	}
	return nil
}

// InsertInvoice returns false when the charge was already recorded.
func (c *Client) InsertInvoice(ctx context.Context, invoice models.MongoInvoice) (bool, error) {
	_, err := c.collection(MongoInvoiceCollection).InsertOne(ctx, invoice)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("InsertInvoice: failed to insert invoice: %w", err)
	}
	return true, nil
}

// DeleteInvoice forgets a charge whose product could not be delivered.
func (c *Client) DeleteInvoice(ctx context.Context, chargeID string) error {
	_, err := c.collection(MongoInvoiceCollection).DeleteOne(ctx, bson.M{"_id": chargeID})
	if err != nil {
		return fmt.Errorf("DeleteInvoice: failed to delete invoice: %w", err)
	}
	return nil
}
