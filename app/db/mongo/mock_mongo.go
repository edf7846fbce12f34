package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dishvision/m/v2/app/models"

	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MockMongoDBClient is an in-memory MongoClient for tests of other packages.
type MockMongoDBClient struct {
	mu          sync.Mutex
	Users       map[int64]*models.MongoUser
	PromoCodes  map[string]*models.MongoPromoCode
	Activations map[string]models.MongoPromoActivation
	Invoices    map[string]models.MongoInvoice

	// Err is returned by every call when set
	Err error
}

var _ MongoClient = (*MockMongoDBClient)(nil)

func NewMockMongoDBClient(users ...models.MongoUser) *MockMongoDBClient {
	m := &MockMongoDBClient{
		Users:       map[int64]*models.MongoUser{},
		PromoCodes:  map[string]*models.MongoPromoCode{},
		Activations: map[string]models.MongoPromoActivation{},
		Invoices:    map[string]models.MongoInvoice{},
	}
	for i := range users {
		user := users[i]
		m.Users[user.ID] = &user
	}
	return m
}

// User returns a copy of the stored user or nil.
func (m *MockMongoDBClient) User(userID int64) *models.MongoUser {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.Users[userID]
	if !ok {
		return nil
	}
	copied := *user
	return &copied
}

func (m *MockMongoDBClient) Disconnect(ctx context.Context) error {
	return m.Err
}

func (m *MockMongoDBClient) Ping(ctx context.Context, rp *readpref.ReadPref) error {
	return m.Err
}

func (m *MockMongoDBClient) EnsureIndexes(ctx context.Context) error {
	return m.Err
}

func (m *MockMongoDBClient) EnsureUser(ctx context.Context, userID int64, now time.Time) (*models.MongoUser, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, false, m.Err
	}
	user, ok := m.Users[userID]
	if !ok {
		user = &models.MongoUser{ID: userID, CreatedAt: now.UTC()}
		m.Users[userID] = user
	}
	copied := *user
	return &copied, !ok, nil
}

func (m *MockMongoDBClient) GetUser(ctx context.Context, userID int64) (*models.MongoUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	user, ok := m.Users[userID]
	if !ok {
		return nil, fmt.Errorf("GetUser: user %d: %w", userID, ErrNotFound)
	}
	copied := *user
	return &copied, nil
}

func (m *MockMongoDBClient) GetUsersCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.Users)), m.Err
}

func (m *MockMongoDBClient) GetPremiumUsersCount(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, user := range m.Users {
		if user.PremiumActive(now) {
			count++
		}
	}
	return count, m.Err
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (m *MockMongoDBClient) SetPremium(ctx context.Context, userID int64, expectedUntil *time.Time, isPremium bool, until *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	user, ok := m.Users[userID]
	if !ok || !sameInstant(user.PremiumUntil, expectedUntil) {
		return false, nil
	}
	user.IsPremium = isPremium
	user.PremiumUntil = normalize(until)
	return true, nil
}

func (m *MockMongoDBClient) CreditPaidPhotos(ctx context.Context, userID int64, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	user, ok := m.Users[userID]
	if !ok {
		return fmt.Errorf("CreditPaidPhotos: user %d: %w", userID, ErrNotFound)
	}
	user.PaidPhotoBalance += count
	return nil
}

func (m *MockMongoDBClient) ConsumePaidPhoto(ctx context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	user, ok := m.Users[userID]
	if !ok || user.PaidPhotoBalance <= 0 {
		return false, nil
	}
	user.PaidPhotoBalance--
	return true, nil
}

func (m *MockMongoDBClient) CreatePromoCodes(ctx context.Context, codes []models.MongoPromoCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for i := range codes {
		if _, ok := m.PromoCodes[codes[i].Code]; ok {
			return errors.New("CreatePromoCodes: duplicate key")
		}
	}
	for i := range codes {
		code := codes[i]
		m.PromoCodes[code.Code] = &code
	}
	return nil
}

func (m *MockMongoDBClient) GetPromoCode(ctx context.Context, code string) (*models.MongoPromoCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	promo, ok := m.PromoCodes[code]
	if !ok {
		return nil, fmt.Errorf("GetPromoCode: %w", ErrNotFound)
	}
	copied := *promo
	return &copied, nil
}

func (m *MockMongoDBClient) InsertPromoActivation(ctx context.Context, activation models.MongoPromoActivation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	activation.ID = models.PromoActivationID(activation.Code, activation.UserID)
	if _, ok := m.Activations[activation.ID]; ok {
		return false, nil
	}
	m.Activations[activation.ID] = activation
	return true, nil
}

func (m *MockMongoDBClient) IncrementPromoActivations(ctx context.Context, code string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	promo, ok := m.PromoCodes[code]
	if !ok || !promo.Usable(now) {
		return false, nil
	}
	promo.ActivationsCount++
	return true, nil
}

func (m *MockMongoDBClient) DeletePromoActivation(ctx context.Context, code string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Activations, models.PromoActivationID(code, userID))
	return nil
}

func (m *MockMongoDBClient) ReleasePromoActivation(ctx context.Context, code string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Activations, models.PromoActivationID(code, userID))
	if promo, ok := m.PromoCodes[code]; ok && promo.ActivationsCount > 0 {
		promo.ActivationsCount--
	}
	return nil
}

func (m *MockMongoDBClient) InsertInvoice(ctx context.Context, invoice models.MongoInvoice) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	if _, ok := m.Invoices[invoice.ID]; ok {
		return false, nil
	}
	m.Invoices[invoice.ID] = invoice
	return true, nil
}

func (m *MockMongoDBClient) DeleteInvoice(ctx context.Context, chargeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Invoices, chargeID)
	return nil
}
