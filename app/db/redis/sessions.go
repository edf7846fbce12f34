package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dishvision/m/v2/app/models"

	r "github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// SessionStore persists photo sessions as JSON so a restart does not drop them.
type SessionStore struct {
	client Client
	ttl    time.Duration
}

// NewSessionStore keeps sessions for ttl after the last save, expiry itself is
// decided by the session timeout, the ttl only garbage collects.
func NewSessionStore(client Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

// Get returns nil without error when the user has no session.
func (s *SessionStore) Get(ctx context.Context, userID int64) (*models.PhotoSession, error) {
	data, err := s.client.Get(ctx, UserPhotoSessionKey(userID)).Bytes()
	if errors.Is(err, r.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: failed to get session: %w", err)
	}
	var session models.PhotoSession
	err = json.Unmarshal(data, &session)
	if err != nil {
		log.Warnf("Get: dropping unreadable session of user %d: %v", userID, err)
		return nil, s.Delete(ctx, userID)
	}
	return &session, nil
}

func (s *SessionStore) Save(ctx context.Context, session *models.PhotoSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("Save: failed to marshal session: %w", err)
	}
	err = s.client.Set(ctx, UserPhotoSessionKey(session.UserID), data, s.ttl).Err()
	if err != nil {
		return fmt.Errorf("Save: failed to save session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, userID int64) error {
	err := s.client.Del(ctx, UserPhotoSessionKey(userID)).Err()
	if err != nil {
		return fmt.Errorf("Delete: failed to delete session: %w", err)
	}
	return nil
}

// UserIDs lists users that currently have a stored session.
func (s *SessionStore) UserIDs(ctx context.Context) ([]int64, error) {
	keys, err := ScanKeys(ctx, s.client, "*"+PhotoSessionSuffix)
	if err != nil {
		return nil, fmt.Errorf("UserIDs: failed to list sessions: %w", err)
	}
	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		if id, ok := UserIDFromPhotoSessionKey(key); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
