// Package session tracks the one open photo conversation each user may have.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dishvision/m/v2/app/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type Store interface {
	Get(ctx context.Context, userID int64) (*models.PhotoSession, error)
	Save(ctx context.Context, session *models.PhotoSession) error
	Delete(ctx context.Context, userID int64) error
	UserIDs(ctx context.Context) ([]int64, error)
}

// New returns a fresh session for photoRef with every counter at zero.
func New(userID int64, photoRef string, caption string, now time.Time) *models.PhotoSession {
	started := now.UTC()
	return &models.PhotoSession{
		ID:                 uuid.NewString(),
		UserID:             userID,
		PhotoRef:           photoRef,
		AccumulatedComment: strings.TrimSpace(caption),
		LastAnalysisType:   models.NoAnalysis,
		StartedAt:          &started,
	}
}

// IsExpired treats sessions without a start time as alive.
func IsExpired(s *models.PhotoSession, now time.Time, timeout time.Duration) bool {
	if s == nil || s.StartedAt == nil {
		return false
	}
	return now.UTC().Sub(s.StartedAt.UTC()) > timeout
}

func AppendComment(s *models.PhotoSession, text string) {
	s.AccumulatedComment = strings.TrimSpace(s.AccumulatedComment + "\n" + text)
}

func RecordAnalysisRun(s *models.PhotoSession, analysisType models.AnalysisType) {
	s.GptCallCount++
	s.LastAnalysisType = analysisType
	switch analysisType {
	case models.RecipeAnalysis:
		s.RecipeUsed = true
	case models.NutritionAnalysis:
		s.NutritionUsed = true
	}
}

func RecordRefinement(s *models.PhotoSession) {
	s.RefinementsUsed++
}

type Manager struct {
	store   Store
	timeout time.Duration
}

func NewManager(store Store, timeout time.Duration) *Manager {
	return &Manager{store: store, timeout: timeout}
}

func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Start replaces whatever session the user had.
func (m *Manager) Start(ctx context.Context, userID int64, photoRef string, caption string, now time.Time) (*models.PhotoSession, error) {
	s := New(userID, photoRef, caption, now)
	if err := m.store.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("Start: %w", err)
	}
	return s, nil
}

// Load returns the open session or nil. An expired session is destroyed and
// reported through expired.
func (m *Manager) Load(ctx context.Context, userID int64, now time.Time) (s *models.PhotoSession, expired bool, err error) {
	s, err = m.store.Get(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("Load: %w", err)
	}
	if s == nil {
		return nil, false, nil
	}
	if IsExpired(s, now, m.timeout) {
		log.Infof("Session %s of user %d expired", s.ID, userID)
		if err = m.store.Delete(ctx, userID); err != nil {
			return nil, false, fmt.Errorf("Load: %w", err)
		}
		return nil, true, nil
	}
	return s, false, nil
}

// Get returns the stored session without evaluating expiry.
func (m *Manager) Get(ctx context.Context, userID int64) (*models.PhotoSession, error) {
	s, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return s, nil
}

func (m *Manager) Save(ctx context.Context, s *models.PhotoSession) error {
	if err := m.store.Save(ctx, s); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

func (m *Manager) Destroy(ctx context.Context, userID int64) error {
	if err := m.store.Delete(ctx, userID); err != nil {
		return fmt.Errorf("Destroy: %w", err)
	}
	return nil
}

func (m *Manager) UserIDs(ctx context.Context) ([]int64, error) {
	ids, err := m.store.UserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("UserIDs: %w", err)
	}
	return ids, nil
}
