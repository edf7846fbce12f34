package telegram

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxTrackedUsers = 10000

// floodLimiter drops updates of a user tapping faster than the bot can answer.
type floodLimiter struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newFloodLimiter(every time.Duration, burst int) *floodLimiter {
	return &floodLimiter{
		limiters: map[int64]*rate.Limiter{},
		limit:    rate.Every(every),
		burst:    burst,
	}
}

func (f *floodLimiter) Allow(userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	limiter, ok := f.limiters[userID]
	if !ok {
		if len(f.limiters) >= maxTrackedUsers {
			f.limiters = map[int64]*rate.Limiter{}
		}
		limiter = rate.NewLimiter(f.limit, f.burst)
		f.limiters[userID] = limiter
	}
	return limiter.Allow()
}
