package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// memoryStore implements the Store interface using an in-memory map.
type memoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	state map[string]limiterState
}

// NewMemoryStore creates a new in-memory rate limit store.
func NewMemoryStore() Store {
	return &memoryStore{
		now:   time.Now,
		state: make(map[string]limiterState),
	}
}

// Allow implements the Store interface for memory storage.
func (s *memoryStore) Allow(ctx context.Context, key string, rate float64, period float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	currentState, exists := s.state[key]
	if !exists {
		// first command for this key, consume one token now
		s.state[key] = limiterState{Allowance: rate - 1.0, LastCheck: now}
		log.Debug().Str("key", key).Float64("rate", rate).Float64("period", period).Msg("first request, allowed")
		return true, nil
	}

	// refill by elapsed time, rate / period is tokens per second
	timePassed := now.Sub(currentState.LastCheck).Seconds()
	currentState.LastCheck = now
	currentState.Allowance += timePassed * (rate / period)
	if currentState.Allowance > rate {
		currentState.Allowance = rate // clamp to burst
	}

	allowed := currentState.Allowance >= 1.0
	if allowed {
		currentState.Allowance -= 1.0
		log.Debug().Str("key", key).Float64("allowance", currentState.Allowance+1.0).Bool("allowed", true).Msg("request checked")
	} else {
		log.Debug().Str("key", key).Float64("allowance", currentState.Allowance).Bool("allowed", false).Msg("rate limit exceeded")
	}

	s.state[key] = currentState
	return allowed, nil
}
