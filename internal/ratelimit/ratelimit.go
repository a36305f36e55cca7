// Package ratelimit caps how many submissions a user may make per minute.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window is the length of one counting window
const Window = time.Minute

// Limiter decides whether a user may submit another job
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// Memory is a fixed-window limiter kept in process memory
type Memory struct {
	mu          sync.Mutex
	userTokens  map[string]int
	windowStart map[string]time.Time
	maxPerMin   int
	now         func() time.Time
}

// NewMemory creates a limiter allowing maxPerMin submissions per user per minute
func NewMemory(maxPerMin int) *Memory {
	return &Memory{
		userTokens:  make(map[string]int),
		windowStart: make(map[string]time.Time),
		maxPerMin:   maxPerMin,
		now:         time.Now,
	}
}

// Allow consumes one token from the user's current window
func (m *Memory) Allow(_ context.Context, userID string) (bool, error) {
	if m.maxPerMin <= 0 {
		return true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	start, exists := m.windowStart[userID]

	// Refill once the window has passed
	if !exists || now.Sub(start) >= Window {
		m.userTokens[userID] = m.maxPerMin
		m.windowStart[userID] = now
	}

	if m.userTokens[userID] > 0 {
		m.userTokens[userID]--
		return true, nil
	}

	return false, nil
}
