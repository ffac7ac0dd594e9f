package tools

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter caps tool calls, globally and optionally per tool.
type RateLimiter struct {
	global  *rate.Limiter
	mu      sync.RWMutex
	perTool map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing perSecond calls with the given
// burst. A non-positive perSecond means unlimited.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		global:  rate.NewLimiter(limit, burst),
		perTool: make(map[string]*rate.Limiter),
	}
}

// SetToolLimit configures a dedicated limit for one tool.
func (rl *RateLimiter) SetToolLimit(tool string, perSecond float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.perTool[tool] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Allow reports whether a call may proceed now.
func (rl *RateLimiter) Allow(tool string) bool {
	if !rl.global.Allow() {
		return false
	}
	if l := rl.toolLimiter(tool); l != nil {
		return l.Allow()
	}
	return true
}

// Wait blocks until a call may proceed or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, tool string) error {
	if err := rl.global.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if l := rl.toolLimiter(tool); l != nil {
		if err := l.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit for %s: %w", tool, err)
		}
	}
	return nil
}

func (rl *RateLimiter) toolLimiter(tool string) *rate.Limiter {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.perTool[tool]
}
