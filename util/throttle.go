// Package util contains helpers shared by the optimizer and the command line driver.
package util

import (
	"sync"
	"time"
)

// SkipThrottler reports whether at least d has passed since the last report it allowed.
// Calls inside the window are skipped rather than delayed.
type SkipThrottler struct {
	d time.Duration

	mu   sync.Mutex
	last time.Time
}

func NewSkipThrottler(d time.Duration) *SkipThrottler {
	return &SkipThrottler{d: d}
}

// Ok is true for the first call and afterwards once per window.
func (tt *SkipThrottler) Ok() bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	now := time.Now()
	if !tt.last.IsZero() && now.Before(tt.last.Add(tt.d)) {
		return false
	}
	tt.last = now
	return true
}
