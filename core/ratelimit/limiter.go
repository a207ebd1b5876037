// Package ratelimit locks out senders that keep issuing unauthorized
// commands, so the bot stops reacting to them for a while.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	maxFailures     = 5
	failureWindow   = 15 * time.Minute
	lockoutDuration = 15 * time.Minute
)

// ErrLockedOut is wrapped by Check while a sender is locked out.
var ErrLockedOut = errors.New("locked out")

type record struct {
	failures []time.Time
	lockedAt time.Time
}

// Limiter tracks denied commands per sender ID and locks out senders that
// exceed the failure threshold within the window.
type Limiter struct {
	mu      sync.Mutex
	records map[int64]*record
	clock   clockwork.Clock
}

// New creates a limiter on the real clock.
func New() *Limiter {
	return NewWithClock(clockwork.NewRealClock())
}

// NewWithClock creates a limiter on the given clock.
func NewWithClock(clock clockwork.Clock) *Limiter {
	return &Limiter{
		records: make(map[int64]*record),
		clock:   clock,
	}
}

// Check returns an error wrapping ErrLockedOut if the sender is currently
// locked out.
func (l *Limiter) Check(senderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.records[senderID]
	if r == nil || r.lockedAt.IsZero() {
		return nil
	}

	elapsed := l.clock.Since(r.lockedAt)
	if elapsed < lockoutDuration {
		remaining := (lockoutDuration - elapsed).Truncate(time.Second)
		return fmt.Errorf("sender %d %w for %s", senderID, ErrLockedOut, remaining)
	}
	delete(l.records, senderID)
	return nil
}

// RecordFailure records a denied command and reports whether it locked the
// sender out.
func (l *Limiter) RecordFailure(senderID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	r := l.records[senderID]
	if r == nil {
		r = &record{}
		l.records[senderID] = r
	}

	cutoff := now.Add(-failureWindow)
	fresh := r.failures[:0]
	for _, t := range r.failures {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	r.failures = append(fresh, now)

	if len(r.failures) >= maxFailures && r.lockedAt.IsZero() {
		r.lockedAt = now
		return true
	}
	return false
}

// Reset clears all failure state for a sender.
func (l *Limiter) Reset(senderID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, senderID)
}
