// Package auth provides password hashing, account lockout, CSRF protection
// and provisioning of users and clients.
package auth

import (
	"sync"
	"time"

	"github.com/tendant/simple-authz/internal/clock"
)

// Lockout tracks failed prompt attempts per email and locks the account
// for a fixed duration once the threshold is reached.
type Lockout struct {
	maxAttempts int
	duration    int64
	clock       clock.Clock

	mu       sync.Mutex
	attempts map[string]*lockoutEntry
}

type lockoutEntry struct {
	count    int
	lockedAt int64 // 0 when not locked
}

// LockoutOption configures a Lockout.
type LockoutOption func(*Lockout)

// WithLockoutClock sets the clock used for lock expiry.
func WithLockoutClock(clk clock.Clock) LockoutOption {
	return func(l *Lockout) {
		l.clock = clk
	}
}

// NewLockout creates a Lockout. A maxAttempts of 0 disables it.
func NewLockout(maxAttempts int, duration time.Duration, opts ...LockoutOption) *Lockout {
	l := &Lockout{
		maxAttempts: maxAttempts,
		duration:    int64(duration / time.Second),
		clock:       clock.System{},
		attempts:    make(map[string]*lockoutEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Lockout) enabled() bool {
	return l != nil && l.maxAttempts > 0
}

// expired reports whether entry's lock has run out. Caller holds mu.
func (l *Lockout) expired(entry *lockoutEntry, now int64) bool {
	return entry.lockedAt != 0 && now-entry.lockedAt >= l.duration
}

// IsLocked reports whether email is currently locked.
func (l *Lockout) IsLocked(email string) bool {
	if !l.enabled() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.attempts[email]
	if !ok || entry.lockedAt == 0 {
		return false
	}
	return !l.expired(entry, l.clock.NowAsSecondsSinceEpoch())
}

// RecordFailure counts a failed attempt and reports whether it locked the account.
func (l *Lockout) RecordFailure(email string) bool {
	if !l.enabled() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.NowAsSecondsSinceEpoch()
	entry, ok := l.attempts[email]
	if !ok {
		entry = &lockoutEntry{}
		l.attempts[email] = entry
	}
	if l.expired(entry, now) {
		*entry = lockoutEntry{}
	}

	entry.count++
	if entry.count >= l.maxAttempts {
		entry.lockedAt = now
		return true
	}
	return false
}

// RecordSuccess clears the failure count for email.
func (l *Lockout) RecordSuccess(email string) {
	if !l.enabled() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, email)
}

// RemainingAttempts returns how many failures are left before a lock,
// or -1 when lockout is disabled.
func (l *Lockout) RemainingAttempts(email string) int {
	if !l.enabled() {
		return -1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.attempts[email]
	if !ok || l.expired(entry, l.clock.NowAsSecondsSinceEpoch()) {
		return l.maxAttempts
	}
	return max(l.maxAttempts-entry.count, 0)
}

// LockRemaining returns the time until email is unlocked, or 0.
func (l *Lockout) LockRemaining(email string) time.Duration {
	if !l.enabled() {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.attempts[email]
	if !ok || entry.lockedAt == 0 {
		return 0
	}
	left := entry.lockedAt + l.duration - l.clock.NowAsSecondsSinceEpoch()
	if left <= 0 {
		return 0
	}
	return time.Duration(left) * time.Second
}
