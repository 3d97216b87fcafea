// Package clock supplies the current time as seconds since the epoch.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time in epoch seconds.
type Clock interface {
	NowAsSecondsSinceEpoch() int64
}

// System reads the wall clock.
type System struct{}

// NowAsSecondsSinceEpoch implements Clock.
func (System) NowAsSecondsSinceEpoch() int64 {
	return time.Now().Unix()
}

// Manual is a settable clock for tests. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual returns a Manual clock set to now.
func NewManual(now int64) *Manual {
	return &Manual{now: now}
}

// NowAsSecondsSinceEpoch implements Clock.
func (m *Manual) NowAsSecondsSinceEpoch() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to now.
func (m *Manual) Set(now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Advance moves the clock forward by d, truncated to whole seconds.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += int64(d / time.Second)
}

// Time converts a Clock reading to a time.Time.
func Time(c Clock) time.Time {
	return time.Unix(c.NowAsSecondsSinceEpoch(), 0)
}
