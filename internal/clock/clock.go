// Package clock provides the daemon's time source plus the relative-time
// grammar used for deliver-at values and session policies. Components take a
// Clock so tests can pin or advance time without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is the minimal time source injected into time-dependent components.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// ToMillis converts a time to the store's epoch-millisecond representation.
func ToMillis(t time.Time) int64 { return t.UnixMilli() }

// FromMillis converts an epoch-millisecond value back to UTC time.
func FromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
