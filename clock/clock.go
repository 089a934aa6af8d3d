// Package clock supplies an injectable time source and the fixed-window
// arithmetic shared by the rate limiter and the insights rollups.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// WindowEnd returns the exclusive end of a window opened at start.
func WindowEnd(start time.Time, window time.Duration) time.Time {
	return start.Add(window)
}

// InWindow reports whether t falls in [start, start+window). A timestamp
// exactly on the boundary belongs to the next window.
func InWindow(t, start time.Time, window time.Duration) bool {
	return !t.Before(start) && t.Before(start.Add(window))
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Days lists every UTC day in [from, to], oldest first.
func Days(from, to time.Time) []time.Time {
	start, end := Day(from), Day(to)
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}
