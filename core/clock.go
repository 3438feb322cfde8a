package core

import "time"

// Clock abstracts time so the scheduler and the risk day-roll can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FakeClock is a hand-advanced clock for tests.
type FakeClock struct {
	t time.Time
}

// NewFakeClock starts a fake clock at t.
func NewFakeClock(t time.Time) *FakeClock { return &FakeClock{t: t} }

func (f *FakeClock) Now() time.Time { return f.t }

// Advance moves the clock forward.
func (f *FakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

// Set jumps the clock to t.
func (f *FakeClock) Set(t time.Time) { f.t = t }
