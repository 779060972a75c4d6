// Package clock provides the time source capability consumed by the
// storage and piece packages, so tests can inject a fake clock instead
// of depending on wall-clock time.Now and its NTP-slew nondeterminism
// (the open question in §9 is resolved here: components read timestamps
// only through this interface, never from time.Now directly).
package clock

import "time"

// Clock returns the current time. Implementations need not be
// monotonic with respect to wall-clock adjustments; callers that care
// about elapsed durations should store a time.Time and use Sub, which
// is monotonic-safe per the time package's own guarantee for values
// obtained from the same Clock.
type Clock interface {
	Now() time.Time
}

// System is a Clock backed by time.Now.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// Fake is a Clock with a settable current time, for deterministic tests.
type Fake struct {
	t time.Time
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake { return &Fake{t: t} }

// Now implements Clock.
func (f *Fake) Now() time.Time { return f.t }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.t = f.t.Add(d) }

// Set moves the fake clock to t.
func (f *Fake) Set(t time.Time) { f.t = t }
