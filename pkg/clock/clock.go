// Package clock abstracts wall-clock access so time-driven state can be
// recomputed deterministically in tests.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock in UTC.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// Fixed always returns the same instant.
type Fixed struct {
	T time.Time
}

// Now returns the fixed instant.
func (f Fixed) Now() time.Time { return f.T }

// At returns a Fixed clock set to t.
func At(t time.Time) Fixed { return Fixed{T: t} }
