// Package clock provides a deterministic time source for the Sentinel.
//
// GUARDRAIL: dispatcher and store code MUST NOT call time.Now() directly.
// Inject a Clock instead, so job deadlines and approval TTLs are testable
// without sleeping.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual system time. Use only at process entrypoints.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time { return time.Now() }

// FixedClock always returns a fixed time. Use for deterministic tests.
type FixedClock struct {
	T time.Time
}

// Now returns the fixed time.
func (c FixedClock) Now() time.Time { return c.T }

// FuncClock wraps a function as a Clock.
type FuncClock func() time.Time

// Now calls the wrapped function.
func (f FuncClock) Now() time.Time { return f() }

// NewReal returns a Clock backed by the real system time.
func NewReal() Clock { return RealClock{} }

// NewFixed returns a Clock that always returns t.
func NewFixed(t time.Time) Clock { return FixedClock{T: t} }
