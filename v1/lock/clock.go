package lock

import "time"

// Clock is the time source used for deadline arithmetic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now. The values carry a monotonic reading, so
// durations computed with Sub are immune to wall clock changes.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }
