package types

import "time"

// Clock abstracts time for testability. One scheduling pass reads "now"
// exactly once and threads it through all date comparisons.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
