package utils

import "time"

// Clock is swapped out in tests that assert on timestamps.
type Clock func() time.Time

func NowUTC() time.Time {
	return time.Now().UTC()
}

// Now returns c() or the wall clock when c is nil. Timestamps are truncated
// to milliseconds so every store round-trips them identically.
func (c Clock) Now() time.Time {
	if c == nil {
		return NowUTC().Truncate(time.Millisecond)
	}
	return c().UTC().Truncate(time.Millisecond)
}
