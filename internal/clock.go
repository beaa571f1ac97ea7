package internal

import "time"

// Clock is the subset of github.com/benbjohnson/clock used by packages that sleep or measure time, so that tests can
// swap in a mock clock.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
}
