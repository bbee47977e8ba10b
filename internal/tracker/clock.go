package tracker

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock drives deferred refreshes and the polling fallback; tests inject a
// manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
