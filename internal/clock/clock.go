// Package clock abstracts the time source so that delivery deadlines and
// deferred retries can be driven deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a handle to a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call from happening. Returns false if it already
// fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}
