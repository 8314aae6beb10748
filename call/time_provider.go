package call

import "time"

// TimeProvider abstracts the clock and timer scheduling so that timeout
// and backoff behaviour can be driven deterministically in tests.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules f to run in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled function.
type Timer interface {
	// Stop cancels the timer. It reports whether the cancellation
	// prevented the function from running.
	Stop() bool
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f using the standard library timer.
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
