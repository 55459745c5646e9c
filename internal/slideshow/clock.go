package slideshow

import "time"

// Timer is a one-shot timer armed by a Clock.
type Timer interface {
	Stop() bool
}

// Clock arms one-shot timers. The callback runs on a goroutine owned by the clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the wall clock.
type SystemClock struct{}

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
