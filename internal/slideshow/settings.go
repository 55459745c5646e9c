package slideshow

import (
	"fmt"
	"time"
)

// DelayUnit is the suffix stored next to the delay value.
type DelayUnit string

const (
	UnitSeconds DelayUnit = "s"
	UnitTicks   DelayUnit = "ms" // raw ticks, one per millisecond
)

const (
	DefaultDelay     = 10.0
	DefaultDelayUnit = UnitSeconds

	minInterval = time.Millisecond
)

// Settings is the complete slideshow configuration. It is passed whole to
// New and Configure; there is no other source for any of these values.
type Settings struct {
	Delay      float64
	DelayUnit  DelayUnit
	Loop       bool
	Random     bool
	FullScreen bool // start in full screen; only persisted, the engine ignores it
	StopAtEnd  bool
}

// DefaultSettings returns the settings used when nothing is stored.
func DefaultSettings() Settings {
	return Settings{
		Delay:     DefaultDelay,
		DelayUnit: DefaultDelayUnit,
	}
}

// ParseDelayUnit validates a stored or user supplied suffix.
func ParseDelayUnit(s string) (DelayUnit, error) {
	switch DelayUnit(s) {
	case UnitSeconds, "":
		return UnitSeconds, nil
	case UnitTicks:
		return UnitTicks, nil
	default:
		return "", fmt.Errorf("unknown delay unit %q (want %q or %q)", s, UnitSeconds, UnitTicks)
	}
}

// Interval converts Delay and DelayUnit into a timer interval.
// Non-positive delays fall back to the default delay.
func (s Settings) Interval() time.Duration {
	delay := s.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	var d time.Duration
	switch s.DelayUnit {
	case UnitTicks:
		d = time.Duration(delay * float64(time.Millisecond))
	default:
		d = time.Duration(delay * float64(time.Second))
	}
	if d < minInterval {
		d = minInterval
	}
	return d
}
