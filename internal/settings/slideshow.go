package settings

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"gvslide/internal/slideshow"
)

// Keys of the slideshow settings group.
const (
	KeyDelay       = "delay"
	KeyDelaySuffix = "delay_suffix"
	KeyLoop        = "loop"
	KeyRandom      = "random"
	KeyFullScreen  = "fullscreen"
	KeyStopAtEnd   = "stop_at_end"
)

// Keys lists the slideshow keys in a stable order.
func Keys() []string {
	keys := []string{KeyDelay, KeyDelaySuffix, KeyLoop, KeyRandom, KeyFullScreen, KeyStopAtEnd}
	sort.Strings(keys)
	return keys
}

// ReadSlideshow loads the slideshow settings of group. Missing keys take
// their defaults; malformed values are logged and also take their defaults.
func (s *Store) ReadSlideshow(group string) (slideshow.Settings, error) {
	values, err := s.All(group)
	if err != nil {
		return slideshow.Settings{}, err
	}
	out := slideshow.DefaultSettings()
	for key, raw := range values {
		if err := Apply(&out, key, raw); err != nil {
			s.logMessage("ignoring %s/%s: %v", group, key, err)
		}
	}
	return out, nil
}

// WriteSlideshow stores every slideshow key of settings in group.
func (s *Store) WriteSlideshow(group string, settings slideshow.Settings) error {
	return s.SetAll(group, Encode(settings))
}

// Encode renders settings as the persisted key/value pairs.
func Encode(settings slideshow.Settings) map[string]string {
	return map[string]string{
		KeyDelay:       strconv.FormatFloat(settings.Delay, 'f', -1, 64),
		KeyDelaySuffix: string(settings.DelayUnit),
		KeyLoop:        strconv.FormatBool(settings.Loop),
		KeyRandom:      strconv.FormatBool(settings.Random),
		KeyFullScreen:  strconv.FormatBool(settings.FullScreen),
		KeyStopAtEnd:   strconv.FormatBool(settings.StopAtEnd),
	}
}

// ErrUnknownKey is returned by Apply for keys outside the slideshow group.
var ErrUnknownKey = errors.New("unknown slideshow setting")

// Apply parses raw and assigns it to the field named by key.
func Apply(settings *slideshow.Settings, key, raw string) error {
	switch key {
	case KeyDelay:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid delay %q: %w", raw, err)
		}
		if v <= 0 {
			return fmt.Errorf("delay must be positive, got %v", v)
		}
		settings.Delay = v
	case KeyDelaySuffix:
		u, err := slideshow.ParseDelayUnit(raw)
		if err != nil {
			return err
		}
		settings.DelayUnit = u
	case KeyLoop, KeyRandom, KeyFullScreen, KeyStopAtEnd:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q for %s: %w", raw, key, err)
		}
		switch key {
		case KeyLoop:
			settings.Loop = v
		case KeyRandom:
			settings.Random = v
		case KeyFullScreen:
			settings.FullScreen = v
		case KeyStopAtEnd:
			settings.StopAtEnd = v
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}
