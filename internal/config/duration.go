package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config durations are Go duration strings ("750ms", "2m", "720h"). Empty
// or zero means the component default; negative values are invalid.

const durationTag = "duration"

func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// isDuration backs the `duration` struct tag.
func isDuration(fl validator.FieldLevel) bool {
	_, err := parseDuration(fl.Field().String())
	return err == nil
}

// DurationOr parses a validated duration field, returning def when it is
// empty or zero. field names the config path in errors.
func DurationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
