package cronexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	minYear = 1970
	maxYear = 2099
)

type yearSet struct {
	all  bool
	bits [maxYear - minYear + 1]bool
}

func (y *yearSet) has(year int) bool {
	if year < minYear || year > maxYear {
		return false
	}
	return y.all || y.bits[year-minYear]
}

// after returns the smallest allowed year greater than year.
func (y *yearSet) after(year int) (int, bool) {
	for c := max(year+1, minYear); c <= maxYear; c++ {
		if y.has(c) {
			return c, true
		}
	}
	return 0, false
}

func parseYears(field string) (*yearSet, error) {
	ys := &yearSet{}
	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return nil, fmt.Errorf("empty year list element in %q", field)
		}
		if err := ys.addPart(part); err != nil {
			return nil, fmt.Errorf("year field %q: %w", field, err)
		}
	}
	return ys, nil
}

func (y *yearSet) addPart(part string) error {
	rng, stepStr, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return fmt.Errorf("bad step %q", stepStr)
		}
		step = n
	}

	lo, hi := minYear, maxYear
	switch {
	case rng == "*" || rng == "?":
		if !hasStep {
			y.all = true
			return nil
		}
	case strings.Contains(rng, "-"):
		a, b, _ := strings.Cut(rng, "-")
		var err error
		if lo, err = parseYear(a); err != nil {
			return err
		}
		if hi, err = parseYear(b); err != nil {
			return err
		}
		if lo > hi {
			return fmt.Errorf("range %q is reversed", rng)
		}
	default:
		v, err := parseYear(rng)
		if err != nil {
			return err
		}
		lo = v
		if !hasStep {
			hi = v
		}
	}
	for c := lo; c <= hi; c += step {
		y.bits[c-minYear] = true
	}
	return nil
}

func parseYear(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad year %q", s)
	}
	if v < minYear || v > maxYear {
		return 0, errors.New("year out of range " + strconv.Itoa(minYear) + "-" + strconv.Itoa(maxYear) + ": " + s)
	}
	return v, nil
}
