package cronexpr

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Seconds-first expressions follow Quartz day rules: day of week counts
// 1 = SUN through 7 = SAT, and the day fields accept L, W and # modifiers.
// robfig only understands plain sets, so modifiers become a dayRule that
// filters the days robfig proposes.

// dayRule reports whether t (in the schedule's zone) is an allowed day.
type dayRule func(t time.Time) bool

// maxDaySkips bounds the search for a day accepted by a rule.
const maxDaySkips = 5 * 366

var weekdayNames = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday, "WED": time.Wednesday,
	"THU": time.Thursday, "FRI": time.Friday, "SAT": time.Saturday,
}

// quartzFields rewrites the six seconds-first fields for the robfig parser
// and extracts a day modifier if one is present.
func quartzFields(fields []string) ([]string, dayRule, error) {
	out := slices.Clone(fields)
	dom, dow := fields[3], fields[5]
	if strings.EqualFold(dow, "L") {
		dow = "7"
	}

	domR, err := domRule(dom)
	if err != nil {
		return nil, nil, err
	}
	dowR, err := dowRule(dow)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case domR != nil && dowR != nil:
		return nil, nil, errors.New("day-of-month and day-of-week modifiers cannot be combined")
	case domR != nil:
		if !isAnyDay(dow) {
			return nil, nil, fmt.Errorf("day-of-week must be ? when day-of-month is %q", dom)
		}
		out[3], out[5] = "*", "?"
		return out, domR, nil
	case dowR != nil:
		if !isAnyDay(dom) {
			return nil, nil, fmt.Errorf("day-of-month must be ? when day-of-week is %q", dow)
		}
		out[3], out[5] = "?", "*"
		return out, dowR, nil
	}

	shifted, err := shiftDowField(dow)
	if err != nil {
		return nil, nil, err
	}
	out[5] = shifted
	return out, nil, nil
}

func isAnyDay(f string) bool { return f == "?" || f == "*" }

// shiftDowField maps numeric values 1-7 to robfig's 0-6 in lists, ranges
// and steps. Names are left for the parser.
func shiftDowField(field string) (string, error) {
	parts := strings.Split(field, ",")
	for i, part := range parts {
		rng, step, hasStep := strings.Cut(part, "/")
		if !isAnyDay(rng) {
			lo, hi, isRange := strings.Cut(rng, "-")
			l, err := shiftDow(lo)
			if err != nil {
				return "", err
			}
			rng = l
			if isRange {
				h, err := shiftDow(hi)
				if err != nil {
					return "", err
				}
				rng += "-" + h
			}
		}
		if hasStep {
			rng += "/" + step
		}
		parts[i] = rng
	}
	return strings.Join(parts, ","), nil
}

func shiftDow(v string) (string, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return v, nil
	}
	if n < 1 || n > 7 {
		return "", fmt.Errorf("day-of-week %d out of range 1-7 (1 = SUN)", n)
	}
	return strconv.Itoa(n - 1), nil
}

func parseWeekday(v string) (time.Weekday, error) {
	if wd, ok := weekdayNames[v]; ok {
		return wd, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 7 {
		return 0, fmt.Errorf("bad day-of-week %q", v)
	}
	return time.Weekday(n - 1), nil
}

// domRule handles L, L-n, nW and LW. A nil rule means a plain field.
func domRule(field string) (dayRule, error) {
	f := strings.ToUpper(field)
	switch {
	case f == "L":
		return func(t time.Time) bool { return t.Day() == lastDay(t) }, nil
	case f == "LW":
		return func(t time.Time) bool { return t.Day() == lastWeekday(t) }, nil
	case strings.HasPrefix(f, "L-"):
		n, err := strconv.Atoi(f[2:])
		if err != nil || n < 1 || n > 30 {
			return nil, fmt.Errorf("bad day-of-month offset %q", field)
		}
		return func(t time.Time) bool { return t.Day() == lastDay(t)-n }, nil
	case strings.HasSuffix(f, "W"):
		n, err := strconv.Atoi(strings.TrimSuffix(f, "W"))
		if err != nil || n < 1 || n > 31 {
			return nil, fmt.Errorf("bad nearest-weekday day %q", field)
		}
		return func(t time.Time) bool { return t.Day() == nearestWeekday(t, n) }, nil
	case strings.ContainsAny(f, "LW"):
		return nil, fmt.Errorf("unsupported day-of-month modifier %q", field)
	}
	return nil, nil
}

// dowRule handles nL (last n-day of the month) and n#k (k-th n-day).
func dowRule(field string) (dayRule, error) {
	f := strings.ToUpper(field)
	if w, k, ok := strings.Cut(f, "#"); ok {
		wd, err := parseWeekday(w)
		if err != nil {
			return nil, err
		}
		nth, err := strconv.Atoi(k)
		if err != nil || nth < 1 || nth > 5 {
			return nil, fmt.Errorf("bad day-of-week occurrence %q", field)
		}
		return func(t time.Time) bool {
			return t.Weekday() == wd && (t.Day()-1)/7+1 == nth
		}, nil
	}
	if strings.HasSuffix(f, "L") {
		wd, err := parseWeekday(strings.TrimSuffix(f, "L"))
		if err != nil {
			return nil, err
		}
		return func(t time.Time) bool {
			return t.Weekday() == wd && t.Day()+7 > lastDay(t)
		}, nil
	}
	if strings.Contains(f, "L") {
		return nil, fmt.Errorf("unsupported day-of-week modifier %q", field)
	}
	return nil, nil
}

func lastDay(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

func weekdayOf(t time.Time, day int) time.Weekday {
	return time.Date(t.Year(), t.Month(), day, 12, 0, 0, 0, t.Location()).Weekday()
}

func lastWeekday(t time.Time) int {
	d := lastDay(t)
	switch weekdayOf(t, d) {
	case time.Saturday:
		d--
	case time.Sunday:
		d -= 2
	}
	return d
}

// nearestWeekday never crosses into another month.
func nearestWeekday(t time.Time, n int) int {
	last := lastDay(t)
	d := min(n, last)
	switch weekdayOf(t, d) {
	case time.Saturday:
		if d == 1 {
			d = 3
		} else {
			d--
		}
	case time.Sunday:
		if d == last {
			d -= 2
		} else {
			d++
		}
	}
	return d
}
