// Package cronexpr compiles cron expressions into schedules.
//
// Accepted forms:
//   - five fields, minute first: "*/5 * * * *"
//   - six fields, seconds first: "0 30 * * * ?"
//   - seven fields, seconds first with a trailing year: "0 0 12 1 1 ? 2030"
//   - descriptors: "@hourly", "@daily", "@every 90s"
//
// A leading "CRON_TZ=Area/City" (or "TZ=") pins the schedule to a zone.
// Seconds-first expressions use Quartz day rules: day of week 1 = SUN
// through 7 = SAT, plus the L, W and # modifiers. The five-field form keeps
// Unix numbering (0 = SUN) and takes no modifiers.
package cronexpr

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule matches every compile failure via errors.Is.
var ErrInvalidSchedule = errors.New("invalid cron expression")

// InvalidScheduleError carries the rejected expression and the reason.
type InvalidScheduleError struct {
	Expr string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

func (e *InvalidScheduleError) Unwrap() error { return e.Err }

func (e *InvalidScheduleError) Is(target error) bool { return target == ErrInvalidSchedule }

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var reDowModifier = regexp.MustCompile(`^\d*L$`)

// Schedule is a compiled expression. It satisfies cron.Schedule.
type Schedule struct {
	expr  string
	spec  cron.Schedule
	years *yearSet
	day   dayRule
}

// Compile parses expr. It is pure: the same input always yields a schedule
// producing the same fire times.
func Compile(expr string) (*Schedule, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, &InvalidScheduleError{Expr: expr, Err: errors.New("empty expression")}
	}

	prefix, body := splitZone(src)
	if strings.HasPrefix(body, "@") {
		spec, err := parser.Parse(src)
		if err != nil {
			return nil, &InvalidScheduleError{Expr: expr, Err: err}
		}
		return &Schedule{expr: src, spec: spec}, nil
	}

	fields := strings.Fields(body)
	var years *yearSet
	switch len(fields) {
	case 5, 6:
	case 7:
		ys, err := parseYears(fields[6])
		if err != nil {
			return nil, &InvalidScheduleError{Expr: expr, Err: err}
		}
		years = ys
		fields = fields[:6]
	default:
		return nil, &InvalidScheduleError{
			Expr: expr,
			Err:  fmt.Errorf("expected 5, 6 or 7 fields, found %d", len(fields)),
		}
	}
	var day dayRule
	if len(fields) == 6 {
		var err error
		if fields, day, err = quartzFields(fields); err != nil {
			return nil, &InvalidScheduleError{Expr: expr, Err: err}
		}
	} else if err := rejectModifiers(fields); err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Err: err}
	}

	spec, err := parser.Parse(prefix + strings.Join(fields, " "))
	if err != nil {
		return nil, &InvalidScheduleError{Expr: expr, Err: err}
	}
	return &Schedule{expr: src, spec: spec, years: years, day: day}, nil
}

// MustCompile is Compile for expressions known to be valid.
func MustCompile(expr string) *Schedule {
	s, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate reports whether expr compiles.
func Validate(expr string) error {
	_, err := Compile(expr)
	return err
}

func splitZone(s string) (prefix, body string) {
	if !strings.HasPrefix(s, "TZ=") && !strings.HasPrefix(s, "CRON_TZ=") {
		return "", s
	}
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i+1], strings.TrimSpace(s[i+1:])
}

// rejectModifiers guards the five-field form.
func rejectModifiers(fields []string) error {
	dom, dow := 2, 4
	if strings.ContainsAny(strings.ToUpper(fields[dom]), "LW") {
		return fmt.Errorf("day-of-month modifiers L and W are not supported: %q", fields[dom])
	}
	for _, part := range strings.Split(strings.ToUpper(fields[dow]), ",") {
		if strings.Contains(part, "#") || reDowModifier.MatchString(part) {
			return fmt.Errorf("day-of-week modifiers L and # are not supported: %q", fields[dow])
		}
	}
	return nil
}

// Expression returns the normalized (trimmed) source expression.
func (s *Schedule) Expression() string { return s.expr }

func (s *Schedule) String() string { return s.expr }

// Next returns the first fire time strictly after t, or the zero time when
// the schedule never fires again.
func (s *Schedule) Next(t time.Time) time.Time {
	n := s.nextDay(t)
	if s.years == nil {
		return n
	}
	for !n.IsZero() {
		loc := s.location(n)
		y := n.In(loc).Year()
		if s.years.has(y) {
			return n
		}
		ny, ok := s.years.after(y)
		if !ok {
			return time.Time{}
		}
		n = s.nextDay(time.Date(ny, time.January, 1, 0, 0, 0, 0, loc).Add(-time.Second))
	}
	return n
}

// nextDay is spec.Next restricted to days accepted by the day rule.
func (s *Schedule) nextDay(t time.Time) time.Time {
	n := s.spec.Next(t)
	if s.day == nil {
		return n
	}
	for i := 0; i < maxDaySkips && !n.IsZero(); i++ {
		local := n.In(s.location(n))
		if s.day(local) {
			return n
		}
		midnight := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, local.Location())
		n = s.spec.Next(midnight.Add(-time.Second))
	}
	return time.Time{}
}

// NextN lists up to n fire times after from. It stops early when the
// schedule runs out.
func (s *Schedule) NextN(from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	t := from
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}

// Exhausted reports whether no fire time remains after t.
func (s *Schedule) Exhausted(t time.Time) bool { return s.Next(t).IsZero() }

func (s *Schedule) location(n time.Time) *time.Location {
	if ss, ok := s.spec.(*cron.SpecSchedule); ok && ss.Location != nil && ss.Location != time.Local {
		return ss.Location
	}
	return n.Location()
}
