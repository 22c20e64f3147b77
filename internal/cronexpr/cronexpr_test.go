package cronexpr

import (
	"errors"
	"testing"
	"time"
)

var ref = time.Date(2026, time.March, 10, 10, 15, 0, 0, time.UTC)

func TestCompileNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		want []time.Time
	}{
		{
			expr: "0 0 * * * ?",
			want: []time.Time{
				time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
				time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			},
		},
		{
			expr: "0 30 * * * ?",
			want: []time.Time{
				time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC),
				time.Date(2026, 3, 10, 11, 30, 0, 0, time.UTC),
			},
		},
		{
			expr: "*/20 * * * *",
			want: []time.Time{
				time.Date(2026, 3, 10, 10, 20, 0, 0, time.UTC),
				time.Date(2026, 3, 10, 10, 40, 0, 0, time.UTC),
			},
		},
		{
			expr: "0 0 9 ? * MON-FRI",
			want: []time.Time{
				time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
				time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC),
			},
		},
		{
			expr: "0 0 12 1 1 ? 2028,2030",
			want: []time.Time{
				time.Date(2028, 1, 1, 12, 0, 0, 0, time.UTC),
				time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC),
			},
		},
		{
			expr: "0 0 0 * * ? 2027/10",
			want: []time.Time{
				time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC),
			},
		},
		{
			expr: "@daily",
			want: []time.Time{
				time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC),
				time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
			},
		},
	}

	for _, tt := range tests {
		s, err := Compile(tt.expr)
		if err != nil {
			t.Fatalf("Compile(%q): %v", tt.expr, err)
		}
		got := s.NextN(ref, len(tt.want))
		if len(got) != len(tt.want) {
			t.Fatalf("%q: got %d times, want %d", tt.expr, len(got), len(tt.want))
		}
		for i := range got {
			if !got[i].Equal(tt.want[i]) {
				t.Fatalf("%q[%d]: got %s want %s", tt.expr, i, got[i], tt.want[i])
			}
		}
	}
}

func TestCompileRejects(t *testing.T) {
	t.Parallel()

	bad := []string{
		"",
		"   ",
		"not a cron",
		"0 0 * *",
		"0 0 0 * * ? 2030 extra",
		"0 61 * * * ?",
		"0 0 0 ? * 0",
		"0 0 0 ? * 8",
		"0 0 0 ? * 1-8",
		"0 0 0 L * 2",
		"0 0 0 15W * MON",
		"0 0 0 L * 6L",
		"0 0 0 ? * 6#6",
		"0 0 0 ? * 6#3,2",
		"0 0 0 ? * 9L",
		"0 0 0 32W * ?",
		"0 0 0 L-31 * ?",
		"0 0 0 1L * ?",
		"0 0 L * *",
		"0 0 15W * *",
		"0 0 * * 5L",
		"0 0 * * 6#3",
		"0 0 0 * * ? 1960",
		"0 0 0 * * ? 2030-2020",
		"0 0 0 * * ? */0",
		"@sometimes",
	}
	for _, expr := range bad {
		s, err := Compile(expr)
		if err == nil {
			t.Fatalf("Compile(%q) should fail", expr)
		}
		if s != nil {
			t.Fatalf("Compile(%q) returned a schedule with an error", expr)
		}
		if !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("Compile(%q): error %v does not match ErrInvalidSchedule", expr, err)
		}
		var ise *InvalidScheduleError
		if !errors.As(err, &ise) || ise.Expr != expr {
			t.Fatalf("Compile(%q): expected *InvalidScheduleError carrying expr, got %v", expr, err)
		}
	}
}

func noon(m time.Month, d int) time.Time { return time.Date(2026, m, d, 12, 0, 0, 0, time.UTC) }

func TestCompileQuartzDays(t *testing.T) {
	t.Parallel()

	// ref is Tuesday 2026-03-10.
	tests := []struct {
		expr string
		want []time.Time
	}{
		{"0 0 12 ? * 1", []time.Time{noon(3, 15), noon(3, 22)}},
		{"0 0 12 ? * 7", []time.Time{noon(3, 14), noon(3, 21)}},
		{"0 0 12 ? * L", []time.Time{noon(3, 14), noon(3, 21)}},
		{"0 0 12 ? * 2-6", []time.Time{noon(3, 10), noon(3, 11), noon(3, 12), noon(3, 13), noon(3, 16)}},
		{"0 0 12 ? * 1,7", []time.Time{noon(3, 14), noon(3, 15), noon(3, 21)}},
		{"0 0 12 ? * 1/3", []time.Time{noon(3, 11), noon(3, 14), noon(3, 15), noon(3, 18)}},
		{"0 0 12 ? * SUN", []time.Time{noon(3, 15)}},
		{"0 0 12 L * ?", []time.Time{noon(3, 31), noon(4, 30), noon(5, 31)}},
		{"0 0 12 L-2 * ?", []time.Time{noon(3, 29), noon(4, 28)}},
		{"0 0 12 15W * ?", []time.Time{noon(3, 16), noon(4, 15)}},
		{"0 0 12 1W 8 ?", []time.Time{noon(8, 3), time.Date(2027, 8, 2, 12, 0, 0, 0, time.UTC)}},
		{"0 0 12 LW * ?", []time.Time{noon(3, 31), noon(4, 30), noon(5, 29)}},
		{"0 0 12 ? * 6#3", []time.Time{noon(3, 20), noon(4, 17)}},
		{"0 0 12 ? * MON#1", []time.Time{noon(4, 6), noon(5, 4)}},
		{"0 0 12 ? * 2L", []time.Time{noon(3, 30), noon(4, 27)}},
		{"0 0 12 ? * FRIL", []time.Time{noon(3, 27), noon(4, 24)}},
		{"0 0 12 L 2 ? 2028", []time.Time{time.Date(2028, 2, 29, 12, 0, 0, 0, time.UTC)}},
		// five fields keep Unix numbering
		{"0 12 * * 1", []time.Time{noon(3, 16), noon(3, 23)}},
		{"0 12 * * 0", []time.Time{noon(3, 15)}},
	}
	for _, tt := range tests {
		s, err := Compile(tt.expr)
		if err != nil {
			t.Fatalf("Compile(%q): %v", tt.expr, err)
		}
		got := s.NextN(ref, len(tt.want))
		if len(got) != len(tt.want) {
			t.Fatalf("%q: got %v, want %v", tt.expr, got, tt.want)
		}
		for i := range got {
			if !got[i].Equal(tt.want[i]) {
				t.Fatalf("%q[%d]: got %s (%s) want %s", tt.expr, i, got[i], got[i].Weekday(), tt.want[i])
			}
		}
	}
}

func TestDayRuleNeverMatching(t *testing.T) {
	t.Parallel()

	// February never has a day 30 before its last
	s := MustCompile("0 0 12 L-30 2 ?")
	if !s.Exhausted(ref) {
		t.Fatalf("expected no fire time, got %s", s.Next(ref))
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"0 15 10 ? * *", "*/7 * * * * ?", "0 0 6 1 */2 ? 2026-2030"} {
		a := MustCompile(expr).NextN(ref, 25)
		b := MustCompile(expr).NextN(ref, 25)
		if len(a) != len(b) || len(a) == 0 {
			t.Fatalf("%q: lengths %d vs %d", expr, len(a), len(b))
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				t.Fatalf("%q[%d]: %s != %s", expr, i, a[i], b[i])
			}
		}
	}
}

func TestScheduleExhausted(t *testing.T) {
	t.Parallel()

	s := MustCompile("0 0 0 1 1 ? 2027")
	if s.Exhausted(ref) {
		t.Fatalf("should fire in 2027")
	}
	after := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)
	if !s.Exhausted(after) {
		t.Fatalf("should be exhausted after the only fire")
	}
	if got := s.NextN(after, 3); len(got) != 0 {
		t.Fatalf("expected no fires, got %v", got)
	}
}

func TestCompileTimeZonePrefix(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s := MustCompile("CRON_TZ=Asia/Jakarta 0 0 9 * * ?")
	next := s.Next(ref)
	if h := next.In(loc).Hour(); h != 9 {
		t.Fatalf("expected 09:00 Jakarta, got %s", next.In(loc))
	}
	if s.Expression() != "CRON_TZ=Asia/Jakarta 0 0 9 * * ?" {
		t.Fatalf("Expression=%q", s.Expression())
	}
}
