package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cronkeeper/internal/cronexpr"
	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/job"
	"cronkeeper/internal/task/engine"
	logx "cronkeeper/pkg/logx"
)

type syncExec struct {
	mu    sync.Mutex
	tasks []engine.Task
	errs  []error
}

func (e *syncExec) Enqueue(t engine.Task) error {
	err := t.Run(context.Background())
	e.mu.Lock()
	e.tasks = append(e.tasks, t)
	e.errs = append(e.errs, err)
	e.mu.Unlock()
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newTestStore(t *testing.T, exec Executor) (*Store, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC)}
	s := New(Config{Timezone: "UTC"}, exec, logx.Nop(), eventbus.New(), WithClock(clk.Now))
	return s, clk
}

func noop() job.Job { return job.Func(func(context.Context) error { return nil }) }

func detail(name, group string) JobDetail {
	return JobDetail{Key: job.NewKey(name, group), ExecutableID: "Noop"}
}

func TestScheduleAndQuery(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, nil)
	key := job.NewKey("report", "g1")

	next, err := s.ScheduleJob(detail("report", "g1"), noop(), cronexpr.MustCompile("0 0 * * * ?"))
	if err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if want := time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next=%s want %s", next, want)
	}

	tr, ok := s.GetTrigger(key)
	if !ok || tr.Expression != "0 0 * * * ?" || tr.State != StateNormal || !tr.Next.Equal(next) {
		t.Fatalf("unexpected trigger %+v ok=%v", tr, ok)
	}
	if d, ok := s.GetJobDetail(key); !ok || d.ExecutableID != "Noop" {
		t.Fatalf("unexpected detail %+v ok=%v", d, ok)
	}
	if st := s.GetTriggerState(job.NewKey("missing", "g1")); st != StateNone {
		t.Fatalf("missing key state=%s", st)
	}

	_, err = s.ScheduleJob(detail("report", "g1"), noop(), cronexpr.MustCompile("0 5 * * * ?"))
	if !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}
	if tr, _ := s.GetTrigger(key); tr.Expression != "0 0 * * * ?" {
		t.Fatalf("duplicate schedule modified existing trigger: %s", tr.Expression)
	}
}

func TestScheduleRejects(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, nil)
	sched := cronexpr.MustCompile("0 0 * * * ?")

	if _, err := s.ScheduleJob(detail("", "g"), noop(), sched); !errors.Is(err, job.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := s.ScheduleJob(detail("a", "g"), nil, sched); !errors.Is(err, ErrNilJob) {
		t.Fatalf("expected ErrNilJob, got %v", err)
	}
	if _, err := s.ScheduleJob(detail("a", "g"), noop(), nil); !errors.Is(err, ErrNilTrigger) {
		t.Fatalf("expected ErrNilTrigger, got %v", err)
	}
	past := cronexpr.MustCompile("0 0 0 1 1 ? 2020")
	if _, err := s.ScheduleJob(detail("a", "g"), noop(), past); !errors.Is(err, ErrNeverFires) {
		t.Fatalf("expected ErrNeverFires, got %v", err)
	}
	if keys := s.JobKeys(""); len(keys) != 0 {
		t.Fatalf("rejected jobs must not be stored: %v", keys)
	}
}

func TestRescheduleSwapsTrigger(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, nil)
	key := job.NewKey("report", "g1")
	if _, err := s.ScheduleJob(detail("report", "g1"), noop(), cronexpr.MustCompile("0 0 * * * ?")); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	oldEntry := s.bindings[key].entryID

	next, err := s.RescheduleJob(key, cronexpr.MustCompile("0 30 * * * ?"))
	if err != nil || next.IsZero() {
		t.Fatalf("RescheduleJob: next=%s err=%v", next, err)
	}
	b := s.bindings[key]
	if b.entryID == 0 || b.entryID == oldEntry {
		t.Fatalf("expected a fresh cron entry, old=%d new=%d", oldEntry, b.entryID)
	}
	if n := len(s.c.Entries()); n != 1 {
		t.Fatalf("expected exactly one cron entry after swap, got %d", n)
	}
	if tr, _ := s.GetTrigger(key); tr.Expression != "0 30 * * * ?" {
		t.Fatalf("expression not updated: %s", tr.Expression)
	}

	if _, err := s.RescheduleJob(job.NewKey("nope", "g1"), cronexpr.MustCompile("@daily")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	next, err = s.RescheduleJob(key, cronexpr.MustCompile("0 0 0 1 1 ? 2020"))
	if !errors.Is(err, ErrNeverFires) || !next.IsZero() {
		t.Fatalf("never-firing reschedule should fail with ErrNeverFires: next=%s err=%v", next, err)
	}
	if n := len(s.c.Entries()); n != 1 {
		t.Fatalf("rejected reschedule changed cron entries: %d", n)
	}
	if tr, _ := s.GetTrigger(key); tr.Expression != "0 30 * * * ?" {
		t.Fatalf("never-firing reschedule replaced trigger: %s", tr.Expression)
	}
}

func TestPauseResumeDelete(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, nil)
	a, b := job.NewKey("a", "g1"), job.NewKey("b", "g2")
	for _, d := range []JobDetail{detail("a", "g1"), detail("b", "g2")} {
		if _, err := s.ScheduleJob(d, noop(), cronexpr.MustCompile("@hourly")); err != nil {
			t.Fatalf("ScheduleJob: %v", err)
		}
	}

	if !s.PauseJob(a) || s.GetTriggerState(a) != StatePaused {
		t.Fatalf("pause failed: %s", s.GetTriggerState(a))
	}
	if tr, _ := s.GetTrigger(a); !tr.Next.IsZero() {
		t.Fatalf("paused trigger should have no next fire, got %s", tr.Next)
	}
	if s.PauseJob(job.NewKey("x", "g1")) {
		t.Fatalf("pause of missing key should report false")
	}

	if _, err := s.RescheduleJob(a, cronexpr.MustCompile("@daily")); err != nil {
		t.Fatalf("reschedule paused: %v", err)
	}
	if st := s.GetTriggerState(a); st != StatePaused {
		t.Fatalf("reschedule should keep paused state, got %s", st)
	}

	if !s.ResumeJob(a) || s.GetTriggerState(a) != StateNormal {
		t.Fatalf("resume failed: %s", s.GetTriggerState(a))
	}

	if n := s.PauseAll(); n != 2 {
		t.Fatalf("PauseAll changed %d, want 2", n)
	}
	if n := s.PauseAll(); n != 0 {
		t.Fatalf("second PauseAll changed %d, want 0", n)
	}
	if n := s.ResumeAll(); n != 2 {
		t.Fatalf("ResumeAll changed %d, want 2", n)
	}
	if n := s.ResumeAll(); n != 0 {
		t.Fatalf("second ResumeAll changed %d, want 0", n)
	}

	if got := s.JobKeys("g2"); len(got) != 1 || got[0] != b {
		t.Fatalf("JobKeys(g2)=%v", got)
	}
	if !s.DeleteJob(a) || s.DeleteJob(a) {
		t.Fatalf("delete should succeed once")
	}
	if _, ok := s.GetTrigger(a); ok {
		t.Fatalf("deleted key still has a trigger")
	}
	if n := len(s.c.Entries()); n != 1 {
		t.Fatalf("expected 1 cron entry left, got %d", n)
	}
}

func TestCompleteState(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t, nil)
	key := job.NewKey("newyear", "g")
	if _, err := s.ScheduleJob(detail("newyear", "g"), noop(), cronexpr.MustCompile("0 0 0 1 1 ? 2027")); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	if st := s.GetTriggerState(key); st != StateNormal {
		t.Fatalf("state=%s want NORMAL", st)
	}
	clk.Set(time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC))
	if st := s.GetTriggerState(key); st != StateComplete {
		t.Fatalf("state=%s want COMPLETE", st)
	}
}

func TestFireRunsJobAndIgnoresStaleEntries(t *testing.T) {
	t.Parallel()

	exec := &syncExec{}
	s, _ := newTestStore(t, exec)
	key := job.NewKey("report", "g1")

	var runs int
	j := job.Func(func(context.Context) error { runs++; return nil })
	if _, err := s.ScheduleJob(detail("report", "g1"), j, cronexpr.MustCompile("@hourly")); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	oldTok := s.bindings[key].token

	s.fire(key, oldTok)
	if runs != 1 || len(exec.tasks) != 1 || exec.tasks[0].Name != "g1.report" {
		t.Fatalf("fire did not enqueue: runs=%d tasks=%d", runs, len(exec.tasks))
	}
	if exec.tasks[0].Opt.Overlap != engine.OverlapSkipIfRunning {
		t.Fatalf("non-concurrent job should skip overlaps")
	}
	if tr, _ := s.GetTrigger(key); tr.Prev.IsZero() {
		t.Fatalf("prev fire time not recorded")
	}

	if _, err := s.RescheduleJob(key, cronexpr.MustCompile("@daily")); err != nil {
		t.Fatalf("RescheduleJob: %v", err)
	}
	s.fire(key, oldTok)
	if runs != 1 {
		t.Fatalf("fire from replaced entry must be ignored")
	}

	s.PauseJob(key)
	s.fire(key, s.bindings[key].token)
	if runs != 1 {
		t.Fatalf("paused binding must not run")
	}
}

func TestPanicMovesToError(t *testing.T) {
	t.Parallel()

	exec := &syncExec{}
	s, _ := newTestStore(t, exec)
	key := job.NewKey("explode", "g")
	j := job.Func(func(context.Context) error { panic("boom") })
	if _, err := s.ScheduleJob(detail("explode", "g"), j, cronexpr.MustCompile("@hourly")); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}

	s.fire(key, s.bindings[key].token)
	if st := s.GetTriggerState(key); st != StateError {
		t.Fatalf("state=%s want ERROR", st)
	}
	var pe *engine.PanicError
	if !errors.As(exec.errs[0], &pe) || !engine.IsNoRetry(exec.errs[0]) {
		t.Fatalf("expected no-retry panic error, got %v", exec.errs[0])
	}
	if n := len(s.c.Entries()); n != 0 {
		t.Fatalf("errored binding should have no cron entry, got %d", n)
	}

	if !s.ResumeJob(key) || s.GetTriggerState(key) != StateNormal {
		t.Fatalf("resume from ERROR failed: %s", s.GetTriggerState(key))
	}
}

func TestBlockedWhileRunning(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer eng.Stop(context.Background())

	s, _ := newTestStore(t, eng)
	key := job.NewKey("slow", "g")
	started := make(chan struct{})
	release := make(chan struct{})
	j := job.Func(func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	if _, err := s.ScheduleJob(detail("slow", "g"), j, cronexpr.MustCompile("@hourly")); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}

	s.fire(key, s.bindings[key].token)
	<-started
	if st := s.GetTriggerState(key); st != StateBlocked {
		t.Fatalf("state=%s want BLOCKED", st)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for s.GetTriggerState(key) != StateNormal {
		if time.Now().After(deadline) {
			t.Fatalf("binding never returned to NORMAL")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnerFiresRegisteredJob(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 4)
	exec := &syncExec{}
	s := New(Config{}, exec, logx.Nop(), nil)
	j := job.Func(func(context.Context) error {
		fired <- struct{}{}
		return nil
	})
	if _, err := s.ScheduleJob(detail("tick", "g"), j, cronexpr.MustCompile("* * * * * ?")); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not fire")
	}
}

func TestApplyTimezoneKeepsBindings(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, nil)
	key := job.NewKey("a", "g")
	if _, err := s.ScheduleJob(detail("a", "g"), noop(), cronexpr.MustCompile("@hourly")); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	s.PauseJob(job.NewKey("a", "g"))
	if _, err := s.ScheduleJob(detail("b", "g"), noop(), cronexpr.MustCompile("@hourly")); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}

	s.Apply(Config{Timezone: "Asia/Jakarta"})
	if n := len(s.c.Entries()); n != 1 {
		t.Fatalf("only the active binding should be re-registered, got %d", n)
	}
	if st := s.GetTriggerState(key); st != StatePaused {
		t.Fatalf("paused binding changed state: %s", st)
	}
}

func TestStartStopsWhenContextDone(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	if !s.Snapshot().Running {
		t.Fatalf("store not running after Start")
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Running {
		if time.Now().After(deadline) {
			t.Fatalf("store still running after ctx was cancelled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A restart under a live ctx is not undone by the earlier cancellation.
	s.Start(context.Background())
	defer s.Stop(context.Background())
	time.Sleep(20 * time.Millisecond)
	if !s.Snapshot().Running {
		t.Fatalf("restarted store stopped on a stale ctx")
	}
}

func TestDeleteJobForgetsEnqueueWarning(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, nil)
	key := job.NewKey("a", "g")
	if _, err := s.ScheduleJob(detail("a", "g"), noop(), cronexpr.MustCompile("@hourly")); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}
	s.reportEnqueueError(key, engine.ErrOverlapSkip)
	if _, ok := s.lastEnqWarn[key]; ok {
		t.Fatalf("overlap skip should not be throttled")
	}
	s.reportEnqueueError(key, errors.New("queue full"))
	if _, ok := s.lastEnqWarn[key]; !ok {
		t.Fatalf("enqueue failure not recorded")
	}

	if !s.DeleteJob(key) {
		t.Fatalf("DeleteJob reported missing key")
	}
	if n := len(s.lastEnqWarn); n != 0 {
		t.Fatalf("lastEnqWarn keeps %d entries after delete", n)
	}
}
