package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cronkeeper/internal/eventbus"
	logx "cronkeeper/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) TaskEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e.Data.(TaskEvent)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	var ran atomic.Bool
	if err := s.Enqueue(Task{Name: "g1.report", Run: func(context.Context) error {
		ran.Store(true)
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ev := waitEvent(t, ch, eventbus.TaskFinished)
	if !ran.Load() || ev.Name != "g1.report" || ev.ID == "" || ev.Attempts != 1 {
		t.Fatalf("unexpected event %+v ran=%v", ev, ran.Load())
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 2})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	var calls atomic.Int32
	_ = s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	ev := waitEvent(t, ch, eventbus.TaskFinished)
	if ev.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", ev.Attempts)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 5})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	_ = s.Enqueue(Task{Name: "perm", Run: func(context.Context) error {
		return NoRetry(errors.New("bad input"))
	}})
	ev := waitEvent(t, ch, eventbus.TaskFailed)
	if ev.Attempts != 1 || ev.Error != "bad input" {
		t.Fatalf("unexpected failure event %+v", ev)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 3})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	_ = s.Enqueue(Task{Name: "explode", Run: func(context.Context) error { panic("boom") }})
	ev := waitEvent(t, ch, eventbus.TaskFailed)
	if ev.Attempts != 1 || ev.Error != "panic: boom" {
		t.Fatalf("unexpected event %+v", ev)
	}

	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }})
	waitEvent(t, ch, eventbus.TaskFinished)
}

func TestTimeoutCancelsContext(t *testing.T) {
	t.Parallel()

	s, bus := startEngine(t, Config{Workers: 1})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	_ = s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return NoRetry(ctx.Err())
	}})
	ev := waitEvent(t, ch, eventbus.TaskFailed)
	if ev.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("expected deadline error, got %q", ev.Error)
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()

	s, _ := startEngine(t, Config{Workers: 2})
	st := &RunState{}
	release := make(chan struct{})
	started := make(chan struct{})

	task := Task{Name: "single", State: st, Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	<-started
	if !st.Busy() {
		t.Fatalf("run state should be busy while executing")
	}
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("expected ErrOverlapSkip, got %v", err)
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for st.Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("run state never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatalf("expected error for nil Run")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{}.withDefaults(Config{})
	opt.RetryJitter = 0.0001
	for retry := 1; retry <= 10; retry++ {
		d := backoffDelay(opt, retry, nil)
		if d <= 0 || d > opt.RetryMaxDelay {
			t.Fatalf("retry %d: delay %s out of bounds", retry, d)
		}
	}
	hinted := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("429"), time.Hour), nil)
	if hinted != opt.RetryMaxDelay {
		t.Fatalf("hint should be capped at %s, got %s", opt.RetryMaxDelay, hinted)
	}
}
