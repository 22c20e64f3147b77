package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/job"
	"cronkeeper/internal/task/engine"
	logx "cronkeeper/pkg/logx"
)

const (
	enqueueWarnThrottle = 5 * time.Second
	stopOnDoneTimeout   = 5 * time.Second
)

// fire is the cron callback for one entry generation.
func (s *Store) fire(key job.Key, tok *fireToken) {
	s.mu.Lock()
	b, ok := s.bindings[key]
	if !ok || b.token != tok || b.state != StateNormal {
		s.mu.Unlock()
		return
	}
	b.prev = s.nowLocked()
	detail := b.detail
	exec := b.exec
	run := b.run
	s.publishLocked(eventbus.JobFired, b)
	s.mu.Unlock()

	if s.exec == nil {
		return
	}
	opt := engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}
	if detail.AllowConcurrent {
		opt.Overlap = engine.OverlapAllow
	}
	err := s.exec.Enqueue(engine.Task{
		Name:    key.String(),
		Timeout: detail.Timeout,
		Opt:     opt,
		State:   run,
		Run:     s.guard(key, tok, exec),
	})
	s.reportEnqueueError(key, err)
}

// guard runs the job body. A panic moves the binding to ERROR (no further
// fires until resumed or rescheduled) and is reported as a permanent error.
func (s *Store) guard(key job.Key, tok *fireToken, exec job.Job) func(ctx context.Context) error {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				pe := &engine.PanicError{Value: r, Stack: string(debug.Stack())}
				s.markError(key, tok, pe)
				err = engine.NoRetry(pe)
			}
		}()
		return exec.Execute(ctx)
	}
}

func (s *Store) markError(key job.Key, tok *fireToken, pe *engine.PanicError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[key]
	if !ok || b.token != tok {
		return
	}
	s.removeEntryLocked(b)
	b.state = StateError
	b.lastErr = pe.Error()
	s.log.Error("job errored; trigger halted until resumed",
		logx.String("job", key.String()),
		logx.Any("panic", pe.Value),
		logx.Stack(pe.Stack),
	)
	s.publishLocked(eventbus.JobErrored, b)
}

func (s *Store) reportEnqueueError(key job.Key, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("fire skipped: previous run in flight", logx.String("job", key.String()))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[key]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[key] = now
	s.enqMu.Unlock()

	s.log.Warn("fire dropped: enqueue failed", logx.String("job", key.String()), logx.Err(err))
}

// cronLogger routes robfig/cron diagnostics into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
