package app

import (
	"context"
	"fmt"
	"time"

	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/storage"
	"cronkeeper/internal/task/engine"
	"cronkeeper/internal/task/scheduler"
	"cronkeeper/pkg/logx"
)

var runStatusByEvent = map[string]storage.RunStatus{
	eventbus.TaskFinished: storage.RunOK,
	eventbus.TaskFailed:   storage.RunFailed,
	eventbus.TaskSkipped:  storage.RunSkipped,
	eventbus.TaskDropped:  storage.RunDropped,
}

// runRecord converts a terminal executor event into a run record.
func runRecord(e eventbus.Event) (storage.RunRecord, bool) {
	status, ok := runStatusByEvent[e.Type]
	if !ok {
		return storage.RunRecord{}, false
	}
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return storage.RunRecord{}, false
	}
	return storage.RunRecord{
		ID:           ev.ID,
		Job:          ev.Name,
		Started:      ev.Started,
		QueueDelayMS: ev.QueueDelay.Milliseconds(),
		DurationMS:   ev.Duration.Milliseconds(),
		Attempts:     ev.Attempts,
		Status:       status,
		Error:        ev.Error,
	}, true
}

// recordRuns persists run outcomes until ctx ends. Events arrive from a
// non-blocking bus; a slow disk loses records rather than stalling jobs.
func recordRuns(ctx context.Context, events <-chan eventbus.Event, st storage.Store, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			rec, ok := runRecord(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			err := st.AppendRun(wctx, rec)
			cancel()
			if err != nil {
				log.Warn("run record not saved", logx.String("job", rec.Job), logx.Err(err))
			}
		}
	}
}

// Notifier delivers operator alerts, e.g. the telegram adapter.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// forwardAlerts tells operators about jobs that entered the ERROR state.
func forwardAlerts(ctx context.Context, events <-chan eventbus.Event, n Notifier, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			text, ok := alertText(e)
			if !ok {
				continue
			}
			if err := n.Notify(ctx, text); err != nil {
				log.Warn("alert not delivered", logx.Err(err))
			}
		}
	}
}

func alertText(e eventbus.Event) (string, bool) {
	if e.Type != eventbus.JobErrored {
		return "", false
	}
	je, ok := e.Data.(scheduler.JobEvent)
	if !ok {
		return "", false
	}
	text := fmt.Sprintf("job %s entered %s (cron %s)", je.Key, je.State, je.Cron)
	if je.Error != "" {
		text += ": " + je.Error
	}
	return text + "\nuse /resume to re-enable it", true
}
