package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cronkeeper/internal/config"
	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/job"
	"cronkeeper/internal/manager"
	"cronkeeper/internal/storage"
	"cronkeeper/internal/task/engine"
	"cronkeeper/internal/task/scheduler"
	"cronkeeper/pkg/logx"
)

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	reg, err := NewRegistry(logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	now := func() time.Time { return time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC) }
	st := scheduler.New(scheduler.Config{Timezone: "UTC"}, nil, logx.Nop(), nil, scheduler.WithClock(now))
	return manager.New(st, reg, manager.WithClock(now))
}

func TestReconcilerLifecycle(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)
	r := newReconciler(mgr, logx.Nop())

	v1 := []config.JobConfig{
		{Name: "beat", Cron: "0 * * * * *", Executable: "heartbeat"},
		{Name: "backup", Group: "ops", Cron: "0 0 2 * * *", Executable: "shell", Data: map[string]string{"command": "true"}, Paused: true},
		{Name: "broken", Cron: "@hourly", Executable: "shell"},
	}
	err := r.Apply(v1)
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("want failure for job without command, got %v", err)
	}
	if info, _ := mgr.Info("backup", "ops"); info.State != scheduler.StatePaused {
		t.Fatalf("backup state=%s", info.State)
	}
	if _, err := mgr.Info("broken", ""); !errors.Is(err, manager.ErrNotFound) {
		t.Fatalf("broken should not exist: %v", err)
	}

	v2 := []config.JobConfig{
		{Name: "beat", Cron: "30 * * * * *", Executable: "heartbeat"},
		{Name: "backup", Group: "ops", Cron: "0 0 2 * * *", Executable: "shell", Data: map[string]string{"command": "echo hi"}},
		{Name: "broken", Cron: "@hourly", Executable: "shell", Data: map[string]string{"command": "true"}},
	}
	if err := r.Apply(v2); err != nil {
		t.Fatalf("apply v2: %v", err)
	}
	if info, _ := mgr.Info("beat", ""); info.Cron != "30 * * * * *" {
		t.Fatalf("beat cron=%s", info.Cron)
	}
	def, err := mgr.Definition("backup", "ops")
	if err != nil || def.Data.Get("command") != "echo hi" {
		t.Fatalf("backup not replaced: %+v %v", def, err)
	}
	if info, _ := mgr.Info("backup", "ops"); info.State != scheduler.StateNormal {
		t.Fatalf("replaced backup should follow paused=false, got %s", info.State)
	}
	if _, err := mgr.Info("broken", ""); err != nil {
		t.Fatalf("broken should be retried and started: %v", err)
	}

	// operator-owned jobs survive reconciliation
	if err := mgr.Start(&job.Definition{Key: job.NewKey("manual", ""), ExecutableID: "heartbeat", Cron: "@daily"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Apply(v2[:1]); err != nil {
		t.Fatalf("apply v3: %v", err)
	}
	keys := mgr.Keys("")
	if len(keys) != 2 {
		t.Fatalf("keys=%v want beat and manual", keys)
	}
	for _, k := range keys {
		if k.Name != "beat" && k.Name != "manual" {
			t.Fatalf("unexpected key %s", k)
		}
	}
}

func TestReconcilerKeepsOldJobWhenReplaceFails(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)
	r := newReconciler(mgr, logx.Nop())

	good := config.JobConfig{Name: "backup", Cron: "@hourly", Executable: "shell", Data: map[string]string{"command": "true"}}
	if err := r.Apply([]config.JobConfig{good}); err != nil {
		t.Fatal(err)
	}

	bad := good
	bad.Data = map[string]string{"command": ""}
	if err := r.Apply([]config.JobConfig{bad}); err == nil || !strings.Contains(err.Error(), "backup") {
		t.Fatalf("want replace failure for backup, got %v", err)
	}
	def, err := mgr.Definition("backup", "")
	if err != nil {
		t.Fatalf("old backup was dropped: %v", err)
	}
	if def.Data.Get("command") != "true" {
		t.Fatalf("backup command=%q want the old one", def.Data.Get("command"))
	}
	if info, _ := mgr.Info("backup", ""); info.State != scheduler.StateNormal {
		t.Fatalf("restored backup state=%s", info.State)
	}

	// the next reload retries the change
	fixed := good
	fixed.Data = map[string]string{"command": "echo hi"}
	if err := r.Apply([]config.JobConfig{fixed}); err != nil {
		t.Fatalf("apply fixed: %v", err)
	}
	if def, _ := mgr.Definition("backup", ""); def.Data.Get("command") != "echo hi" {
		t.Fatalf("backup command=%q", def.Data.Get("command"))
	}
}

func TestReconcilerPauseToggle(t *testing.T) {
	t.Parallel()
	mgr := newTestManager(t)
	r := newReconciler(mgr, logx.Nop())
	jc := config.JobConfig{Name: "beat", Cron: "@hourly", Executable: "heartbeat"}
	if err := r.Apply([]config.JobConfig{jc}); err != nil {
		t.Fatal(err)
	}
	jc.Paused = true
	if err := r.Apply([]config.JobConfig{jc}); err != nil {
		t.Fatal(err)
	}
	if info, _ := mgr.Info("beat", ""); info.State != scheduler.StatePaused {
		t.Fatalf("state=%s", info.State)
	}
	jc.Paused = false
	if err := r.Apply([]config.JobConfig{jc}); err != nil {
		t.Fatal(err)
	}
	if info, _ := mgr.Info("beat", ""); info.State != scheduler.StateNormal {
		t.Fatalf("state=%s", info.State)
	}
}

func TestRunRecord(t *testing.T) {
	t.Parallel()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		typ    string
		want   storage.RunStatus
		wantOK bool
	}{
		{eventbus.TaskFinished, storage.RunOK, true},
		{eventbus.TaskFailed, storage.RunFailed, true},
		{eventbus.TaskSkipped, storage.RunSkipped, true},
		{eventbus.TaskDropped, storage.RunDropped, true},
		{eventbus.TaskStarted, "", false},
	}
	for _, tc := range cases {
		rec, ok := runRecord(eventbus.Event{Type: tc.typ, Data: engine.TaskEvent{
			ID: "id1", Name: "g1.report", Started: started,
			QueueDelay: 1500 * time.Microsecond, Duration: 2 * time.Second, Attempts: 2,
		}})
		if ok != tc.wantOK {
			t.Fatalf("%s: ok=%v", tc.typ, ok)
		}
		if !ok {
			continue
		}
		if rec.Status != tc.want || rec.Job != "g1.report" || rec.DurationMS != 2000 || rec.QueueDelayMS != 1 || rec.Attempts != 2 {
			t.Fatalf("%s: %+v", tc.typ, rec)
		}
	}
	if _, ok := runRecord(eventbus.Event{Type: eventbus.TaskFailed, Data: "junk"}); ok {
		t.Fatalf("foreign payload should be ignored")
	}
}

func TestAlertText(t *testing.T) {
	t.Parallel()
	e := eventbus.Event{Type: eventbus.JobErrored, Data: scheduler.JobEvent{
		Key: job.NewKey("report", "g1"), Cron: "@hourly", State: "ERROR", Error: "panic: boom",
	}}
	text, ok := alertText(e)
	if !ok || !strings.Contains(text, "g1.report entered ERROR") || !strings.Contains(text, "panic: boom") {
		t.Fatalf("text=%q ok=%v", text, ok)
	}
	if _, ok := alertText(eventbus.Event{Type: eventbus.JobPaused}); ok {
		t.Fatalf("only errored jobs alert")
	}
}

type recordingNotifier struct{ texts chan string }

func (n recordingNotifier) Notify(_ context.Context, text string) error {
	n.texts <- text
	return nil
}

func TestForwardAlerts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	n := recordingNotifier{texts: make(chan string, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- forwardAlerts(ctx, events, n, logx.Nop()) }()

	bus.Publish(eventbus.Event{Type: eventbus.JobFired, Data: scheduler.JobEvent{Key: job.NewKey("a", "")}})
	bus.Publish(eventbus.Event{Type: eventbus.JobErrored, Data: scheduler.JobEvent{Key: job.NewKey("a", ""), State: "ERROR"}})
	select {
	case text := <-n.texts:
		if !strings.Contains(text, "DEFAULT.a") {
			t.Fatalf("text=%q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no alert delivered")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("forwardAlerts: %v", err)
	}
}

const appConfig = `
logging:
  level: warn
scheduler:
  timezone: UTC
storage:
  driver: file
  path: %s
jobs:
  - name: beat
    cron: "0 0 * * * ?"
    executable: heartbeat
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewRejectsUnknownExecutable(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	body := strings.Replace(appConfig, "%s", filepath.Join(dir, "ck"), 1)
	body = strings.Replace(body, "executable: heartbeat", "executable: nope", 1)
	p := writeConfig(t, dir, body)
	_, err := New(context.Background(), p)
	if !errors.Is(err, job.ErrUnknownExecutable) {
		t.Fatalf("want ErrUnknownExecutable, got %v", err)
	}
}

func TestRunAppliesAndReloadsJobs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	body := strings.Replace(appConfig, "%s", filepath.Join(dir, "ck"), 1)
	p := writeConfig(t, dir, body)

	a, err := New(context.Background(), p)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				cancel()
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	waitFor("initial job", func() bool {
		info, err := a.Manager().Info("beat", "")
		return err == nil && info.Cron == "0 0 * * * ?"
	})

	if got := a.Control().Dispatch(ctx, "test", "/info beat"); !strings.Contains(got, "state: NORMAL") {
		t.Fatalf("control: %q", got)
	}

	writeConfig(t, dir, strings.Replace(body, `"0 0 * * * ?"`, `"0 30 * * * ?"`, 1))
	waitFor("reloaded cron", func() bool {
		info, err := a.Manager().Info("beat", "")
		return err == nil && info.Cron == "0 30 * * * ?"
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("run did not stop")
	}
}
