// Package manager is the job lifecycle façade: it turns declarative job
// definitions into bindings in a schedule store and exposes the operator
// operations (info, reschedule, pause, resume, delete).
//
// The manager keeps no state of its own. Every call goes to the injected
// store, so two managers over the same store always agree.
package manager

import (
	"fmt"
	"strings"
	"time"

	"cronkeeper/internal/cronexpr"
	"cronkeeper/internal/job"
	"cronkeeper/internal/task/scheduler"
	logx "cronkeeper/pkg/logx"
)

// Store is the subset of the schedule store the manager drives.
type Store interface {
	ScheduleJob(detail scheduler.JobDetail, exec job.Job, sched *cronexpr.Schedule) (time.Time, error)
	RescheduleJob(key job.Key, sched *cronexpr.Schedule) (time.Time, error)
	GetTrigger(key job.Key) (scheduler.Trigger, bool)
	GetJobDetail(key job.Key) (scheduler.JobDetail, bool)
	PauseJob(key job.Key) bool
	ResumeJob(key job.Key) bool
	DeleteJob(key job.Key) bool
	PauseAll() int
	ResumeAll() int
	JobKeys(group string) []job.Key
	Location() *time.Location
}

// Resolver turns an executable identifier into a runnable job.
type Resolver interface {
	Resolve(id string, data job.Data) (job.Job, error)
}

type Manager struct {
	store    Store
	resolver Resolver
	log      logx.Logger
	now      func() time.Time
}

type Option func(*Manager)

func WithLogger(l logx.Logger) Option { return func(m *Manager) { m.log = l } }

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func New(store Store, resolver Resolver, opts ...Option) *Manager {
	m := &Manager{store: store, resolver: resolver, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With(logx.String("comp", "manager"))
	return m
}

// Info describes one job as seen by operators.
type Info struct {
	Key         job.Key
	Cron        string
	State       scheduler.TriggerState
	Next        time.Time
	Prev        time.Time
	Executable  string
	Description string
}

// String renders the compact form "time:<cron>,state:<STATE>".
func (i Info) String() string {
	return fmt.Sprintf("time:%s,state:%s", i.Cron, i.State)
}

// Start resolves, compiles and registers def. A nil def is a no-op. On any
// error nothing is registered.
func (m *Manager) Start(def *job.Definition) error {
	if def == nil {
		m.log.Debug("start skipped: no job configured")
		return nil
	}
	key := job.NewKey(def.Key.Name, def.Key.Group)
	if err := key.Validate(); err != nil {
		return err
	}

	exec, err := m.resolver.Resolve(def.ExecutableID, def.Data)
	if err != nil {
		m.log.Warn("start failed: resolve", logx.String("job", key.String()), logx.Err(err))
		return err
	}
	sched, err := cronexpr.Compile(def.Cron)
	if err != nil {
		m.log.Warn("start failed: cron", logx.String("job", key.String()), logx.Err(err))
		return err
	}

	detail := scheduler.JobDetail{
		Key:             key,
		ExecutableID:    strings.TrimSpace(def.ExecutableID),
		Description:     def.Description,
		Timeout:         def.Timeout,
		AllowConcurrent: def.AllowConcurrent,
		Data:            def.Data,
	}
	if _, err := m.store.ScheduleJob(detail, exec, sched); err != nil {
		if isNeverFires(err) {
			return &cronexpr.InvalidScheduleError{Expr: def.Cron, Err: err}
		}
		return err
	}
	return nil
}

// Info returns the current expression and state of (name, group).
func (m *Manager) Info(name, group string) (Info, error) {
	key := job.NewKey(name, group)
	tr, ok := m.store.GetTrigger(key)
	if !ok {
		return Info{}, notFound(key)
	}
	info := Info{Key: key, Cron: tr.Expression, State: tr.State, Next: tr.Next, Prev: tr.Prev}
	if d, ok := m.store.GetJobDetail(key); ok {
		info.Executable = d.ExecutableID
		info.Description = d.Description
	}
	return info, nil
}

// Reschedule replaces the expression of (name, group). It returns false
// without touching anything when newCron equals the current expression
// ignoring case. An expression with no future fire time is rejected as
// an InvalidScheduleError and the old one stays in place.
func (m *Manager) Reschedule(name, group, newCron string) (bool, error) {
	key := job.NewKey(name, group)
	tr, ok := m.store.GetTrigger(key)
	if !ok {
		return false, notFound(key)
	}
	newCron = strings.TrimSpace(newCron)
	if strings.EqualFold(newCron, tr.Expression) {
		return false, nil
	}
	sched, err := cronexpr.Compile(newCron)
	if err != nil {
		return false, err
	}
	if _, err := m.store.RescheduleJob(key, sched); err != nil {
		if isNeverFires(err) {
			return false, &cronexpr.InvalidScheduleError{Expr: newCron, Err: err}
		}
		return false, err
	}
	return true, nil
}

func (m *Manager) PauseAll()  { m.store.PauseAll() }
func (m *Manager) ResumeAll() { m.store.ResumeAll() }

// Pause, Resume and Delete ignore unknown keys.
func (m *Manager) Pause(name, group string) {
	if !m.store.PauseJob(job.NewKey(name, group)) {
		m.log.Debug("pause ignored: no such job", logx.String("job", job.NewKey(name, group).String()))
	}
}

func (m *Manager) Resume(name, group string) {
	if !m.store.ResumeJob(job.NewKey(name, group)) {
		m.log.Debug("resume ignored: no such job", logx.String("job", job.NewKey(name, group).String()))
	}
}

func (m *Manager) Delete(name, group string) {
	if !m.store.DeleteJob(job.NewKey(name, group)) {
		m.log.Debug("delete ignored: no such job", logx.String("job", job.NewKey(name, group).String()))
	}
}

// Keys lists registered keys, optionally restricted to one group.
func (m *Manager) Keys(group string) []job.Key { return m.store.JobKeys(group) }

// Jobs returns Info for every key in group (all groups when empty).
func (m *Manager) Jobs(group string) []Info {
	keys := m.store.JobKeys(group)
	out := make([]Info, 0, len(keys))
	for _, k := range keys {
		if info, err := m.Info(k.Name, k.Group); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Definition reconstructs the definition currently stored for (name, group).
func (m *Manager) Definition(name, group string) (job.Definition, error) {
	key := job.NewKey(name, group)
	d, ok := m.store.GetJobDetail(key)
	if !ok {
		return job.Definition{}, notFound(key)
	}
	tr, ok := m.store.GetTrigger(key)
	if !ok {
		return job.Definition{}, notFound(key)
	}
	return job.Definition{
		Key:             key,
		ExecutableID:    d.ExecutableID,
		Cron:            tr.Expression,
		Description:     d.Description,
		Timeout:         d.Timeout,
		AllowConcurrent: d.AllowConcurrent,
		Data:            d.Data,
	}, nil
}

// Preview lists the next n fire times of (name, group) regardless of
// its pause state.
func (m *Manager) Preview(name, group string, n int) ([]time.Time, error) {
	key := job.NewKey(name, group)
	tr, ok := m.store.GetTrigger(key)
	if !ok {
		return nil, notFound(key)
	}
	return tr.Schedule.NextN(m.now().In(m.store.Location()), n), nil
}

func notFound(key job.Key) error { return fmt.Errorf("%w: %s", ErrNotFound, key) }
