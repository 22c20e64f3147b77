package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cronkeeper/internal/cronexpr"
	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/job"
	"cronkeeper/internal/task/engine"
	logx "cronkeeper/pkg/logx"
)

// Store holds every binding. All mutations run under one mutex, so each
// operation is observed as a whole by concurrent callers.
type Store struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	bus  eventbus.Bus
	exec Executor
	now  Clock

	c        *cron.Cron
	running  bool
	stopCh   chan struct{}
	bindings map[job.Key]*binding

	enqMu       sync.Mutex
	lastEnqWarn map[job.Key]time.Time
}

func New(cfg Config, exec Executor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "store")),
		bus:         bus,
		exec:        exec,
		now:         time.Now,
		bindings:    map[job.Key]*binding{},
		lastEnqWarn: map[job.Key]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = loadLocation(cfg.Timezone, s.log)
	s.c = s.newCron()
	return s
}

func (s *Store) newCron() *cron.Cron {
	cl := cronLogger{log: s.log}
	return cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location is the zone fire times are evaluated in.
func (s *Store) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Start begins evaluating fire times. Bindings registered earlier start
// firing now. The store stops on its own once ctx is done.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.c.Start()
	s.log.Info("store started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.bindings)))

	go s.stopOnDone(ctx, s.stopCh)
}

func (s *Store) stopOnDone(ctx context.Context, stopCh <-chan struct{}) {
	select {
	case <-stopCh:
	case <-ctx.Done():
		s.mu.Lock()
		current := s.running && s.stopCh == stopCh
		s.mu.Unlock()
		if !current {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), stopOnDoneTimeout)
		defer cancel()
		s.Stop(sctx)
	}
}

// Stop halts fire evaluation and waits for in-progress fire callbacks
// (not job bodies) up to ctx. Bindings are kept.
func (s *Store) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	stopped := s.c.Stop()
	s.mu.Unlock()

	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.log.Info("store stopped")
}

// Apply switches the timezone. Active bindings are moved to a fresh runner
// in the new zone.
func (s *Store) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if !changed {
		return
	}
	old := s.c
	if s.running {
		// Fires already dispatched by the old runner carry stale tokens.
		old.Stop()
	}
	s.loc = loadLocation(cfg.Timezone, s.log)
	s.c = s.newCron()
	for _, b := range s.bindings {
		if b.entryID != 0 {
			b.entryID = 0
			s.addEntryLocked(b)
		}
	}
	if s.running {
		s.c.Start()
	}
	s.log.Info("timezone changed", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.bindings)))
}

// ScheduleJob registers a new binding and its trigger in one step.
// It returns the first fire time.
func (s *Store) ScheduleJob(detail JobDetail, exec job.Job, sched *cronexpr.Schedule) (time.Time, error) {
	if err := detail.Key.Validate(); err != nil {
		return time.Time{}, err
	}
	if exec == nil {
		return time.Time{}, ErrNilJob
	}
	if sched == nil {
		return time.Time{}, ErrNilTrigger
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := detail.Key
	if _, ok := s.bindings[key]; ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrJobExists, key)
	}
	next := sched.Next(s.nowLocked())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNeverFires, sched.Expression())
	}

	detail.Data = detail.Data.Clone()
	b := &binding{
		detail: detail,
		exec:   exec,
		sched:  sched,
		state:  StateNormal,
		run:    &engine.RunState{},
	}
	s.addEntryLocked(b)
	s.bindings[key] = b

	s.log.Info("job scheduled",
		logx.String("job", key.String()),
		logx.String("cron", sched.Expression()),
		logx.String("executable", detail.ExecutableID),
		logx.Time("next", next),
	)
	s.publishLocked(eventbus.JobScheduled, b)
	return next, nil
}

// RescheduleJob replaces the trigger of key. The new cron entry is added
// before the old one is removed, all under the store lock. A paused binding
// stays paused. When sched never fires the binding is left untouched and
// ErrNeverFires is returned.
func (s *Store) RescheduleJob(key job.Key, sched *cronexpr.Schedule) (time.Time, error) {
	if sched == nil {
		return time.Time{}, ErrNilTrigger
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bindings[key]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	next := sched.Next(s.nowLocked())
	if next.IsZero() {
		s.log.Warn("reschedule rejected: trigger never fires", logx.String("job", key.String()), logx.String("cron", sched.Expression()))
		return time.Time{}, fmt.Errorf("%w: %s", ErrNeverFires, sched.Expression())
	}

	oldExpr := b.sched.Expression()
	oldEntry := b.entryID
	b.sched = sched
	b.prev = time.Time{}
	if b.state != StatePaused {
		b.state = StateNormal
		b.lastErr = ""
		s.addEntryLocked(b)
		if oldEntry != 0 {
			s.c.Remove(oldEntry)
		}
	}

	s.log.Info("job rescheduled",
		logx.String("job", key.String()),
		logx.String("from", oldExpr),
		logx.String("to", sched.Expression()),
		logx.Time("next", next),
	)
	s.publishLocked(eventbus.JobRescheduled, b)
	return next, nil
}

// PauseJob stops future fires of key. It reports whether key exists.
func (s *Store) PauseJob(key job.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[key]
	if !ok {
		return false
	}
	s.pauseLocked(b)
	return true
}

// ResumeJob restores fires of a paused or errored key.
func (s *Store) ResumeJob(key job.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[key]
	if !ok {
		return false
	}
	s.resumeLocked(b)
	return true
}

// PauseAll pauses every binding currently in NORMAL state and returns how
// many changed.
func (s *Store) PauseAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bindings {
		if b.state == StateNormal {
			s.pauseLocked(b)
			n++
		}
	}
	if n > 0 {
		s.log.Info("all jobs paused", logx.Int("count", n))
	}
	return n
}

// ResumeAll resumes every PAUSED binding and returns how many changed.
func (s *Store) ResumeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.bindings {
		if b.state == StatePaused {
			s.resumeLocked(b)
			n++
		}
	}
	if n > 0 {
		s.log.Info("all jobs resumed", logx.Int("count", n))
	}
	return n
}

// DeleteJob removes key and its trigger. It reports whether key existed.
func (s *Store) DeleteJob(key job.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[key]
	if !ok {
		return false
	}
	s.removeEntryLocked(b)
	delete(s.bindings, key)
	s.enqMu.Lock()
	delete(s.lastEnqWarn, key)
	s.enqMu.Unlock()
	s.log.Info("job deleted", logx.String("job", key.String()))
	s.publishLocked(eventbus.JobDeleted, b)
	return true
}

func (s *Store) GetJobDetail(key job.Key) (JobDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[key]
	if !ok {
		return JobDetail{}, false
	}
	d := b.detail
	d.Data = d.Data.Clone()
	return d, true
}

func (s *Store) GetTrigger(key job.Key) (Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[key]
	if !ok {
		return Trigger{}, false
	}
	return s.triggerLocked(b), true
}

// GetTriggerState returns StateNone for unknown keys.
func (s *Store) GetTriggerState(key job.Key) TriggerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[key]
	if !ok {
		return StateNone
	}
	return s.stateLocked(b)
}

// JobKeys lists keys sorted by group then name. An empty group lists all.
func (s *Store) JobKeys(group string) []job.Key {
	group = strings.TrimSpace(group)
	s.mu.Lock()
	out := make([]job.Key, 0, len(s.bindings))
	for k := range s.bindings {
		if group == "" || k.Group == group {
			out = append(out, k)
		}
	}
	s.mu.Unlock()
	sortKeys(out)
	return out
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Running: s.running, Timezone: s.loc.String()}
	for _, b := range s.bindings {
		d := b.detail
		d.Data = d.Data.Clone()
		snap.Jobs = append(snap.Jobs, JobStatus{Detail: d, Trigger: s.triggerLocked(b)})
	}
	sort.Slice(snap.Jobs, func(i, j int) bool {
		return keyLess(snap.Jobs[i].Detail.Key, snap.Jobs[j].Detail.Key)
	})
	return snap
}

func (s *Store) nowLocked() time.Time { return s.now().In(s.loc) }

func (s *Store) stateLocked(b *binding) TriggerState {
	switch b.state {
	case StateNormal:
		if b.sched.Exhausted(s.nowLocked()) {
			return StateComplete
		}
		if !b.detail.AllowConcurrent && b.run.Busy() {
			return StateBlocked
		}
	}
	return b.state
}

func (s *Store) triggerLocked(b *binding) Trigger {
	t := Trigger{
		Key:        b.detail.Key,
		Expression: b.sched.Expression(),
		Schedule:   b.sched,
		State:      s.stateLocked(b),
		Prev:       b.prev,
	}
	if b.state == StateNormal {
		t.Next = b.sched.Next(s.nowLocked())
	}
	return t
}

func (s *Store) pauseLocked(b *binding) {
	if b.state == StatePaused {
		return
	}
	s.removeEntryLocked(b)
	b.state = StatePaused
	s.log.Info("job paused", logx.String("job", b.detail.Key.String()))
	s.publishLocked(eventbus.JobPaused, b)
}

func (s *Store) resumeLocked(b *binding) {
	if b.state != StatePaused && b.state != StateError {
		return
	}
	b.state = StateNormal
	b.lastErr = ""
	s.addEntryLocked(b)
	s.log.Info("job resumed", logx.String("job", b.detail.Key.String()))
	s.publishLocked(eventbus.JobResumed, b)
}

func (s *Store) addEntryLocked(b *binding) {
	tok := &fireToken{}
	key := b.detail.Key
	b.token = tok
	b.entryID = s.c.Schedule(b.sched, cron.FuncJob(func() { s.fire(key, tok) }))
}

func (s *Store) removeEntryLocked(b *binding) {
	if b.entryID != 0 {
		s.c.Remove(b.entryID)
	}
	b.entryID = 0
	b.token = nil
}

func (s *Store) publishLocked(typ string, b *binding) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: JobEvent{
		Key:   b.detail.Key,
		Cron:  b.sched.Expression(),
		State: s.stateLocked(b).String(),
		Error: b.lastErr,
	}})
}

func keyLess(a, b job.Key) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Name < b.Name
}

func sortKeys(keys []job.Key) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}
