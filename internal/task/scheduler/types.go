package scheduler

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"cronkeeper/internal/cronexpr"
	"cronkeeper/internal/job"
	"cronkeeper/internal/task/engine"
)

var (
	ErrJobExists  = errors.New("job already exists")
	ErrNotFound   = errors.New("job not found")
	ErrNeverFires = errors.New("trigger will never fire")
	ErrNilJob     = errors.New("executable is nil")
	ErrNilTrigger = errors.New("trigger schedule is nil")
)

type Config struct {
	// Timezone is an IANA zone name; empty means the host zone.
	Timezone string
}

// TriggerState is the lifecycle state reported for a key.
type TriggerState int

const (
	StateNone TriggerState = iota
	StateNormal
	StatePaused
	StateComplete
	StateError
	StateBlocked
)

func (s TriggerState) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StatePaused:
		return "PAUSED"
	case StateComplete:
		return "COMPLETE"
	case StateError:
		return "ERROR"
	case StateBlocked:
		return "BLOCKED"
	default:
		return "NONE"
	}
}

func (s TriggerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// JobDetail is the stored, immutable part of a binding.
type JobDetail struct {
	Key             job.Key
	ExecutableID    string
	Description     string
	Timeout         time.Duration
	AllowConcurrent bool
	Data            job.Data
}

// Trigger is a read-only view of a binding's schedule.
type Trigger struct {
	Key        job.Key
	Expression string
	Schedule   *cronexpr.Schedule
	State      TriggerState
	Next       time.Time
	Prev       time.Time
}

// JobEvent is the Data payload of job.* bus events.
type JobEvent struct {
	Key   job.Key `json:"key"`
	Cron  string  `json:"cron"`
	State string  `json:"state"`
	Error string  `json:"error,omitempty"`
}

// Executor runs fired jobs.
type Executor interface {
	Enqueue(t engine.Task) error
}

// fireToken identifies one cron entry generation of a binding. A fire whose
// token no longer matches the binding came from a removed entry.
type fireToken struct{ _ byte }

type binding struct {
	detail JobDetail
	exec   job.Job
	sched  *cronexpr.Schedule

	// paused/errored bindings have no cron entry and a zero entryID.
	state   TriggerState
	entryID cron.EntryID
	token   *fireToken
	run     *engine.RunState

	prev    time.Time
	lastErr string
}

// JobStatus pairs a detail with its trigger for listings.
type JobStatus struct {
	Detail  JobDetail
	Trigger Trigger
}

type Snapshot struct {
	Running  bool
	Timezone string
	Jobs     []JobStatus
}

// Clock returns the current time. Tests swap it to observe COMPLETE.
type Clock func() time.Time

type Option func(*Store)

func WithClock(c Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.now = c
		}
	}
}
