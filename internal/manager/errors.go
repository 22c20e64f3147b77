package manager

import (
	"errors"

	"cronkeeper/internal/cronexpr"
	"cronkeeper/internal/job"
	"cronkeeper/internal/task/scheduler"
)

// Error taxonomy of the manager. Callers match with errors.Is / errors.As.
var (
	ErrNotFound          = scheduler.ErrNotFound
	ErrDuplicateKey      = scheduler.ErrJobExists
	ErrUnknownExecutable = job.ErrUnknownExecutable
	ErrInvalidSchedule   = cronexpr.ErrInvalidSchedule
	ErrInvalidKey        = job.ErrInvalidKey
)

type (
	ResolutionError      = job.ResolutionError
	InvalidScheduleError = cronexpr.InvalidScheduleError
)

func isNeverFires(err error) bool { return errors.Is(err, scheduler.ErrNeverFires) }
