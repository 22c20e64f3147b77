// Package heartbeat provides the "heartbeat" executable. Each fire writes
// one log line, which makes it handy for checking a schedule end to end.
package heartbeat

import (
	"context"
	"strings"
	"sync/atomic"

	"cronkeeper/internal/job"
	"cronkeeper/pkg/logx"
)

const ID = "heartbeat"

type Job struct {
	message string
	level   string
	log     logx.Logger
	beats   atomic.Int64
}

// New reads data keys "message" (default "heartbeat") and "level"
// (debug, info or warn; default info).
func New(data job.Data, log logx.Logger) *Job {
	return &Job{
		message: data.GetOr("message", "heartbeat"),
		level:   strings.ToLower(data.GetOr("level", "info")),
		log:     log,
	}
}

// Beats reports how many times the job has executed.
func (j *Job) Beats() int64 { return j.beats.Load() }

func (j *Job) Execute(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := j.beats.Add(1)
	fields := []logx.Field{logx.Int64("beat", n)}
	switch j.level {
	case "debug":
		j.log.Debug(j.message, fields...)
	case "warn", "warning":
		j.log.Warn(j.message, fields...)
	default:
		j.log.Info(j.message, fields...)
	}
	return nil
}

func Register(r *job.Registry, log logx.Logger) error {
	log = log.With(logx.String("executable", ID))
	return r.Register(ID, func(data job.Data) (job.Job, error) {
		return New(data, log), nil
	})
}
