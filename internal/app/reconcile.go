package app

import (
	"errors"
	"fmt"

	"cronkeeper/internal/config"
	"cronkeeper/internal/job"
	"cronkeeper/pkg/logx"
)

// jobManager is what reconciliation needs from *manager.Manager.
type jobManager interface {
	Start(def *job.Definition) error
	Reschedule(name, group, cron string) (bool, error)
	Pause(name, group string)
	Resume(name, group string)
	Delete(name, group string)
}

// reconciler keeps the manager in line with the config's jobs list. It
// only touches keys the config itself declared; jobs started by an
// operator at runtime are left alone unless the config claims their key.
type reconciler struct {
	mgr     jobManager
	log     logx.Logger
	applied []config.JobConfig
}

func newReconciler(mgr jobManager, log logx.Logger) *reconciler {
	return &reconciler{mgr: mgr, log: log.With(logx.String("comp", "reconcile"))}
}

// Apply moves from the previously applied list to jobs. Entries that fail
// are left out of the applied set so the next reload retries them. A
// changed entry that fails keeps its old definition running.
func (r *reconciler) Apply(jobs []config.JobConfig) error {
	d := config.DiffJobs(r.applied, jobs)
	if d.Empty() {
		return nil
	}
	failed := map[job.Key]bool{}
	keep := map[job.Key]config.JobConfig{}
	var errs []error

	for _, jc := range d.Removed {
		k := jc.Key()
		r.mgr.Delete(k.Name, k.Group)
		r.log.Info("config job removed", logx.String("job", k.String()))
	}
	for _, jc := range d.Added {
		if err := r.start(jc); err != nil {
			failed[jc.Key()] = true
			errs = append(errs, err)
		}
	}
	for _, ch := range d.Changed {
		k := ch.New.Key()
		if ch.CronOnly() {
			if err := r.retime(ch); err != nil {
				keep[k] = ch.Old
				errs = append(errs, err)
			}
			continue
		}
		if err := r.replace(ch); err != nil {
			keep[k] = ch.Old
			errs = append(errs, err)
			continue
		}
		r.log.Info("config job replaced", logx.String("job", k.String()))
	}

	applied := make([]config.JobConfig, 0, len(jobs))
	for _, jc := range jobs {
		k := jc.Key()
		switch {
		case failed[k]:
		case keep[k].Name != "":
			applied = append(applied, keep[k])
		default:
			applied = append(applied, jc)
		}
	}
	r.applied = applied
	r.log.Info("jobs reconciled",
		logx.Int("added", len(d.Added)),
		logx.Int("removed", len(d.Removed)),
		logx.Int("changed", len(d.Changed)),
		logx.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

func (r *reconciler) start(jc config.JobConfig) error {
	def, err := jc.Definition()
	if err != nil {
		return fmt.Errorf("job %s: %w", jc.Key(), err)
	}
	if err := r.mgr.Start(&def); err != nil {
		r.log.Warn("config job not started", logx.String("job", def.Key.String()), logx.Err(err))
		return fmt.Errorf("job %s: %w", def.Key, err)
	}
	if jc.Paused {
		r.mgr.Pause(def.Key.Name, def.Key.Group)
	}
	return nil
}

// replace swaps a changed job for its new definition. The old one is put
// back when the new one cannot start.
func (r *reconciler) replace(ch config.JobChange) error {
	k := ch.New.Key()
	def, err := ch.New.Definition()
	if err != nil {
		return fmt.Errorf("job %s: %w", k, err)
	}
	r.mgr.Delete(k.Name, k.Group)
	err = r.mgr.Start(&def)
	if err == nil {
		if ch.New.Paused {
			r.mgr.Pause(k.Name, k.Group)
		}
		return nil
	}
	r.log.Warn("config job not replaced; restoring previous definition", logx.String("job", k.String()), logx.Err(err))
	if rerr := r.start(ch.Old); rerr != nil {
		return errors.Join(fmt.Errorf("job %s: %w", k, err), rerr)
	}
	return fmt.Errorf("job %s: %w", k, err)
}

func (r *reconciler) retime(ch config.JobChange) error {
	k := ch.New.Key()
	if _, err := r.mgr.Reschedule(k.Name, k.Group, ch.New.Cron); err != nil {
		r.log.Warn("config job not rescheduled", logx.String("job", k.String()), logx.Err(err))
		return fmt.Errorf("job %s: %w", k, err)
	}
	if ch.Old.Paused != ch.New.Paused {
		if ch.New.Paused {
			r.mgr.Pause(k.Name, k.Group)
		} else {
			r.mgr.Resume(k.Name, k.Group)
		}
	}
	return nil
}
