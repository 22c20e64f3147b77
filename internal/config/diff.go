package config

import (
	"reflect"
	"sort"
	"strings"

	"cronkeeper/internal/job"
	"cronkeeper/pkg/logx"
)

// SummarizeConfigChange returns the names of changed sections and safe log
// fields describing them. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		changed = append(changed, "scheduler")
		fields = append(fields, logx.String("scheduler.timezone", newCfg.Scheduler.Timezone))
	}
	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		fields = append(fields,
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		// the backend is opened once; changes apply on restart
		changed = append(changed, "storage")
		fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Telegram.Enabled != newCfg.Telegram.Enabled ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		fields = append(fields,
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	if d := DiffJobs(oldCfg.Jobs, newCfg.Jobs); !d.Empty() {
		changed = append(changed, "jobs")
		fields = append(fields,
			logx.Int("jobs.added", len(d.Added)),
			logx.Int("jobs.removed", len(d.Removed)),
			logx.Int("jobs.changed", len(d.Changed)),
		)
	}
	return changed, fields
}

// JobChange pairs the old and new declaration of one key.
type JobChange struct {
	Old JobConfig
	New JobConfig
}

// CronOnly reports whether the two declarations differ only in cron
// expression and paused flag, so a reschedule is enough.
func (c JobChange) CronOnly() bool {
	a, b := c.Old, c.New
	a.Cron, b.Cron = "", ""
	a.Paused, b.Paused = false, false
	a.Name, b.Name = "", ""
	a.Group, b.Group = "", ""
	return reflect.DeepEqual(normalizeData(a), normalizeData(b))
}

// JobsDelta is the per-key difference between two job lists.
type JobsDelta struct {
	Added   []JobConfig
	Removed []JobConfig
	Changed []JobChange
}

func (d JobsDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffJobs compares two job lists by key. Results are sorted by key.
func DiffJobs(oldJobs, newJobs []JobConfig) JobsDelta {
	oldByKey := indexJobs(oldJobs)
	newByKey := indexJobs(newJobs)

	var d JobsDelta
	for k, nj := range newByKey {
		oj, ok := oldByKey[k]
		switch {
		case !ok:
			d.Added = append(d.Added, nj)
		case !reflect.DeepEqual(normalizeData(oj), normalizeData(nj)):
			d.Changed = append(d.Changed, JobChange{Old: oj, New: nj})
		}
	}
	for k, oj := range oldByKey {
		if _, ok := newByKey[k]; !ok {
			d.Removed = append(d.Removed, oj)
		}
	}

	byKey := func(a, b JobConfig) bool { return a.Key().String() < b.Key().String() }
	sort.Slice(d.Added, func(i, j int) bool { return byKey(d.Added[i], d.Added[j]) })
	sort.Slice(d.Removed, func(i, j int) bool { return byKey(d.Removed[i], d.Removed[j]) })
	sort.Slice(d.Changed, func(i, j int) bool { return byKey(d.Changed[i].New, d.Changed[j].New) })
	return d
}

func indexJobs(jobs []JobConfig) map[job.Key]JobConfig {
	out := make(map[job.Key]JobConfig, len(jobs))
	for _, j := range jobs {
		out[j.Key()] = j
	}
	return out
}

// normalizeData treats a nil and an empty data map as equal.
func normalizeData(j JobConfig) JobConfig {
	if len(j.Data) == 0 {
		j.Data = nil
	}
	return j
}
