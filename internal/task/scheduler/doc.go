// Package scheduler is the schedule store: it owns every job binding
// (definition, executable, compiled trigger) keyed by job.Key and drives
// fires through a robfig/cron runner.
//
// The store decides when something fires. Execution is delegated to an
// Executor (normally engine.Service), so a paused or deleted binding only
// affects future fires and never interrupts a running job.
package scheduler
