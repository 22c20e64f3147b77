package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

type Config struct {
	Driver string
	Path   string
	// BusyTimeout applies to sqlite only; zero keeps the driver default.
	BusyTimeout time.Duration
	// RunRetention prunes run records older than this (sqlite only). Zero
	// keeps everything.
	RunRetention time.Duration
}

// AuditEntry records one operator action.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
}

type RunStatus string

const (
	RunOK      RunStatus = "ok"
	RunFailed  RunStatus = "failed"
	RunDropped RunStatus = "dropped"
	RunSkipped RunStatus = "skipped"
)

// RunRecord is the outcome of one fire.
type RunRecord struct {
	ID           string    `json:"id"`
	Job          string    `json:"job"`
	Started      time.Time `json:"started"`
	QueueDelayMS int64     `json:"queue_delay_ms"`
	DurationMS   int64     `json:"duration_ms"`
	Attempts     int       `json:"attempts"`
	Status       RunStatus `json:"status"`
	Error        string    `json:"error,omitempty"`
}

type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit newest records, newest first. An empty
	// job matches every job.
	RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error)
	Close() error
}
