package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	logx "cronkeeper/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pruneEvery = 500

type sqliteStore struct {
	db        *sqlx.DB
	log       logx.Logger
	retention time.Duration

	runWrites atomic.Uint64
}

type auditRow struct {
	AtMS   int64          `db:"at_ms"`
	Actor  string         `db:"actor"`
	Action string         `db:"action"`
	Target sql.NullString `db:"target"`
	OK     bool           `db:"ok"`
	Err    sql.NullString `db:"err"`
	TookMS int64          `db:"took_ms"`
}

type runRow struct {
	ID           string         `db:"id"`
	Job          string         `db:"job"`
	StartedMS    int64          `db:"started_ms"`
	QueueDelayMS int64          `db:"queue_delay_ms"`
	DurationMS   int64          `db:"duration_ms"`
	Attempts     int            `db:"attempts"`
	Status       string         `db:"status"`
	Err          sql.NullString `db:"err"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := applyMigrations(db.DB, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite storage opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, retention: cfg.RunRetention}, nil
}

func applyMigrations(db *sql.DB, log logx.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	drv, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrations init: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("migrations applied")
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO audit(at_ms, actor, action, target, ok, err, took_ms)
		 VALUES(:at_ms, :actor, :action, :target, :ok, :err, :took_ms)`,
		auditRow{
			AtMS:   e.At.UnixMilli(),
			Actor:  e.Actor,
			Action: e.Action,
			Target: nullStr(e.Target),
			OK:     e.OK,
			Err:    nullStr(e.Error),
			TookMS: e.TookMS,
		},
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT at_ms, actor, action, target, ok, err, took_ms
		 FROM audit ORDER BY at_ms DESC, id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AuditEntry{
			At:     time.UnixMilli(r.AtMS),
			Actor:  r.Actor,
			Action: r.Action,
			Target: r.Target.String,
			OK:     r.OK,
			Error:  r.Err.String,
			TookMS: r.TookMS,
		})
	}
	return out, nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO runs(id, job, started_ms, queue_delay_ms, duration_ms, attempts, status, err)
		 VALUES(:id, :job, :started_ms, :queue_delay_ms, :duration_ms, :attempts, :status, :err)
		 ON CONFLICT(id) DO UPDATE SET
		   duration_ms=excluded.duration_ms, attempts=excluded.attempts,
		   status=excluded.status, err=excluded.err`,
		runRow{
			ID:           r.ID,
			Job:          r.Job,
			StartedMS:    r.Started.UnixMilli(),
			QueueDelayMS: r.QueueDelayMS,
			DurationMS:   r.DurationMS,
			Attempts:     r.Attempts,
			Status:       string(r.Status),
			Err:          nullStr(r.Error),
		},
	)
	if err == nil && s.retention > 0 && s.runWrites.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.pruneRuns(pctx, time.Now().Add(-s.retention)); perr != nil {
			s.log.Debug("run prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error) {
	var rows []runRow
	q := `SELECT id, job, started_ms, queue_delay_ms, duration_ms, attempts, status, err FROM runs`
	args := []any{}
	if job = strings.TrimSpace(job); job != "" {
		q += ` WHERE job = ?`
		args = append(args, job)
	}
	q += ` ORDER BY started_ms DESC LIMIT ?`
	args = append(args, clampLimit(limit))
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, RunRecord{
			ID:           r.ID,
			Job:          r.Job,
			Started:      time.UnixMilli(r.StartedMS),
			QueueDelayMS: r.QueueDelayMS,
			DurationMS:   r.DurationMS,
			Attempts:     r.Attempts,
			Status:       RunStatus(r.Status),
			Error:        r.Err.String,
		})
	}
	return out, nil
}

func (s *sqliteStore) pruneRuns(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_ms < ?`, before.UnixMilli())
	return err
}

func nullStr(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}
