package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "cronkeeper/pkg/logx"
)

// fileStore appends JSON Lines:
//   - <prefix>.audit.jsonl
//   - <prefix>.runs.jsonl
//
// Reads scan the whole file, which is fine for the sizes an operator
// inspects by hand.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	auditPath string
	runsPath  string
	auditFile *os.File
	runsFile  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, auditPath: prefix + ".audit.jsonl", runsPath: prefix + ".runs.jsonl"}
	var err error
	if s.auditFile, err = openAppend(s.auditPath); err != nil {
		return nil, err
	}
	if s.runsFile, err = openAppend(s.runsPath); err != nil {
		_ = s.auditFile.Close()
		return nil, err
	}
	log.Info("file storage opened", logx.String("prefix", prefix))
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.runsFile != nil {
		errs = append(errs, s.runsFile.Close())
		s.runsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	return tailJSONL(ctx, s, s.auditPath, clampLimit(limit), func(AuditEntry) bool { return true })
}

func (s *fileStore) RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error) {
	job = strings.TrimSpace(job)
	return tailJSONL(ctx, s, s.runsPath, clampLimit(limit), func(r RunRecord) bool {
		return job == "" || r.Job == job
	})
}

// tailJSONL returns the last limit records accepted by keep, newest first.
// Malformed lines are skipped.
func tailJSONL[T any](ctx context.Context, s *fileStore, path string, limit int, keep func(T) bool) ([]T, error) {
	s.mu.Lock()
	closed := s.auditFile == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]T, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			continue
		}
		if !keep(v) {
			continue
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(ring)-1; i < j; i, j = i+1, j-1 {
		ring[i], ring[j] = ring[j], ring[i]
	}
	return ring, nil
}
