// Package shell provides the "shell" executable: it runs a command line on
// every fire.
//
// Data keys:
//
//	command     required; split with POSIX shell quoting rules
//	dir         working directory
//	use_shell   "true" runs command through /bin/sh -c instead of splitting it
//	max_output  bytes of combined output kept for logs and errors (default 4096)
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"cronkeeper/internal/job"
	"cronkeeper/internal/task/engine"
	"cronkeeper/pkg/logx"
)

const (
	ID               = "shell"
	defaultMaxOutput = 4096
)

var ErrEmptyCommand = errors.New("shell: command is required")

// ExitError reports a non-zero exit status together with the output tail.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Output)
}

// Job runs one command. It is safe for concurrent Execute calls.
type Job struct {
	argv      []string
	dir       string
	maxOutput int
	log       logx.Logger
}

// New builds a Job from definition data.
func New(data job.Data, log logx.Logger) (*Job, error) {
	cmdline := strings.TrimSpace(data.Get("command"))
	if cmdline == "" {
		return nil, ErrEmptyCommand
	}

	var argv []string
	if useShell, _ := strconv.ParseBool(data.GetOr("use_shell", "false")); useShell {
		argv = []string{"/bin/sh", "-c", cmdline}
	} else {
		words, err := shellquote.Split(cmdline)
		if err != nil {
			return nil, fmt.Errorf("shell: parse command: %w", err)
		}
		if len(words) == 0 {
			return nil, ErrEmptyCommand
		}
		argv = words
	}

	maxOut := defaultMaxOutput
	if raw := data.Get("max_output"); strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("shell: invalid max_output %q", raw)
		}
		maxOut = n
	}

	return &Job{
		argv:      argv,
		dir:       strings.TrimSpace(data.Get("dir")),
		maxOutput: maxOut,
		log:       log,
	}, nil
}

// Argv returns a copy of the resolved argument vector.
func (j *Job) Argv() []string { return append([]string(nil), j.argv...) }

func (j *Job) Execute(ctx context.Context) error {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, j.argv[0], j.argv[1:]...)
	cmd.Dir = j.dir
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	tail := lastBytes(out.Bytes(), j.maxOutput)

	if err == nil {
		j.log.Debug("shell command finished",
			logx.String("cmd", j.argv[0]),
			logx.Duration("took", time.Since(start)),
			logx.String("output", tail),
		)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return engine.NoRetry(fmt.Errorf("shell: %w", err))
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Code: ee.ExitCode(), Output: tail}
	}
	return fmt.Errorf("shell: %w", err)
}

func lastBytes(b []byte, n int) string {
	if n <= 0 {
		return ""
	}
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

// Register adds the shell executable to r.
func Register(r *job.Registry, log logx.Logger) error {
	return r.Register(ID, func(data job.Data) (job.Job, error) {
		j, err := New(data, log.With(logx.String("executable", ID)))
		if err != nil {
			return nil, err
		}
		return j, nil
	})
}
