// Package job defines job identity, definitions and the executable registry
// that turns an executable identifier into something the scheduler can run.
package job

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultGroup is used when a definition leaves the group empty.
const DefaultGroup = "DEFAULT"

// ErrInvalidKey reports a key without a name.
var ErrInvalidKey = errors.New("job: name is required")

// Key identifies a job. Its trigger shares the same key.
type Key struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// NewKey trims both parts and applies DefaultGroup.
func NewKey(name, group string) Key {
	k := Key{Name: strings.TrimSpace(name), Group: strings.TrimSpace(group)}
	if k.Group == "" {
		k.Group = DefaultGroup
	}
	return k
}

func (k Key) String() string { return k.Group + "." + k.Name }

func (k Key) Validate() error {
	if strings.TrimSpace(k.Name) == "" {
		return ErrInvalidKey
	}
	return nil
}

// Data carries static parameters handed to an executable factory.
type Data map[string]string

func (d Data) Get(k string) string {
	if d == nil {
		return ""
	}
	return d[k]
}

// GetOr returns d[k] or def when missing/blank.
func (d Data) GetOr(k, def string) string {
	if v := strings.TrimSpace(d.Get(k)); v != "" {
		return v
	}
	return def
}

func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Definition is the declarative request to schedule a job.
type Definition struct {
	Key          Key
	ExecutableID string
	Cron         string

	Description string
	// Timeout bounds one execution; zero uses the executor default.
	Timeout time.Duration
	// AllowConcurrent lets fires overlap a still running execution.
	AllowConcurrent bool
	Data            Data
}

// Job is the unit of work invoked on each fire.
type Job interface {
	Execute(ctx context.Context) error
}

// Func adapts a plain function to Job.
type Func func(ctx context.Context) error

func (f Func) Execute(ctx context.Context) error { return f(ctx) }

// Factory builds a Job from definition data.
type Factory func(data Data) (Job, error)
