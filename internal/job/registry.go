package job

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownExecutable = errors.New("job: unknown executable")
	ErrAlreadyRegistered = errors.New("job: executable already registered")
)

// ResolutionError is returned when an executable identifier cannot be turned
// into a runnable Job.
type ResolutionError struct {
	ExecutableID string
	Err          error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve executable %q: %v", e.ExecutableID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Registry maps executable identifiers to factories. It is populated at
// startup and read on every job start.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(id string, f Factory) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("job: executable id is required")
	}
	if f == nil {
		return fmt.Errorf("job: nil factory for %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	r.factories[id] = f
	return nil
}

// RegisterJob registers a Job value that is shared by every definition.
func (r *Registry) RegisterJob(id string, j Job) error {
	if j == nil {
		return fmt.Errorf("job: nil job for %q", id)
	}
	return r.Register(id, func(Data) (Job, error) { return j, nil })
}

func (r *Registry) MustRegister(id string, f Factory) {
	if err := r.Register(id, f); err != nil {
		panic(err)
	}
}

// Resolve instantiates the executable for id. Any failure, including a
// factory panic or a nil result, is reported as *ResolutionError.
func (r *Registry) Resolve(id string, data Data) (j Job, err error) {
	r.mu.RLock()
	f, ok := r.factories[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, &ResolutionError{ExecutableID: id, Err: ErrUnknownExecutable}
	}

	defer func() {
		if rec := recover(); rec != nil {
			j = nil
			err = &ResolutionError{ExecutableID: id, Err: fmt.Errorf("factory panic: %v", rec)}
		}
	}()
	j, err = f(data.Clone())
	if err != nil {
		return nil, &ResolutionError{ExecutableID: id, Err: err}
	}
	if j == nil {
		return nil, &ResolutionError{ExecutableID: id, Err: errors.New("factory returned nil job")}
	}
	return j, nil
}

// IDs lists registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
