// Package control is the operator command surface. It parses text commands
// (as typed in a chat) into manager calls and renders plain-text replies.
// Transports only forward text and send back whatever Dispatch returns.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"cronkeeper/internal/job"
	"cronkeeper/internal/manager"
	"cronkeeper/internal/storage"
	"cronkeeper/internal/task/engine"
	"cronkeeper/pkg/logx"
)

// Manager is the subset of *manager.Manager the commands drive.
type Manager interface {
	Start(def *job.Definition) error
	Info(name, group string) (manager.Info, error)
	Reschedule(name, group, cron string) (bool, error)
	Pause(name, group string)
	Resume(name, group string)
	Delete(name, group string)
	PauseAll()
	ResumeAll()
	Jobs(group string) []manager.Info
}

// Deps wires the router. Only Manager is required.
type Deps struct {
	Manager     Manager
	Storage     storage.Store
	Executables func() []string
	Executor    interface{ Snapshot() engine.Snapshot }
	Logs        interface{ Lines(n int) []string }
	Location    func() *time.Location
	Now         func() time.Time
}

// Request is one parsed command invocation.
type Request struct {
	ID      string
	Actor   string
	Text    string
	Command string
	Args    []string
	// Target is set by handlers to the job key they acted on, for auditing.
	Target string
	Logger logx.Logger
}

type HandlerFunc func(ctx context.Context, req *Request) (string, error)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Command describes one slash command.
type Command struct {
	Name    string
	Usage   string
	Summary string
	// Mutating commands are written to the audit log.
	Mutating bool
	Handler  HandlerFunc
}

// UsageError is returned by handlers when arguments are malformed.
type UsageError struct{ Usage string }

func (e *UsageError) Error() string { return "usage: " + e.Usage }

type Router struct {
	deps    Deps
	log     logx.Logger
	timeout time.Duration

	mu   sync.RWMutex
	cmds map[string]*Command
	mw   []Middleware
}

type Option func(*Router)

// WithTimeout bounds every handler; zero disables the bound.
func WithTimeout(d time.Duration) Option { return func(r *Router) { r.timeout = d } }

// WithMiddleware appends middleware that runs inside the built-in chain.
func WithMiddleware(m ...Middleware) Option {
	return func(r *Router) { r.mw = append(r.mw, m...) }
}

func New(deps Deps, log logx.Logger, opts ...Option) *Router {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Location == nil {
		deps.Location = func() *time.Location { return time.Local }
	}
	r := &Router{
		deps:    deps,
		log:     log.With(logx.String("comp", "control")),
		timeout: 15 * time.Second,
		cmds:    map[string]*Command{},
	}
	for _, o := range opts {
		o(r)
	}
	for _, c := range r.builtins() {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a command. Names are case-insensitive and unique.
func (r *Router) Register(c Command) error {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Name), "/"))
	if name == "" || c.Handler == nil {
		return errors.New("control: command needs a name and a handler")
	}
	c.Name = name

	h := c.Handler
	if c.Mutating && r.deps.Storage != nil {
		h = MWAudit(r.deps.Storage, r.deps.Now, r.log)(h)
	}
	c.Handler = Chain(h, append([]Middleware{
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.timeout),
	}, r.mw...)...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.cmds[name]; dup {
		return fmt.Errorf("control: command /%s already registered", name)
	}
	r.cmds[name] = &c
	return nil
}

// Commands lists registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, *c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs one line of text on behalf of actor and returns the reply.
// Text that is not a command yields an empty reply.
func (r *Router) Dispatch(ctx context.Context, actor, text string) string {
	req, ok := parse(text)
	if !ok {
		return ""
	}
	req.ID = uuid.NewString()[:8]
	req.Actor = actor
	req.Logger = r.log.With(logx.String("req_id", req.ID), logx.String("actor", actor))

	r.mu.RLock()
	cmd := r.cmds[req.Command]
	r.mu.RUnlock()
	if cmd == nil {
		return fmt.Sprintf("unknown command /%s; try /help", req.Command)
	}

	reply, err := cmd.Handler(ctx, req)
	if err != nil {
		return describeErr(err)
	}
	return reply
}

// parse splits "/cmd@bot a 'b c'" into a request. Quoting follows POSIX
// shell rules; unbalanced quotes fall back to whitespace splitting.
func parse(text string) (*Request, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}
	words, err := shellquote.Split(text)
	if err != nil {
		words = strings.Fields(text)
	}
	if len(words) == 0 {
		return nil, false
	}
	name := strings.TrimPrefix(words[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return nil, false
	}
	return &Request{
		Text:    text,
		Command: strings.ToLower(name),
		Args:    words[1:],
	}, true
}

func describeErr(err error) string {
	var ue *UsageError
	switch {
	case errors.As(err, &ue):
		return ue.Error()
	case errors.Is(err, manager.ErrNotFound):
		return "not found: " + strings.TrimPrefix(err.Error(), manager.ErrNotFound.Error()+": ")
	case errors.Is(err, context.DeadlineExceeded):
		return "error: command timed out"
	default:
		return "error: " + err.Error()
	}
}
