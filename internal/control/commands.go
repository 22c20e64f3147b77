package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cronkeeper/internal/cronexpr"
	"cronkeeper/internal/job"
	"cronkeeper/internal/manager"
	"cronkeeper/internal/task/scheduler"
)

const (
	defaultPreview = 5
	maxPreview     = 50
	defaultList    = 10
)

var errStorageDisabled = errors.New("history storage is disabled")

func (r *Router) builtins() []Command {
	return []Command{
		{Name: "help", Usage: "/help", Summary: "list commands", Handler: r.cmdHelp},
		{Name: "jobs", Usage: "/jobs [group]", Summary: "list jobs and their state", Handler: r.cmdJobs},
		{Name: "info", Usage: "/info <name> [group]", Summary: "show one job", Handler: r.cmdInfo},
		{Name: "start", Usage: "/start <name> <group> <executable> <cron...> [key=value...]", Summary: "schedule a new job", Mutating: true, Handler: r.cmdStart},
		{Name: "reschedule", Usage: "/reschedule <name> <group> <cron...>", Summary: "change a job's cron expression", Mutating: true, Handler: r.cmdReschedule},
		{Name: "pause", Usage: "/pause <name> [group]", Summary: "pause a job", Mutating: true, Handler: r.keyOp("paused", Manager.Pause)},
		{Name: "resume", Usage: "/resume <name> [group]", Summary: "resume a job", Mutating: true, Handler: r.keyOp("resumed", Manager.Resume)},
		{Name: "delete", Usage: "/delete <name> [group]", Summary: "remove a job", Mutating: true, Handler: r.keyOp("deleted", Manager.Delete)},
		{Name: "pause_all", Usage: "/pause_all", Summary: "pause every job", Mutating: true, Handler: r.cmdPauseAll},
		{Name: "resume_all", Usage: "/resume_all", Summary: "resume every job", Mutating: true, Handler: r.cmdResumeAll},
		{Name: "next", Usage: "/next [-n count] <cron...>", Summary: "preview fire times of an expression", Handler: r.cmdNext},
		{Name: "runs", Usage: "/runs [name [group]] [count]", Summary: "recent executions", Handler: r.cmdRuns},
		{Name: "audit", Usage: "/audit [count]", Summary: "recent operator actions", Handler: r.cmdAudit},
		{Name: "executables", Usage: "/executables", Summary: "list registered executables", Handler: r.cmdExecutables},
		{Name: "status", Usage: "/status", Summary: "executor and job summary", Handler: r.cmdStatus},
		{Name: "logs", Usage: "/logs [count]", Summary: "recent log lines", Handler: r.cmdLogs},
	}
}

func (r *Router) usage(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c := r.cmds[name]; c != nil {
		return &UsageError{Usage: c.Usage}
	}
	return &UsageError{Usage: "/" + name}
}

func (r *Router) cmdHelp(_ context.Context, _ *Request) (string, error) {
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, c := range r.Commands() {
		fmt.Fprintf(&b, "%s - %s\n", c.Usage, c.Summary)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) cmdJobs(_ context.Context, req *Request) (string, error) {
	group := ""
	if len(req.Args) > 0 {
		group = req.Args[0]
	}
	infos := r.deps.Manager.Jobs(group)
	if len(infos) == 0 {
		return "no jobs", nil
	}
	var b strings.Builder
	for _, in := range infos {
		fmt.Fprintf(&b, "%s %s [%s] next %s\n", in.Key, in.State, in.Cron, fmtTime(in.Next))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// keyArgs reads "<name> [group]".
func keyArgs(args []string) (name, group string, ok bool) {
	switch len(args) {
	case 1:
		return args[0], "", true
	case 2:
		return args[0], args[1], true
	default:
		return "", "", false
	}
}

func (r *Router) cmdInfo(_ context.Context, req *Request) (string, error) {
	name, group, ok := keyArgs(req.Args)
	if !ok {
		return "", r.usage(req.Command)
	}
	in, err := r.deps.Manager.Info(name, group)
	if err != nil {
		return "", err
	}
	return formatInfo(in), nil
}

func formatInfo(in manager.Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "job: %s\n", in.Key)
	fmt.Fprintf(&b, "cron: %s\n", in.Cron)
	fmt.Fprintf(&b, "state: %s\n", in.State)
	fmt.Fprintf(&b, "next: %s\n", fmtTime(in.Next))
	fmt.Fprintf(&b, "prev: %s\n", fmtTime(in.Prev))
	fmt.Fprintf(&b, "executable: %s", in.Executable)
	if in.Description != "" {
		fmt.Fprintf(&b, "\ndescription: %s", in.Description)
	}
	return b.String()
}

// splitCronAndData separates cron fields from trailing key=value data.
// CRON_TZ= and TZ= prefixes belong to the expression.
func splitCronAndData(args []string) (string, job.Data, error) {
	var fields []string
	var data job.Data
	for _, a := range args {
		k, v, isKV := strings.Cut(a, "=")
		if isKV && k != "CRON_TZ" && k != "TZ" {
			if k == "" {
				return "", nil, fmt.Errorf("invalid data argument %q", a)
			}
			if data == nil {
				data = job.Data{}
			}
			data[k] = v
			continue
		}
		if data != nil {
			return "", nil, fmt.Errorf("cron field %q after data arguments", a)
		}
		fields = append(fields, a)
	}
	return strings.Join(fields, " "), data, nil
}

func (r *Router) cmdStart(_ context.Context, req *Request) (string, error) {
	if len(req.Args) < 4 {
		return "", r.usage(req.Command)
	}
	expr, data, err := splitCronAndData(req.Args[3:])
	if err != nil {
		return "", err
	}
	if expr == "" {
		return "", r.usage(req.Command)
	}
	def := &job.Definition{
		Key:          job.NewKey(req.Args[0], req.Args[1]),
		ExecutableID: req.Args[2],
		Cron:         expr,
		Data:         data,
	}
	req.Target = def.Key.String()
	if err := r.deps.Manager.Start(def); err != nil {
		return "", err
	}
	in, err := r.deps.Manager.Info(def.Key.Name, def.Key.Group)
	if err != nil {
		return "started " + req.Target, nil
	}
	return fmt.Sprintf("started %s [%s] next %s", in.Key, in.Cron, fmtTime(in.Next)), nil
}

func (r *Router) cmdReschedule(_ context.Context, req *Request) (string, error) {
	if len(req.Args) < 3 {
		return "", r.usage(req.Command)
	}
	key := job.NewKey(req.Args[0], req.Args[1])
	req.Target = key.String()
	expr := strings.Join(req.Args[2:], " ")
	changed, err := r.deps.Manager.Reschedule(key.Name, key.Group, expr)
	if err != nil {
		return "", err
	}
	if !changed {
		return fmt.Sprintf("unchanged: %s already runs at [%s]", key, expr), nil
	}
	in, err := r.deps.Manager.Info(key.Name, key.Group)
	if err != nil {
		return "rescheduled " + key.String(), nil
	}
	return fmt.Sprintf("rescheduled %s to [%s] next %s", key, in.Cron, fmtTime(in.Next)), nil
}

// keyOp builds the lenient pause/resume/delete handlers. They succeed even
// when the key does not exist.
func (r *Router) keyOp(verb string, op func(Manager, string, string)) HandlerFunc {
	return func(_ context.Context, req *Request) (string, error) {
		name, group, ok := keyArgs(req.Args)
		if !ok {
			return "", r.usage(req.Command)
		}
		key := job.NewKey(name, group)
		req.Target = key.String()
		op(r.deps.Manager, name, group)
		return verb + " " + key.String(), nil
	}
}

func (r *Router) cmdPauseAll(_ context.Context, req *Request) (string, error) {
	req.Target = "*"
	r.deps.Manager.PauseAll()
	return "all jobs paused", nil
}

func (r *Router) cmdResumeAll(_ context.Context, req *Request) (string, error) {
	req.Target = "*"
	r.deps.Manager.ResumeAll()
	return "all jobs resumed", nil
}

func (r *Router) cmdNext(_ context.Context, req *Request) (string, error) {
	args := req.Args
	n := defaultPreview
	if len(args) >= 2 && args[0] == "-n" {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			return "", r.usage(req.Command)
		}
		n = min(v, maxPreview)
		args = args[2:]
	}
	if len(args) == 0 {
		return "", r.usage(req.Command)
	}
	sched, err := cronexpr.Compile(strings.Join(args, " "))
	if err != nil {
		return "", err
	}
	times := sched.NextN(r.deps.Now().In(r.deps.Location()), n)
	if len(times) == 0 {
		return "schedule never fires", nil
	}
	var b strings.Builder
	for i, t := range times {
		fmt.Fprintf(&b, "%d. %s\n", i+1, fmtTime(t))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// countArg strips a trailing positive integer from args.
func countArg(args []string, def int) ([]string, int) {
	if len(args) == 0 {
		return args, def
	}
	if n, err := strconv.Atoi(args[len(args)-1]); err == nil && n > 0 {
		return args[:len(args)-1], n
	}
	return args, def
}

func (r *Router) cmdRuns(ctx context.Context, req *Request) (string, error) {
	if r.deps.Storage == nil {
		return "", errStorageDisabled
	}
	args, n := countArg(req.Args, defaultList)
	target := ""
	switch len(args) {
	case 0:
	case 1, 2:
		name, group, _ := keyArgs(args)
		target = job.NewKey(name, group).String()
	default:
		return "", r.usage(req.Command)
	}
	runs, err := r.deps.Storage.RecentRuns(ctx, target, n)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "no runs recorded", nil
	}
	var b strings.Builder
	for _, run := range runs {
		fmt.Fprintf(&b, "%s %s %s %dms", fmtTime(run.Started), run.Job, run.Status, run.DurationMS)
		if run.Attempts > 1 {
			fmt.Fprintf(&b, " attempts=%d", run.Attempts)
		}
		if run.Error != "" {
			fmt.Fprintf(&b, " err=%s", run.Error)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) cmdAudit(ctx context.Context, req *Request) (string, error) {
	if r.deps.Storage == nil {
		return "", errStorageDisabled
	}
	_, n := countArg(req.Args, defaultList)
	entries, err := r.deps.Storage.RecentAudit(ctx, n)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "no audit entries", nil
	}
	var b strings.Builder
	for _, e := range entries {
		status := "ok"
		if !e.OK {
			status = "failed: " + e.Error
		}
		fmt.Fprintf(&b, "%s %s /%s %s %s\n", fmtTime(e.At), e.Actor, e.Action, e.Target, status)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (r *Router) cmdExecutables(_ context.Context, _ *Request) (string, error) {
	if r.deps.Executables == nil {
		return "no executables registered", nil
	}
	ids := r.deps.Executables()
	if len(ids) == 0 {
		return "no executables registered", nil
	}
	return strings.Join(ids, "\n"), nil
}

func (r *Router) cmdStatus(_ context.Context, _ *Request) (string, error) {
	counts := map[scheduler.TriggerState]int{}
	infos := r.deps.Manager.Jobs("")
	for _, in := range infos {
		counts[in.State]++
	}
	var b strings.Builder
	fmt.Fprintf(&b, "jobs: %d (normal %d, paused %d, blocked %d, error %d, complete %d)",
		len(infos),
		counts[scheduler.StateNormal], counts[scheduler.StatePaused], counts[scheduler.StateBlocked],
		counts[scheduler.StateError], counts[scheduler.StateComplete],
	)
	if r.deps.Executor != nil {
		s := r.deps.Executor.Snapshot()
		fmt.Fprintf(&b, "\nexecutor: running=%t workers=%d in_flight=%d queue=%d/%d dropped=%d",
			s.Running, s.Workers, s.InFlight, s.QueueLen, s.QueueCap, s.Dropped)
	}
	return b.String(), nil
}

func (r *Router) cmdLogs(_ context.Context, req *Request) (string, error) {
	if r.deps.Logs == nil {
		return "log tail is disabled", nil
	}
	_, n := countArg(req.Args, 20)
	lines := r.deps.Logs.Lines(min(n, 200))
	if len(lines) == 0 {
		return "no log lines", nil
	}
	return strings.Join(lines, "\n"), nil
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05 MST")
}
