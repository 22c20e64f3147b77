// Package app wires configuration, logging, the executor, the schedule
// store, the lifecycle manager, storage and the operator surfaces into one
// process.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"cronkeeper/internal/config"
	"cronkeeper/internal/control"
	"cronkeeper/internal/eventbus"
	"cronkeeper/internal/job"
	"cronkeeper/internal/manager"
	"cronkeeper/internal/observability/debughttp"
	"cronkeeper/internal/storage"
	"cronkeeper/internal/task/engine"
	"cronkeeper/internal/task/scheduler"
	"cronkeeper/internal/transport/telegram"
	"cronkeeper/jobs/heartbeat"
	"cronkeeper/jobs/httpcall"
	"cronkeeper/jobs/shell"
	"cronkeeper/pkg/logx"
)

const shutdownTimeout = 10 * time.Second

// RegisterFunc adds executables to a registry.
type RegisterFunc func(r *job.Registry, log logx.Logger) error

type Option func(*App)

// WithExecutables registers extra executables next to the built-ins.
func WithExecutables(fns ...RegisterFunc) Option {
	return func(a *App) { a.extra = append(a.extra, fns...) }
}

type App struct {
	extra []RegisterFunc

	cfgm  *config.ConfigManager
	logs  *logx.Service
	log   logx.Logger
	bus   eventbus.Bus
	reg   *job.Registry
	exec  *engine.Service
	sched *scheduler.Store
	mgr   *manager.Manager
	store storage.Store
	ctl   *control.Router
	tg    *telegram.Adapter
	dbg   *debughttp.Service
	recon *reconciler
}

// NewRegistry returns a registry holding the built-in executables plus extra.
func NewRegistry(log logx.Logger, extra ...RegisterFunc) (*job.Registry, error) {
	reg := job.NewRegistry()
	fns := append([]RegisterFunc{
		heartbeat.Register,
		shell.Register,
		func(r *job.Registry, l logx.Logger) error { return httpcall.Register(r, nil, l) },
	}, extra...)
	for _, fn := range fns {
		if err := fn(reg, log); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Run.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	a := &App{}
	for _, o := range opts {
		o(a)
	}

	logs, log := logx.New(logx.Config{Level: "info", Console: true})
	a.logs = logs
	a.log = log.With(logx.String("comp", "app"))

	reg, err := NewRegistry(log.With(logx.String("comp", "job")), a.extra...)
	if err != nil {
		return nil, err
	}
	a.reg = reg

	a.cfgm = config.NewConfigManager(cfgPath)
	a.cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateExecutables)
	cfg, err := a.cfgm.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logs.Apply(mapLogConfig(cfg))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	a.bus = eventbus.New()
	a.exec = engine.New(engCfg, log, a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.exec, log.With(logx.String("comp", "scheduler")), a.bus)
	a.mgr = manager.New(a.sched, reg, manager.WithLogger(log))
	a.recon = newReconciler(a.mgr, log)

	a.store, err = storage.Open(stCfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if a.store != nil {
		a.log.Info("storage enabled", logx.String("driver", stCfg.Driver))
	}

	a.dbg = debughttp.New(a.mgr, log)
	a.ctl = control.New(control.Deps{
		Manager:     a.mgr,
		Storage:     a.store,
		Executables: reg.IDs,
		Executor:    a.exec,
		Logs:        logs.Tail(),
		Location:    a.sched.Location,
	}, log)

	if cfg.Telegram.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			a.closeStore()
			return nil, err
		}
		a.tg, err = telegram.New(tcfg, a.ctl, log)
		if err != nil {
			a.closeStore()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) Manager() *manager.Manager { return a.mgr }

func (a *App) Control() *control.Router { return a.ctl }

// validateExecutables rejects configs that reference unknown executables.
func (a *App) validateExecutables(_ context.Context, cfg *config.Config) error {
	ids := a.reg.IDs()
	var errs []error
	for i, jc := range cfg.Jobs {
		if !slices.Contains(ids, strings.TrimSpace(jc.Executable)) {
			errs = append(errs, fmt.Errorf("jobs[%d].executable: %w: %q", i, job.ErrUnknownExecutable, jc.Executable))
		}
	}
	return errors.Join(errs...)
}

// Run starts everything, applies the configured jobs and blocks until ctx
// is cancelled or a component fails. Shutdown is bounded by shutdownTimeout.
func (a *App) Run(ctx context.Context) error {
	a.exec.Start(ctx)
	a.sched.Start(ctx)
	if err := a.recon.Apply(a.cfgm.Get().Jobs); err != nil {
		a.log.Warn("some configured jobs were not applied", logx.Err(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.cfgm.Watch(gctx) })

	cfgCh := a.cfgm.Subscribe(4)
	g.Go(func() error {
		defer a.cfgm.Unsubscribe(cfgCh)
		return a.applyReloads(gctx, cfgCh)
	})

	if a.store != nil {
		events, unsub := a.bus.Subscribe(512)
		g.Go(func() error {
			defer unsub()
			return recordRuns(gctx, events, a.store, a.log.With(logx.String("comp", "recorder")))
		})
	}

	if a.tg != nil {
		if err := a.tg.Start(gctx); err != nil {
			return err
		}
		events, unsub := a.bus.Subscribe(64)
		g.Go(func() error {
			defer unsub()
			return forwardAlerts(gctx, events, a.tg, a.log)
		})
	}

	a.dbg.Reconfigure(gctx, mapDebugConfig(a.cfgm.Get()))
	g.Go(func() error { return watchdog(gctx, a.log) })

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("cronkeeper running", logx.Int("jobs", len(a.mgr.Keys(""))))

	err := g.Wait()
	sdNotify(a.log, daemon.SdNotifyStopping)
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) applyReloads(ctx context.Context, ch <-chan *config.Config) error {
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			sdNotify(a.log, daemon.SdNotifyReloading)
			a.apply(ctx, prev, cfg)
			prev = cfg
			sdNotify(a.log, daemon.SdNotifyReady)
		}
	}
}

// apply pushes a validated config into the running components. Storage and
// telegram settings are read once at startup.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	a.logs.Apply(mapLogConfig(cfg))
	if engCfg, err := mapEngineConfig(cfg); err == nil {
		a.exec.Apply(ctx, engCfg)
	}
	a.sched.Apply(mapSchedulerConfig(cfg))
	a.dbg.Reconfigure(ctx, mapDebugConfig(cfg))
	if err := a.recon.Apply(cfg.Jobs); err != nil {
		a.log.Warn("some configured jobs were not applied", logx.Err(err))
	}
	if prev.Storage != cfg.Storage {
		a.log.Warn("storage config changed; restart required")
	}
	if prev.Telegram.Enabled != cfg.Telegram.Enabled ||
		prev.Telegram.Token != cfg.Telegram.Token ||
		!slices.Equal(prev.Telegram.OwnerUserIDs, cfg.Telegram.OwnerUserIDs) {
		a.log.Warn("telegram config changed; restart required")
	}
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.tg != nil {
		_ = a.tg.Stop(ctx)
	}
	a.dbg.Stop(ctx)
	a.sched.Stop(ctx)
	a.exec.Stop(ctx)
	a.closeStore()
	a.log.Info("cronkeeper stopped")
	_ = a.logs.Close()
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}
