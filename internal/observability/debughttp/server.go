// Package debughttp serves an optional read-only HTTP endpoint with a
// liveness probe, the job table as JSON and net/http/pprof.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"cronkeeper/internal/manager"
	"cronkeeper/internal/runtime/supervisor"
	"cronkeeper/pkg/logx"
)

const defaultAddr = "127.0.0.1:6060"

// Config controls the server. An empty Addr keeps it disabled. Binding to
// a non-loopback address requires Token.
type Config struct {
	Addr  string
	Token string
}

// Jobs lists the jobs shown on /jobs.
type Jobs interface {
	Jobs(group string) []manager.Info
}

type jobView struct {
	Key        string    `json:"key"`
	Cron       string    `json:"cron"`
	State      string    `json:"state"`
	Next       time.Time `json:"next,omitzero"`
	Prev       time.Time `json:"prev,omitzero"`
	Executable string    `json:"executable"`
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	jobs Jobs
	cfg  Config
	sup  *supervisor.Supervisor
}

func New(jobs Jobs, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{jobs: jobs, log: log.With(logx.String("comp", "debughttp"))}
}

// Reconfigure starts, stops or restarts the server to match cfg.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.Token = strings.TrimSpace(cfg.Token)

	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && prev == cfg {
		return
	}
	if running {
		s.Stop(ctx)
	}
	if cfg.Addr == "" {
		return
	}

	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()
	sup.GoRestart("http.serve", func(c context.Context) error { return s.serveOnce(c, cfg) },
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)
}

// Stop shuts the server down, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("debug server stop", logx.Err(err))
	}
	s.log.Info("debug server stopped")
}

func (s *Service) serveOnce(ctx context.Context, cfg Config) error {
	addr := cfg.Addr
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("debug server refused: non-loopback addr requires a token", logx.String("addr", addr))
		return errors.New("debughttp: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(s.jobs, cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debughttp: server exited")
	}
	return err
}

// Handler builds the mux. A non-empty token guards every route.
func Handler(jobs Jobs, token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /jobs", wrap(func(w http.ResponseWriter, r *http.Request) {
		infos := jobs.Jobs(r.URL.Query().Get("group"))
		out := make([]jobView, 0, len(infos))
		for _, in := range infos {
			out = append(out, jobView{
				Key:        in.Key.String(),
				Cron:       in.Cron,
				State:      in.State.String(),
				Next:       in.Next,
				Prev:       in.Prev,
				Executable: in.Executable,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != token {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
