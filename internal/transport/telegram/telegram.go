// Package telegram feeds Telegram chat messages from configured owners into
// the control router and sends the replies back.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"cronkeeper/internal/runtime/supervisor"
	"cronkeeper/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token       string
	OwnerIDs    []int64
	PollTimeout time.Duration
}

// Dispatcher runs one command line and returns the reply text.
type Dispatcher interface {
	Dispatch(ctx context.Context, actor, text string) string
}

type Adapter struct {
	cfg    Config
	log    logx.Logger
	bot    *tele.Bot
	disp   Dispatcher
	owners map[int64]bool

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

func New(cfg Config, disp Dispatcher, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.OwnerIDs) == 0 {
		return nil, errors.New("telegram: at least one owner id is required")
	}
	if disp == nil {
		return nil, errors.New("telegram: nil dispatcher")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	a := newAdapter(cfg, disp, log)
	a.bot = b
	b.Handle(tele.OnText, a.onText)
	return a, nil
}

func newAdapter(cfg Config, disp Dispatcher, log logx.Logger) *Adapter {
	owners := make(map[int64]bool, len(cfg.OwnerIDs))
	for _, id := range cfg.OwnerIDs {
		owners[id] = true
	}
	return &Adapter{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "telegram")),
		disp:   disp,
		owners: owners,
	}
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	a.runMu.Lock()
	sup := a.sup
	a.runMu.Unlock()
	ctx := context.Background()
	if sup != nil {
		ctx = sup.Context()
	}
	for _, chunk := range a.handle(ctx, m.Sender.ID, m.Text) {
		if err := c.Send(chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			a.log.Warn("reply failed", logx.Int64("chat_id", m.Chat.ID), logx.Err(err))
			return nil
		}
	}
	return nil
}

// handle returns the reply chunks for one incoming message. Messages from
// anyone but the owners are ignored.
func (a *Adapter) handle(ctx context.Context, from int64, text string) []string {
	if !a.owners[from] {
		if strings.HasPrefix(strings.TrimSpace(text), "/") {
			a.log.Warn("command from non-owner ignored", logx.Int64("from_id", from))
		}
		return nil
	}
	reply := a.disp.Dispatch(ctx, "tg:"+strconv.FormatInt(from, 10), text)
	if strings.TrimSpace(reply) == "" {
		return nil
	}
	return splitText(reply, textLimit)
}

// Start begins long polling. The poll loop is restarted if telebot exits
// while the adapter is still running.
func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.sup != nil {
		return nil
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup = sup

	sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})
	sup.GoRestart("telebot.poll", func(context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling and waits briefly; a long poll in flight never blocks
// shutdown past the grace window.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()
	if sup == nil {
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Stop(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Notify sends text to every owner's private chat.
func (a *Adapter) Notify(_ context.Context, text string) error {
	var errs []error
	for id := range a.owners {
		for _, chunk := range splitText(text, textLimit) {
			if _, err := a.bot.Send(&tele.Chat{ID: id}, chunk); err != nil {
				errs = append(errs, fmt.Errorf("notify %d: %w", id, err))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
