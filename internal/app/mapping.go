package app

import (
	"time"

	"cronkeeper/internal/config"
	"cronkeeper/internal/observability/debughttp"
	"cronkeeper/internal/storage"
	"cronkeeper/internal/task/engine"
	"cronkeeper/internal/task/scheduler"
	"cronkeeper/internal/transport/telegram"
	"cronkeeper/pkg/logx"
)

// The mappers below run on configs that already passed config.Validate, so
// duration errors are still returned but not expected.

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Tail:    logx.TailConfig{Lines: lc.Tail.Lines, MinLevel: lc.Tail.MinLevel},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Executor
	defTimeout, err := config.DurationOr("executor.default_timeout", ec.DefaultTimeout, 0)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.DurationOr("executor.max_queue_delay", ec.MaxQueueDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    ec.HistorySize,
		RetryMax:       ec.RetryMax,
		RatePerSec:     ec.RatePerSec,
		RateBurst:      ec.RateBurst,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: cfg.Scheduler.Timezone}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	retention, err := config.DurationOr("storage.run_retention", sc.RunRetention, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy, RunRetention: retention}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	poll, err := config.DurationOr("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       tc.Token,
		OwnerIDs:    append([]int64(nil), tc.OwnerUserIDs...),
		PollTimeout: poll,
	}, nil
}

func mapDebugConfig(cfg *config.Config) debughttp.Config {
	return debughttp.Config{Addr: cfg.Debug.Addr, Token: cfg.Debug.Token}
}
