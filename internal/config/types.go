package config

// Config is the on-disk configuration (YAML or JSON).
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Empty means
// the component default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	Debug     DebugConfig     `json:"debug"`
	Jobs      []JobConfig     `json:"jobs" validate:"dive"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Tail    LoggingTail `json:"tail"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTail keeps recent lines in memory for the /logs command.
type LoggingTail struct {
	Lines    int    `json:"lines" validate:"gte=0,lte=10000"`
	MinLevel string `json:"min_level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name, e.g. "Asia/Jakarta". Empty uses the host zone.
	Timezone string `json:"timezone,omitempty"`
}

// ExecutorConfig controls how fired jobs run.
//
// Defaults: workers 4, queue_size 256, history_size 200, retry_max 0,
// no default timeout, no stale-queue dropping, no start throttling.
type ExecutorConfig struct {
	Workers        int     `json:"workers,omitempty" validate:"gte=0,lte=256"`
	QueueSize      int     `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string  `json:"default_timeout,omitempty" validate:"duration"`
	MaxQueueDelay  string  `json:"max_queue_delay,omitempty" validate:"duration"`
	HistorySize    int     `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax       int     `json:"retry_max,omitempty" validate:"gte=0,lte=20"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RateBurst      int     `json:"rate_burst,omitempty" validate:"gte=0"`
}

// StorageConfig selects the audit/run history backend.
//
//	"storage": { "driver": "sqlite", "path": "./data/cronkeeper.db" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty" validate:"duration"`
	RunRetention string `json:"run_retention,omitempty" validate:"duration"`
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token" validate:"required_if=Enabled true"`
	OwnerUserIDs []int64 `json:"owner_user_ids" validate:"required_if=Enabled true,dive,gt=0"`
	PollTimeout  string  `json:"poll_timeout,omitempty" validate:"duration"`
}

// DebugConfig enables the read-only HTTP endpoint (/healthz, /jobs,
// /debug/pprof/). Empty addr disables it.
type DebugConfig struct {
	Addr  string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token string `json:"token,omitempty"`
}

// JobConfig declares one scheduled job.
type JobConfig struct {
	Name            string            `json:"name" validate:"required"`
	Group           string            `json:"group,omitempty"`
	Cron            string            `json:"cron" validate:"required"`
	Executable      string            `json:"executable" validate:"required"`
	Description     string            `json:"description,omitempty"`
	Timeout         string            `json:"timeout,omitempty" validate:"duration"`
	AllowConcurrent bool              `json:"allow_concurrent,omitempty"`
	Paused          bool              `json:"paused,omitempty"`
	Data            map[string]string `json:"data,omitempty"`
}
