package config

// Config is the on-disk configuration. JSON or YAML; unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Executor   ExecutorConfig   `json:"executor"`
	Mail       *MailConfig      `json:"mail,omitempty"`
	Storage    StorageConfig    `json:"storage"`
	HTTP       *HTTPConfig      `json:"http,omitempty"`
	Redis      *RedisConfig     `json:"redis,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls trigger registration and the execution pipeline.
//
// Defaults:
//   - timezone: "Asia/Kolkata"
//   - execution_timeout: "5m"
//   - bookkeeping_timeout: "10s"
//   - notify_timeout: "1m"
//   - overlap: "skip"
type SchedulerConfig struct {
	Timezone           string `json:"timezone,omitempty"`
	ExecutionTimeout   string `json:"execution_timeout,omitempty"`
	BookkeepingTimeout string `json:"bookkeeping_timeout,omitempty"`
	NotifyTimeout      string `json:"notify_timeout,omitempty"`
	// Overlap is "skip" or "allow".
	Overlap string `json:"overlap,omitempty"`
}

// TaskEngineConfig controls the worker pool that runs firings.
type TaskEngineConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

// ExecutorConfig points at the workflow execution service.
type ExecutorConfig struct {
	BaseURL string `json:"base_url"`
	Secret  string `json:"secret,omitempty"` // never logged
	Timeout string `json:"timeout,omitempty"`
}

// MailConfig controls SMTP notifications. Omitting the section disables
// email and notifications are only logged.
type MailConfig struct {
	Enabled       bool   `json:"enabled"`
	Host          string `json:"host"`
	Port          int    `json:"port,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"` // never logged
	From          string `json:"from"`
	Mode          string `json:"mode,omitempty"` // starttls | tls | plain
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// StorageConfig selects the store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/triggerd.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // never logged
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"` // never logged
	Pprof   bool   `json:"pprof,omitempty"`
}

type RedisConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Prefix  string `json:"prefix,omitempty"`
}
