package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"triggerd/internal/executor"
	"triggerd/internal/httpapi"
	"triggerd/internal/metrics"
	"triggerd/internal/notify"
	"triggerd/internal/scheduler"
	"triggerd/internal/storage"
	"triggerd/internal/task/engine"
	logx "triggerd/pkg/logx"
)

// Environment variables that override file values.
const (
	EnvTimezone       = "TIMEZONE"
	EnvExecutorURL    = "FASTAPI_URL"
	EnvExecutorSecret = "FASTAPI_SECRET_KEY"
	EnvDatabaseURL    = "DATABASE_URL"
)

// ApplyEnv overlays non-empty environment values onto cfg. DATABASE_URL
// also selects postgres when no driver is configured.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	if v := strings.TrimSpace(getenv(EnvTimezone)); v != "" {
		cfg.Scheduler.Timezone = v
	}
	if v := strings.TrimSpace(getenv(EnvExecutorURL)); v != "" {
		cfg.Executor.BaseURL = v
	}
	if v := strings.TrimSpace(getenv(EnvExecutorSecret)); v != "" {
		cfg.Executor.Secret = v
	}
	if v := strings.TrimSpace(getenv(EnvDatabaseURL)); v != "" {
		cfg.Storage.DSN = v
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
}

// Resolved holds the typed settings each component is built from.
type Resolved struct {
	Logging   logx.Config
	Scheduler scheduler.Config
	Engine    engine.Config
	Executor  executor.Config
	Mail      notify.Config
	Storage   storage.Config
	HTTP      httpapi.Config
	Redis     metrics.Config
}

// Resolve validates cfg and converts it into component configs.
// Component defaults are left to the components.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		return Resolved{}, errors.New("config is nil")
	}
	var (
		out  Resolved
		errs []error
	)
	dur := func(path, raw string) time.Duration {
		v, err := ParseDurationField(path, raw)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	out.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}

	overlap := strings.ToLower(strings.TrimSpace(cfg.Scheduler.Overlap))
	if overlap != "" && overlap != "skip" && overlap != "allow" {
		errs = append(errs, fmt.Errorf("scheduler.overlap: must be skip or allow, got %q", cfg.Scheduler.Overlap))
	}
	out.Scheduler = scheduler.Config{
		Timezone:           strings.TrimSpace(cfg.Scheduler.Timezone),
		ExecutionTimeout:   dur("scheduler.execution_timeout", cfg.Scheduler.ExecutionTimeout),
		BookkeepingTimeout: dur("scheduler.bookkeeping_timeout", cfg.Scheduler.BookkeepingTimeout),
		NotifyTimeout:      dur("scheduler.notify_timeout", cfg.Scheduler.NotifyTimeout),
		Overlap:            overlap,
	}

	te := cfg.TaskEngine
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 {
		errs = append(errs, errors.New("task_engine: sizes must be >= 0"))
	}
	out.Engine = engine.Config{Workers: te.Workers, QueueSize: te.QueueSize, HistorySize: te.HistorySize}

	if strings.TrimSpace(cfg.Executor.BaseURL) == "" {
		errs = append(errs, fmt.Errorf("executor.base_url: required (or set %s)", EnvExecutorURL))
	}
	out.Executor = executor.Config{
		BaseURL: strings.TrimSpace(cfg.Executor.BaseURL),
		Secret:  cfg.Executor.Secret,
		Timeout: dur("executor.timeout", cfg.Executor.Timeout),
	}

	if m := cfg.Mail; m != nil {
		mode := strings.ToLower(strings.TrimSpace(m.Mode))
		switch mode {
		case "", "starttls", "tls", "plain":
		default:
			errs = append(errs, fmt.Errorf("mail.mode: unknown mode %q", m.Mode))
		}
		if m.Enabled && (strings.TrimSpace(m.Host) == "" || strings.TrimSpace(m.From) == "") {
			errs = append(errs, errors.New("mail: host and from are required when enabled"))
		}
		if m.Port < 0 || m.RatePerSec < 0 || m.RetryMax < 0 {
			errs = append(errs, errors.New("mail: port, rate_per_sec and retry_max must be >= 0"))
		}
		out.Mail = notify.Config{
			Enabled:       m.Enabled,
			Host:          strings.TrimSpace(m.Host),
			Port:          m.Port,
			Username:      m.Username,
			Password:      m.Password,
			From:          strings.TrimSpace(m.From),
			Mode:          mode,
			RatePerSec:    m.RatePerSec,
			RetryMax:      m.RetryMax,
			RetryBase:     dur("mail.retry_base", m.RetryBase),
			RetryMaxDelay: dur("mail.retry_max_delay", m.RetryMaxDelay),
			SendTimeout:   dur("mail.send_timeout", m.SendTimeout),
		}
	}

	sc, err := ResolveStorage(cfg)
	if err != nil {
		errs = append(errs, err)
	}
	out.Storage = sc

	if h := cfg.HTTP; h != nil {
		out.HTTP = httpapi.Config{Enabled: h.Enabled, Addr: strings.TrimSpace(h.Addr), Token: strings.TrimSpace(h.Token), Pprof: h.Pprof}
	}

	if r := cfg.Redis; r != nil {
		if r.Enabled && strings.TrimSpace(r.URL) == "" {
			errs = append(errs, errors.New("redis.url: required when enabled"))
		}
		out.Redis = metrics.Config{Enabled: r.Enabled, URL: strings.TrimSpace(r.URL), Prefix: strings.TrimSpace(r.Prefix)}
	}

	if err := errors.Join(errs...); err != nil {
		return Resolved{}, err
	}
	return out, nil
}

// ResolveStorage converts only the storage section, for commands that need
// the store without the rest of the process.
func ResolveStorage(cfg *Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, errors.New("config is nil")
	}
	var errs []error
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
	case "postgres", "postgresql", "pgx":
		driver = "postgres"
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvDatabaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	busy, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: busy,
	}, nil
}
