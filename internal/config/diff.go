package config

import (
	"reflect"
	"sort"
	"strings"

	logx "triggerd/pkg/logx"
)

// Sections applied without a restart. Every other section is read once at
// startup.
var liveSections = map[string]bool{"logging": true, "mail": true}

// SummarizeChange returns the changed sections in sorted order and safe
// attrs for logging. Secrets (executor secret, mail password, DSN, HTTP
// token) are only reported as set or unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.execution_timeout", newCfg.Scheduler.ExecutionTimeout),
			logx.String("scheduler.overlap", newCfg.Scheduler.Overlap),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.base_url", strings.TrimSpace(newCfg.Executor.BaseURL)),
			logx.Bool("executor.secret_set", newCfg.Executor.Secret != ""),
			logx.String("executor.timeout", newCfg.Executor.Timeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Mail, newCfg.Mail) {
		changed = append(changed, "mail")
		n := derefMail(newCfg.Mail)
		attrs = append(attrs,
			logx.Bool("mail.enabled", n.Enabled),
			logx.String("mail.host", n.Host),
			logx.String("mail.mode", n.Mode),
			logx.Int("mail.rate_per_sec", n.RatePerSec),
			logx.Bool("mail.password_set", n.Password != ""),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		var h HTTPConfig
		if newCfg.HTTP != nil {
			h = *newCfg.HTTP
		}
		attrs = append(attrs,
			logx.Bool("http.enabled", h.Enabled),
			logx.String("http.addr", h.Addr),
			logx.Bool("http.token_set", h.Token != ""),
			logx.Bool("http.pprof", h.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
		enabled := newCfg.Redis != nil && newCfg.Redis.Enabled
		attrs = append(attrs, logx.Bool("redis.enabled", enabled))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed sections down to those that only take
// effect after a process restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefMail(m *MailConfig) MailConfig {
	if m == nil {
		return MailConfig{}
	}
	return *m
}
