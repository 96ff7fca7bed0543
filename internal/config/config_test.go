package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
  execution_timeout: 2m
  overlap: allow
executor:
  base_url: http://exec:8000
  secret: shh
mail:
  enabled: true
  host: smtp.example.com
  from: bot@example.com
  retry_base: 250ms
storage:
  driver: sqlite
  path: ./data/triggerd.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestParseYAMLAndResolve(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	r, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Scheduler.Timezone != "UTC" || r.Scheduler.ExecutionTimeout != 2*time.Minute || r.Scheduler.Overlap != "allow" {
		t.Fatalf("scheduler = %+v", r.Scheduler)
	}
	if r.Executor.BaseURL != "http://exec:8000" || r.Executor.Secret != "shh" {
		t.Fatalf("executor = %+v", r.Executor)
	}
	if !r.Mail.Enabled || r.Mail.RetryBase != 250*time.Millisecond {
		t.Fatalf("mail = %+v", r.Mail)
	}
	if r.Storage.Driver != "sqlite" || r.Logging.Level != "debug" {
		t.Fatalf("storage = %+v logging = %+v", r.Storage, r.Logging)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit the config")
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{"unknown json key", "c.json", `{"executor":{"base_url":"x"},"telegram":{}}`},
		{"unknown yaml key", "c.yaml", "executor:\n  base_url: x\n  retries: 3\n"},
		{"trailing json", "c.json", `{"executor":{"base_url":"x"}} {}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatal("expected decode error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		EnvTimezone:       "Europe/Berlin",
		EnvExecutorURL:    "http://fast:9000",
		EnvExecutorSecret: "k",
		EnvDatabaseURL:    "postgres://u@db/triggerd",
	}
	cfg := &Config{Executor: ExecutorConfig{BaseURL: "http://file"}}
	ApplyEnv(cfg, func(k string) string { return env[k] })
	if cfg.Scheduler.Timezone != "Europe/Berlin" || cfg.Executor.BaseURL != "http://fast:9000" || cfg.Executor.Secret != "k" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != env[EnvDatabaseURL] {
		t.Fatalf("storage = %+v", cfg.Storage)
	}

	explicit := &Config{Storage: StorageConfig{Driver: "sqlite"}}
	ApplyEnv(explicit, func(k string) string { return env[k] })
	if explicit.Storage.Driver != "sqlite" {
		t.Fatalf("explicit driver overridden: %+v", explicit.Storage)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()
	base := func() *Config { return &Config{Executor: ExecutorConfig{BaseURL: "http://x"}} }
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing executor", func(c *Config) { c.Executor.BaseURL = "" }, "executor.base_url"},
		{"bad duration", func(c *Config) { c.Scheduler.ExecutionTimeout = "soon" }, "scheduler.execution_timeout"},
		{"negative duration", func(c *Config) { c.Executor.Timeout = "-1s" }, "executor.timeout"},
		{"bad overlap", func(c *Config) { c.Scheduler.Overlap = "queue" }, "scheduler.overlap"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"postgres needs dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"mail needs host", func(c *Config) { c.Mail = &MailConfig{Enabled: true, From: "a@b"} }, "mail"},
		{"redis needs url", func(c *Config) { c.Redis = &RedisConfig{Enabled: true} }, "redis.url"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			_, err := Resolve(c)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Resolve = %v, want mention of %q", err, tt.want)
			}
		})
	}
	if _, err := Resolve(base()); err != nil {
		t.Fatalf("minimal config: %v", err)
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Executor: ExecutorConfig{BaseURL: "http://x", Secret: "one"}}
	newCfg := &Config{
		Executor: ExecutorConfig{BaseURL: "http://x", Secret: "two"},
		Logging:  LoggingConfig{Level: "debug"},
		HTTP:     &HTTPConfig{Enabled: true, Token: "tok"},
	}
	changed, _ := SummarizeChange(oldCfg, newCfg)
	if want := []string{"executor", "http", "logging"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if got := RestartRequired(changed); !reflect.DeepEqual(got, []string{"executor", "http"}) {
		t.Fatalf("RestartRequired = %v", got)
	}
	if changed, _ := SummarizeChange(oldCfg, oldCfg); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	path := writeFile(t, "config.json", `{"executor":{"base_url":"http://a"}}`)
	m := NewManager(path)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Executor.BaseURL == "http://rejected" {
			return errors.New("nope")
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = m.Watch(ctx); close(done) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"executor":{"base_url":"http://rejected"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-ch:
		t.Fatalf("rejected config published: %+v", c.Executor)
	case <-time.After(600 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte(`{"executor":{"base_url":"http://b"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-ch:
		if c.Executor.BaseURL != "http://b" || m.Get().Executor.BaseURL != "http://b" {
			t.Fatalf("published %+v", c.Executor)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
	cancel()
	<-done
}
