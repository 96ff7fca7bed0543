package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"triggerd/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func minimalConfig(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "triggerd.db")
	return fmt.Sprintf(`{
  "logging": {"level": "error"},
  "scheduler": {"timezone": "UTC"},
  "executor": {"base_url": "http://127.0.0.1:1"},
  "storage": {"driver": "sqlite", "path": %q}
}`, db)
}

func TestStartStop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv(config.EnvDatabaseURL, "")
	t.Setenv(config.EnvExecutorURL, "")
	t.Setenv(config.EnvTimezone, "")

	ctx := context.Background()
	a, err := New(ctx, writeConfig(t, minimalConfig(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.http != nil || a.recorder != nil {
		t.Fatal("http and metrics should be disabled by default")
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}
	st := a.Scheduler().Status()
	if !st.Initialized || st.Timezone != "UTC" {
		t.Fatalf("status = %+v", st)
	}
	if !a.Engine().Snapshot().Running {
		t.Fatal("engine should be running")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Scheduler().Status().Initialized {
		t.Fatal("scheduler should be shut down")
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Setenv(config.EnvExecutorURL, "")
	_, err := New(context.Background(), writeConfig(t, `{"storage":{"driver":"sqlite","path":":memory:"}}`))
	if err == nil || !strings.Contains(err.Error(), "executor.base_url") {
		t.Fatalf("New = %v", err)
	}
}

func TestApplyConfigLiveSections(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	t.Setenv(config.EnvExecutorURL, "")
	t.Setenv(config.EnvTimezone, "")

	a, err := New(context.Background(), writeConfig(t, minimalConfig(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	oldCfg := a.cfgm.Get()
	next := *oldCfg
	next.Logging.Level = "debug"
	next.Mail = &config.MailConfig{RatePerSec: 9}
	next.Scheduler.Timezone = "Asia/Tokyo"
	a.applyConfig(oldCfg, &next)

	if got := a.Config(); got.Logging.Level != "debug" || got.Mail.RatePerSec != 9 {
		t.Fatalf("live sections not applied: %+v %+v", got.Logging, got.Mail)
	}
	if loc := a.Scheduler().Location().String(); loc != "UTC" {
		t.Fatalf("timezone must not change without restart, got %s", loc)
	}
}

func TestConfigReadsDuringReload(t *testing.T) {
	t.Setenv(config.EnvDatabaseURL, "")
	t.Setenv(config.EnvExecutorURL, "")
	t.Setenv(config.EnvTimezone, "")

	a, err := New(context.Background(), writeConfig(t, minimalConfig(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
				_ = a.Config().Logging.Level
			}
		}
	}()

	prev := a.cfgm.Get()
	for i := 0; i < 50; i++ {
		next := *prev
		next.Logging.Level = []string{"debug", "error"}[i%2]
		a.applyConfig(prev, &next)
		prev = &next
	}
	close(stop)
	<-readerDone
	if got := a.Config().Logging.Level; got != "error" {
		t.Fatalf("level = %q, want error", got)
	}
}
