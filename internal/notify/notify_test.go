package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"triggerd/internal/eventbus"
	logx "triggerd/pkg/logx"
)

type flakySender struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []Message
}

func (f *flakySender) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("smtp: 421 try again")
	}
	f.sent = append(f.sent, m)
	return nil
}

func fastConfig(retries int) Config {
	return Config{RatePerSec: 1000, RetryMax: retries, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestServiceRetriesUntilDelivered(t *testing.T) {
	t.Parallel()
	snd := &flakySender{failures: 2}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	svc := NewService(fastConfig(3), snd, logx.Nop(), bus)
	if err := svc.Send(context.Background(), Message{To: "a@example.com", Subject: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if snd.calls != 3 || len(snd.sent) != 1 {
		t.Fatalf("calls=%d sent=%d", snd.calls, len(snd.sent))
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.NotificationSent {
			t.Fatalf("event = %s", ev.Type)
		}
		if ne := ev.Data.(NotificationEvent); ne.Attempts != 3 {
			t.Fatalf("attempts = %d", ne.Attempts)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestServiceGivesUp(t *testing.T) {
	t.Parallel()
	snd := &flakySender{failures: 10}
	svc := NewService(fastConfig(1), snd, logx.Nop(), nil)

	if err := svc.Send(context.Background(), Message{To: "a@example.com", Subject: "hi"}); err == nil {
		t.Fatal("expected error")
	}
	if snd.calls != 2 {
		t.Fatalf("calls = %d, want 2", snd.calls)
	}
	hist := svc.Snapshot()
	if len(hist) != 1 || hist[0].Error == "" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestServiceWithoutSender(t *testing.T) {
	t.Parallel()
	svc := NewService(Config{}, nil, logx.Nop(), nil)
	if err := svc.Send(context.Background(), Message{To: "x"}); !errors.Is(err, ErrNoSender) {
		t.Fatalf("err = %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
}

func TestRenderFallbacks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		render func() (string, error)
		want   []string
	}{
		{
			name:   "completed without output",
			render: func() (string, error) { return RenderCompleted("Asha", "Report", "120ms", nil) },
			want:   []string{"Great news, Asha!", "Report", "120ms", noOutputText},
		},
		{
			name:   "completed pretty json",
			render: func() (string, error) { return RenderCompleted("Asha", "Report", "", json.RawMessage(`{"a":1}`)) },
			want:   []string{"{\n  &#34;a&#34;: 1\n}", "Unknown"},
		},
		{
			name:   "failed default message",
			render: func() (string, error) { return RenderFailed("Asha", "Report", "5ms", "") },
			want:   []string{"Hello Asha,", unknownErrorText},
		},
		{
			name: "starting",
			render: func() (string, error) {
				return RenderStarting("Asha", "Report", "Monday, March 4, 2024 at 9:30 AM IST")
			},
			want: []string{"Workflow Execution Starting", "Monday, March 4, 2024 at 9:30 AM IST"},
		},
		{
			name:   "escapes user values",
			render: func() (string, error) { return RenderFailed("<b>x</b>", "Report", "1ms", "<script>") },
			want:   []string{"&lt;b&gt;x&lt;/b&gt;", "&lt;script&gt;"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			html, err := tt.render()
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(html, w) {
					t.Fatalf("output missing %q", w)
				}
			}
		})
	}
}

func TestFormatOutput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"", noOutputText},
		{"null", noOutputText},
		{`"done"`, "done"},
		{`[1,2]`, "[\n  1,\n  2\n]"},
	}
	for _, tt := range tests {
		if got := FormatOutput(json.RawMessage(tt.in)); got != tt.want {
			t.Fatalf("FormatOutput(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewSMTPSenderValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewSMTPSender(Config{From: "a@b"}); err == nil {
		t.Fatal("expected missing host error")
	}
	if _, err := NewSMTPSender(Config{Host: "smtp.example.com", From: "a@b", Mode: "carrier-pigeon"}); err == nil {
		t.Fatal("expected mode error")
	}
	if _, err := NewSMTPSender(Config{Host: "smtp.example.com", From: "a@b"}); err != nil {
		t.Fatalf("valid config: %v", err)
	}
}

func TestBuildMIMEEncodesSubject(t *testing.T) {
	t.Parallel()
	b := string(buildMIME("from@example.com", Message{To: "to@example.com", Subject: "🚀 Workflow Starting: Report", HTML: "<p>x</p>"}))
	if !strings.Contains(b, "Subject: =?utf-8?q?") {
		t.Fatalf("subject not encoded: %q", b)
	}
	if !strings.HasSuffix(b, "\r\n\r\n<p>x</p>") {
		t.Fatalf("body not separated: %q", b)
	}
}
