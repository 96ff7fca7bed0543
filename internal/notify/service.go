package notify

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"triggerd/internal/eventbus"
	logx "triggerd/pkg/logx"

	"golang.org/x/time/rate"
)

var ErrNoSender = errors.New("notify: no sender configured")

const historySize = 300

// Service delivers messages through a Sender with rate limiting and bounded
// retry. Send blocks until the message is delivered or retries run out.
//
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem
}

func NewService(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

// Apply swaps rate and retry settings. The sender is kept.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg = cfg
	// Burst equals the per-second rate so short spikes do not block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Send(ctx context.Context, m Message) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return ErrNoSender
	}

	maxAttempts := 1 + cfg.RetryMax
	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sender.Send(callCtx, m)
		cancel()
		if err == nil {
			s.record(m, attempt, nil)
			return nil
		}
		lastErr = err
		s.log.Debug("mail send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			s.record(m, attempt, ctx.Err())
			return ctx.Err()
		}
	}
	s.record(m, attempts, lastErr)
	return lastErr
}

func (s *Service) record(m Message, attempts int, err error) {
	now := time.Now()
	item := HistoryItem{At: now, To: m.To, Subject: m.Subject}
	ev := NotificationEvent{To: m.To, Subject: m.Subject, Attempts: attempts, At: now}
	typ := eventbus.NotificationSent
	if err != nil {
		item.Error = err.Error()
		ev.Error = err.Error()
		typ = eventbus.NotificationFailed
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()

	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) capped at the
// max delay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	maxD := cfg.RetryMaxDelay
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
