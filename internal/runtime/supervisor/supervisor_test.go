package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanicAndCancelsOnError(t *testing.T) {
	t.Parallel()

	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go("boom", func(context.Context) error { panic("kaboom") })

	select {
	case <-sup.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context should be canceled after panic")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err == nil {
		t.Fatal("Wait should surface the panic as an error")
	}
	if sup.Panics() != 1 {
		t.Fatalf("Panics = %d, want 1", sup.Panics())
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if len(sup.Active()) != 0 {
		t.Fatalf("Active = %v, want none", sup.Active())
	}
}

func TestStopWaitsForCanceledGoroutines(t *testing.T) {
	t.Parallel()

	sup := New(context.Background())
	sup.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v, want nil for a clean cancel", err)
	}
}
