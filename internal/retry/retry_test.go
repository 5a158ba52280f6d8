package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialWait: time.Millisecond, Linear: true}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("transient"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialWait: time.Millisecond, Linear: true}

	fatal := errors.New("bad request")
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected the original error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-retryable errors must not be retried, got %d calls", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialWait: time.Millisecond, Linear: true}

	calls := 0
	last := Retryable(errors.New("still down"))
	err := Do(context.Background(), cfg, func() error {
		calls++
		return last
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if !errors.Is(err, last) {
		t.Fatalf("expected the last error, got %v", err)
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	cfg := Config{MaxAttempts: 0, InitialWait: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error {
			calls++
			return Retryable(errors.New("transient"))
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call before cancel, got %d", calls)
	}
}

func TestDoWithResult(t *testing.T) {
	cfg := Config{MaxAttempts: 2, InitialWait: time.Millisecond, Linear: true}

	calls := 0
	v, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		if calls == 1 {
			return 0, Retryable(errors.New("transient"))
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v)", v, err)
	}
}

func TestWaitLinear(t *testing.T) {
	cfg := Config{InitialWait: 300 * time.Millisecond, MaxWait: time.Second, Linear: true}

	if w := wait(cfg, 1); w != 300*time.Millisecond {
		t.Errorf("attempt 1 wait = %v", w)
	}
	if w := wait(cfg, 2); w != 600*time.Millisecond {
		t.Errorf("attempt 2 wait = %v", w)
	}
	// Capped at MaxWait.
	if w := wait(cfg, 10); w != time.Second {
		t.Errorf("attempt 10 wait = %v", w)
	}
}

func TestWaitExponential(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Multiplier: 2}

	if w := wait(cfg, 1); w != 100*time.Millisecond {
		t.Errorf("attempt 1 wait = %v", w)
	}
	if w := wait(cfg, 3); w != 400*time.Millisecond {
		t.Errorf("attempt 3 wait = %v", w)
	}
	if w := wait(cfg, 20); w != time.Second {
		t.Errorf("attempt 20 wait = %v", w)
	}
}

func TestRetryableWrapping(t *testing.T) {
	base := errors.New("boom")
	wrapped := Retryable(base)
	if !IsRetryable(wrapped) {
		t.Error("wrapped error must be retryable")
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapping must preserve errors.Is")
	}
	if IsRetryable(base) {
		t.Error("plain errors must not be retryable")
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) must be nil")
	}
}
