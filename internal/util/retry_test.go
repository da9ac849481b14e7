package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Jitter:       false,
		IsRetryable:  func(error) bool { return true },
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	got, err := Retry(context.Background(), fastConfig(5), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("connection reset")
	_, err := Retry(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	cfg := fastConfig(5)
	cfg.IsRetryable = IsTransientError
	_, err := Retry(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, errors.New("process not found")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, fastConfig(3), func() (int, error) {
		return 0, errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestIsTransientError(t *testing.T) {
	transient := []string{
		"dial tcp: connection refused",
		"read: connection reset by peer",
		"unexpected EOF",
		"write: broken pipe",
	}
	for _, msg := range transient {
		if !IsTransientError(errors.New(msg)) {
			t.Errorf("%q should be transient", msg)
		}
	}

	if IsTransientError(nil) {
		t.Error("nil error is not transient")
	}
	if IsTransientError(errors.New("process not found")) {
		t.Error("'not found' is not transient")
	}
}
