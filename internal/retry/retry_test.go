package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/nexus-edge/register-poller/internal/retry"
)

var errDial = errors.New("dial refused")

func TestPolicy_Backoff(t *testing.T) {
	p := retry.Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := (retry.Policy{InitialDelay: time.Millisecond}).Backoff(3); got != 4*time.Millisecond {
		t.Errorf("default multiplier should double, got %v", got)
	}
}

func TestPolicy_DoSucceedsAfterFailures(t *testing.T) {
	var delays []time.Duration
	p := retry.Exponential(5, time.Millisecond)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		delays = append(delays, delay)
	}

	calls := 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return errDial
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(delays) != 2 || delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("unexpected backoff sequence %v", delays)
	}
}

func TestPolicy_DoExhausts(t *testing.T) {
	calls := 0
	err := retry.Exponential(3, time.Millisecond).Do(context.Background(), func(int) error {
		calls++
		return errDial
	})
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
	if !errors.Is(err, domain.ErrMaxRetriesExceeded) || !errors.Is(err, errDial) {
		t.Errorf("expected exhaustion wrapping the last error, got %v", err)
	}
}

func TestPolicy_DoPermanent(t *testing.T) {
	calls := 0
	err := retry.Exponential(5, time.Millisecond).Do(context.Background(), func(int) error {
		calls++
		return retry.Permanent(errDial)
	})
	if calls != 1 {
		t.Errorf("permanent errors must not be retried, got %d calls", calls)
	}
	if !errors.Is(err, errDial) || errors.Is(err, domain.ErrMaxRetriesExceeded) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestPolicy_DoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := retry.Exponential(10, time.Hour)
	p.OnRetry = func(int, time.Duration, error) { cancel() }

	start := time.Now()
	err := p.Do(ctx, func(int) error { return errDial })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation must interrupt the backoff sleep")
	}
}

func TestPolicy_DoAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry.Exponential(3, time.Millisecond).Do(ctx, func(int) error {
		calls++
		return nil
	})
	if calls != 0 || !errors.Is(err, context.Canceled) {
		t.Errorf("expected no calls and context.Canceled, got %d calls, %v", calls, err)
	}
}
