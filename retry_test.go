package traceagent

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	policy := newRetryPolicy(3, time.Second)
	policy.sleep = func(time.Duration) { t.Fatal("no sleep expected on first-attempt success") }

	calls := 0
	err := policy.do(context.Background(), func() (bool, error) {
		calls++
		return false, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	policy := newRetryPolicy(3, time.Second)
	sleeps := 0
	policy.sleep = func(d time.Duration) {
		if d != time.Second {
			t.Fatalf("unexpected backoff %s", d)
		}
		sleeps++
	}

	calls := 0
	err := policy.do(context.Background(), func() (bool, error) {
		calls++
		return true, errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected the last error")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if sleeps != 2 {
		t.Fatalf("expected 2 sleeps between attempts, got %d", sleeps)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	policy := newRetryPolicy(5, 0)
	calls := 0
	err := policy.do(context.Background(), func() (bool, error) {
		calls++
		return false, errors.New("terminal")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("non-retryable failure must stop immediately, got %d calls", calls)
	}
}

func TestRetryStopsOnCanceledContext(t *testing.T) {
	policy := newRetryPolicy(5, 0)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := policy.do(ctx, func() (bool, error) {
		calls++
		cancel()
		return true, errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("canceled context must stop further attempts, got %d calls", calls)
	}
}

func TestRetryNormalizesAttemptFloor(t *testing.T) {
	policy := newRetryPolicy(0, time.Second)
	calls := 0
	_ = policy.do(context.Background(), func() (bool, error) {
		calls++
		return true, errors.New("transient")
	})
	if calls != 1 {
		t.Fatalf("zero attempts must normalize to one, got %d", calls)
	}
}
