package shardquery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteRetriesTransientErrors(t *testing.T) {
	attempts := 0
	policy := &RetryPolicy{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		Classifier:  func(error) bool { return true },
	}

	result, err := Execute(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %d, want 42", result)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestExecuteStopsOnNonTransientError(t *testing.T) {
	attempts := 0
	policy := &RetryPolicy{
		MaxAttempts: 5,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		Classifier:  func(error) bool { return false },
	}

	permanent := errors.New("permanent")
	_, err := Execute(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		attempts++
		return 0, permanent
	})

	if !errors.Is(err, permanent) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on non-transient error)", attempts)
	}
}

func TestExecuteHonorsTokenCancellation(t *testing.T) {
	token, cancel := context.WithCancel(context.Background())
	cancel()

	policy := &RetryPolicy{MaxAttempts: 3, Classifier: func(error) bool { return true }}
	_, err := Execute(token, policy, func(ctx context.Context, attempt int) (int, error) {
		return 0, errors.New("transient")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestExecuteExhaustsMaxAttempts(t *testing.T) {
	attempts := 0
	policy := &RetryPolicy{
		MaxAttempts: 3,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		Classifier:  func(error) bool { return true },
	}

	_, err := Execute(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		attempts++
		return 0, errors.New("always transient")
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	backoff := exponentialBackoff(100*time.Millisecond, 250*time.Millisecond)
	if got := backoff(0); got != 100*time.Millisecond {
		t.Errorf("backoff(0) = %v, want 100ms", got)
	}
	if got := backoff(10); got != 250*time.Millisecond {
		t.Errorf("backoff(10) = %v, want capped at 250ms", got)
	}
}

func TestDefaultTransientClassifierDeadlineExceeded(t *testing.T) {
	if !DefaultTransientClassifier(context.DeadlineExceeded) {
		t.Error("expected context.DeadlineExceeded to classify as transient")
	}
	if DefaultTransientClassifier(errors.New("random error")) {
		t.Error("expected an unrelated error to classify as non-transient")
	}
	if DefaultTransientClassifier(nil) {
		t.Error("expected nil to classify as non-transient")
	}
}
