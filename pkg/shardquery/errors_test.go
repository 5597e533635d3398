package shardquery

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessageIncludesShardAndCause(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h", Database: "d"}
	cause := fmt.Errorf("connection refused")
	err := newShardError(shard, "failed to open", cause)

	msg := err.Error()
	if !containsAll(msg, "shard-execution", "h/d", "failed to open", "connection refused") {
		t.Errorf("Error() = %q, missing expected substrings", msg)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := newError(KindConfiguration, nil, "bad config", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestIsKind(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h", Database: "d"}
	err := newShardError(shard, "boom", nil)
	wrapped := fmt.Errorf("context: %w", err)

	if !IsKind(wrapped, KindShardExecution) {
		t.Error("expected IsKind to match through fmt.Errorf wrapping")
	}
	if IsKind(wrapped, KindTimeout) {
		t.Error("expected IsKind to not match an unrelated kind")
	}
}

func TestAggregateErrorSingleUnwraps(t *testing.T) {
	only := errors.New("only error")
	got := newAggregateError([]error{only})
	if got != only {
		t.Errorf("newAggregateError with one error should return it directly, got %v", got)
	}
}

func TestAggregateErrorMultiple(t *testing.T) {
	e1 := errors.New("first")
	e2 := errors.New("second")
	got := newAggregateError([]error{e1, e2})

	agg, ok := got.(*AggregateError)
	if !ok {
		t.Fatalf("expected *AggregateError, got %T", got)
	}
	if len(agg.Errors) != 2 {
		t.Errorf("expected 2 errors, got %d", len(agg.Errors))
	}
	unwrapped := agg.Unwrap()
	if len(unwrapped) != 2 {
		t.Errorf("Unwrap() len = %d, want 2", len(unwrapped))
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
