package shardquery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1, Classifier: func(error) bool { return false }}
}

func TestShardExecutorRunSuccess(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	client := newFakeShardClient().withRows(shard, schemaOf(ColumnDescriptor{Name: "id"}), [][]any{{int64(1)}})

	exec := newShardExecutor(client, nil, fastRetryPolicy(), fastRetryPolicy(), PolicyComplete, EventHandlers{})
	mgr := newCancellationManager(context.Background(), PolicyComplete, 0)
	defer mgr.Dispose()

	outcome := exec.Run(context.Background(), shard, &CommandTemplate{SQLText: "SELECT 1"}, mgr)

	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}
	if outcome.Reader == nil || outcome.Reader.IsFailure() {
		t.Fatal("expected a successful labeled reader")
	}
}

func TestShardExecutorRunOpenFailure(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	openErr := errors.New("connection refused")
	client := newFakeShardClient().withOpenErr(shard, openErr)

	exec := newShardExecutor(client, nil, fastRetryPolicy(), fastRetryPolicy(), PolicyPartial, EventHandlers{})
	mgr := newCancellationManager(context.Background(), PolicyPartial, 0)
	defer mgr.Dispose()

	outcome := exec.Run(context.Background(), shard, &CommandTemplate{SQLText: "SELECT 1"}, mgr)

	if outcome.Cancelled {
		t.Error("expected a genuine failure, not a cancellation")
	}
	if outcome.Reader == nil || !outcome.Reader.IsFailure() {
		t.Fatal("expected a failure-case labeled reader under PolicyPartial")
	}
	if !IsKind(outcome.Reader.Err, KindShardExecution) {
		t.Errorf("expected KindShardExecution, got %v", outcome.Reader.Err)
	}
}

func TestShardExecutorRunExecFailureTriggersPolicyCancelUnderComplete(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	client := newFakeShardClient().withExecErr(shard, errors.New("syntax error"))

	exec := newShardExecutor(client, nil, fastRetryPolicy(), fastRetryPolicy(), PolicyComplete, EventHandlers{})
	mgr := newCancellationManager(context.Background(), PolicyComplete, 0)
	defer mgr.Dispose()

	outcome := exec.Run(context.Background(), shard, &CommandTemplate{SQLText: "SELECT 1"}, mgr)

	if outcome.Reader != nil {
		t.Error("expected no reader on a genuine failure under PolicyComplete")
	}
	if outcome.Err == nil {
		t.Fatal("expected an error")
	}
	select {
	case <-mgr.Token().Done():
	case <-time.After(time.Second):
		t.Error("expected the policy-cancel source to fire siblings under PolicyComplete")
	}
}

func TestShardExecutorRunCancellation(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	client := newFakeShardClient().withHang(shard)

	exec := newShardExecutor(client, nil, fastRetryPolicy(), fastRetryPolicy(), PolicyPartial, EventHandlers{})
	mgr := newCancellationManager(context.Background(), PolicyPartial, 20*time.Millisecond)
	defer mgr.Dispose()

	outcome := exec.Run(context.Background(), shard, &CommandTemplate{SQLText: "SELECT 1"}, mgr)

	if !outcome.Cancelled {
		t.Error("expected a cancelled outcome on timeout")
	}
	if !IsKind(outcome.Err, KindTimeout) {
		t.Errorf("expected KindTimeout on the cancelled outcome, got %v", outcome.Err)
	}
}

func TestFireGuardedRecoversPanic(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	err := fireGuarded(shard, func() { panic("boom") })

	if err == nil {
		t.Fatal("expected an error from a panicking handler")
	}
	if !IsKind(err, KindShardExecution) {
		t.Errorf("expected KindShardExecution, got %v", err)
	}
}

func TestFireGuardedNilHandlerIsNoop(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	if err := fireGuarded(shard, nil); err != nil {
		t.Errorf("expected nil error for nil handler, got %v", err)
	}
}
