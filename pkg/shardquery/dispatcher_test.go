package shardquery

import (
	"context"
	"errors"
	"testing"
)

func runDispatch(t *testing.T, policy ExecutionPolicy, client *fakeShardClient, shards []ShardEndpoint, opts ExecutionOptions) dispatchResult {
	t.Helper()
	d := newDispatcher(client, nil, fastRetryPolicy(), fastRetryPolicy(), policy, EventHandlers{})
	mgr := newCancellationManager(context.Background(), policy, 0)
	defer mgr.Dispose()

	jobs := make([]shardJob, len(shards))
	for i, s := range shards {
		jobs[i] = shardJob{Shard: s, Template: &CommandTemplate{SQLText: "SELECT id FROM t"}}
	}
	return d.Dispatch(context.Background(), jobs, mgr, opts)
}

func TestDispatchHappyPathBothShardsSucceed(t *testing.T) {
	a := ShardEndpoint{DataSource: "h1", Database: "d"}
	b := ShardEndpoint{DataSource: "h2", Database: "d"}
	schema := schemaOf(ColumnDescriptor{Name: "id", DeclaredType: "int4", MaxLength: -1})

	client := newFakeShardClient().
		withRows(a, schema, [][]any{{int64(1)}, {int64(2)}}).
		withRows(b, schema, [][]any{{int64(3)}})

	result := runDispatch(t, PolicyComplete, client, []ShardEndpoint{a, b}, ExecutionOptions{IncludeShardName: true})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Reader == nil {
		t.Fatal("expected a merged reader")
	}

	var got [][]any
	for {
		ok, err := result.Reader.Next(context.Background())
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if !ok {
			break
		}
		vals, err := result.Reader.Values(context.Background())
		if err != nil {
			t.Fatalf("Values() error: %v", err)
		}
		got = append(got, vals)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(got))
	}
	if got[0][1] != "h1/d" || got[2][1] != "h2/d" {
		t.Errorf("expected synthetic shard labels, got %v", got)
	}
}

func TestDispatchSchemaMismatchUnderComplete(t *testing.T) {
	a := ShardEndpoint{DataSource: "h1", Database: "d"}
	b := ShardEndpoint{DataSource: "h2", Database: "d"}

	client := newFakeShardClient().
		withRows(a, schemaOf(ColumnDescriptor{Name: "id", DeclaredType: "int4"}), [][]any{{int64(1)}}).
		withRows(b, schemaOf(ColumnDescriptor{Name: "id", DeclaredType: "text"}), [][]any{{"x"}})

	result := runDispatch(t, PolicyComplete, client, []ShardEndpoint{a, b}, ExecutionOptions{})

	if result.Reader != nil {
		t.Error("expected no merged reader on schema mismatch under PolicyComplete")
	}
	if !IsKind(result.Err, KindSchemaMismatch) {
		t.Errorf("expected KindSchemaMismatch, got %v", result.Err)
	}
}

func TestDispatchSchemaMismatchUnderPartial(t *testing.T) {
	a := ShardEndpoint{DataSource: "h1", Database: "d"}
	b := ShardEndpoint{DataSource: "h2", Database: "d"}

	client := newFakeShardClient().
		withRows(a, schemaOf(ColumnDescriptor{Name: "id", DeclaredType: "int4"}), [][]any{{int64(1)}}).
		withRows(b, schemaOf(ColumnDescriptor{Name: "id", DeclaredType: "text"}), [][]any{{"x"}})

	result := runDispatch(t, PolicyPartial, client, []ShardEndpoint{a, b}, ExecutionOptions{})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Reader == nil {
		t.Fatal("expected a merged reader under PolicyPartial")
	}

	var rows int
	for {
		ok, err := result.Reader.Next(context.Background())
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if !ok {
			break
		}
		rows++
	}
	if rows != 1 {
		t.Errorf("expected 1 surviving row from shard A, got %d", rows)
	}
	if len(result.Reader.MultiShardExceptions()) != 1 {
		t.Errorf("expected 1 collected exception, got %d", len(result.Reader.MultiShardExceptions()))
	}
}

func TestDispatchAllShardsFailUnderPartialSurfacesAggregate(t *testing.T) {
	a := ShardEndpoint{DataSource: "h1", Database: "d"}
	b := ShardEndpoint{DataSource: "h2", Database: "d"}

	client := newFakeShardClient().
		withExecErr(a, errors.New("boom a")).
		withExecErr(b, errors.New("boom b"))

	result := runDispatch(t, PolicyPartial, client, []ShardEndpoint{a, b}, ExecutionOptions{})

	if result.Reader != nil {
		t.Error("expected no merged reader when every shard fails")
	}
	var agg *AggregateError
	if !errors.As(result.Err, &agg) {
		t.Fatalf("expected *AggregateError, got %T: %v", result.Err, result.Err)
	}
	if len(agg.Errors) != 2 {
		t.Errorf("expected 2 aggregated errors, got %d", len(agg.Errors))
	}
}

func TestDispatchOneShardFaultUnderCompleteAbortsAll(t *testing.T) {
	a := ShardEndpoint{DataSource: "h1", Database: "d"}
	b := ShardEndpoint{DataSource: "h2", Database: "d"}

	client := newFakeShardClient().
		withRows(a, schemaOf(ColumnDescriptor{Name: "id"}), [][]any{{int64(1)}}).
		withExecErr(b, errors.New("boom"))

	result := runDispatch(t, PolicyComplete, client, []ShardEndpoint{a, b}, ExecutionOptions{})

	if result.Reader != nil {
		t.Error("expected no merged reader when any shard faults under PolicyComplete")
	}
	if result.Err == nil {
		t.Fatal("expected an error")
	}
}
