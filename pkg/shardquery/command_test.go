package shardquery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestConnection(client ShardClient, shards ...ShardEndpoint) *MultiShardConnection {
	conn, err := NewMultiShardConnection(shards, ConnectionTemplate{}, client, nil)
	if err != nil {
		panic(err)
	}
	return conn
}

func TestNewMultiShardConnectionRejectsEmptyShardList(t *testing.T) {
	_, err := NewMultiShardConnection(nil, ConnectionTemplate{}, newFakeShardClient(), nil)
	if !errors.Is(err, ErrEmptyShardList) {
		t.Errorf("expected ErrEmptyShardList, got %v", err)
	}
}

func TestNewMultiShardConnectionRejectsPresetDataSource(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	_, err := NewMultiShardConnection([]ShardEndpoint{shard}, ConnectionTemplate{DataSource: "h0"}, newFakeShardClient(), nil)
	if !errors.Is(err, ErrTemplatePreset) {
		t.Errorf("expected ErrTemplatePreset, got %v", err)
	}
}

func TestNewMultiShardConnectionRejectsPresetDatabase(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	_, err := NewMultiShardConnection([]ShardEndpoint{shard}, ConnectionTemplate{Database: "d0"}, newFakeShardClient(), nil)
	if !errors.Is(err, ErrTemplatePreset) {
		t.Errorf("expected ErrTemplatePreset, got %v", err)
	}
}

func TestCommandExecuteReaderHappyPath(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	client := newFakeShardClient().withRows(shard, schemaOf(ColumnDescriptor{Name: "id"}), [][]any{{int64(1)}})
	conn := newTestConnection(client, shard)

	cmd := NewCommand(conn, "SELECT id FROM t", 0)
	cmd.ConnRetry = fastRetryPolicy()
	cmd.CmdRetry = fastRetryPolicy()

	reader, err := cmd.ExecuteReader(context.Background(), BehaviorDefault)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reader == nil {
		t.Fatal("expected a merged reader")
	}
}

func TestCommandRejectsUnsupportedBehavior(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	conn := newTestConnection(newFakeShardClient(), shard)
	cmd := NewCommand(conn, "SELECT 1", 0)

	_, err := cmd.ExecuteReader(context.Background(), BehaviorSingleRow)
	if !errors.Is(err, ErrUnsupportedBehavior) {
		t.Errorf("expected ErrUnsupportedBehavior, got %v", err)
	}
}

func TestCommandRejectsConcurrentExecute(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	client := newFakeShardClient().withHang(shard)
	conn := newTestConnection(client, shard)

	cmd := NewCommand(conn, "SELECT 1", 0)
	cmd.ConnRetry = fastRetryPolicy()
	cmd.CmdRetry = fastRetryPolicy()

	var wg sync.WaitGroup
	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		cmd.ExecuteReader(context.Background(), BehaviorDefault)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := cmd.ExecuteReader(context.Background(), BehaviorDefault)
	if !errors.Is(err, ErrPendingOperation) {
		t.Errorf("expected ErrPendingOperation, got %v", err)
	}

	cmd.Cancel()
	wg.Wait()
}

func TestCommandExplicitCancelThenReexecuteSucceeds(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	client := newFakeShardClient().withHang(shard)
	conn := newTestConnection(client, shard)

	cmd := NewCommand(conn, "SELECT 1", 0)
	cmd.ConnRetry = fastRetryPolicy()
	cmd.CmdRetry = fastRetryPolicy()

	done := make(chan struct{})
	go func() {
		cmd.ExecuteReader(context.Background(), BehaviorDefault)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cmd.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the first execute to resolve after cancel")
	}

	delete(client.hang, shard.String())
	client.withRows(shard, schemaOf(ColumnDescriptor{Name: "id"}), [][]any{{int64(1)}})

	if _, err := cmd.ExecuteReader(context.Background(), BehaviorDefault); err != nil {
		t.Errorf("expected the same command to execute cleanly after cancel, got %v", err)
	}
}

func TestCommandUnsupportedOperations(t *testing.T) {
	shard := ShardEndpoint{DataSource: "h1", Database: "d"}
	conn := newTestConnection(newFakeShardClient(), shard)
	cmd := NewCommand(conn, "SELECT 1", 0)

	if _, err := cmd.ExecuteScalar(context.Background()); !errors.Is(err, ErrNotSupported) {
		t.Errorf("ExecuteScalar: expected ErrNotSupported, got %v", err)
	}
	if _, err := cmd.ExecuteNonQuery(context.Background()); !errors.Is(err, ErrNotSupported) {
		t.Errorf("ExecuteNonQuery: expected ErrNotSupported, got %v", err)
	}
	if err := cmd.Prepare(context.Background()); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Prepare: expected ErrNotSupported, got %v", err)
	}
	if err := cmd.BeginTx(context.Background()); !errors.Is(err, ErrNotSupported) {
		t.Errorf("BeginTx: expected ErrNotSupported, got %v", err)
	}
}
