package shardquery

import (
	"context"
	"errors"
	"sync"
)

// fakeRowReader is an in-memory RowReader backing fakeShardClient.
type fakeRowReader struct {
	mu     sync.Mutex
	schema SchemaTable
	rows   [][]any
	pos    int
	closed bool

	hangOnNext bool
	failAt     int // index at which Next should fail, -1 disables
	failErr    error
}

func newFakeRowReader(schema SchemaTable, rows [][]any) *fakeRowReader {
	return &fakeRowReader{schema: schema, rows: rows, failAt: -1}
}

func (f *fakeRowReader) Next(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hangOnNext {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if f.failAt >= 0 && f.pos == f.failAt {
		return false, f.failErr
	}
	if f.pos >= len(f.rows) {
		return false, nil
	}
	f.pos++
	return true, nil
}

func (f *fakeRowReader) Values() ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos == 0 || f.pos > len(f.rows) {
		return nil, errors.New("no current row")
	}
	return f.rows[f.pos-1], nil
}

func (f *fakeRowReader) SchemaTable() (SchemaTable, error) {
	return f.schema, nil
}

func (f *fakeRowReader) PeekHasRows(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos < len(f.rows), nil
}

func (f *fakeRowReader) NextResultSet(ctx context.Context) (bool, error) {
	return false, nil
}

func (f *fakeRowReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeConnection struct {
	shard  ShardEndpoint
	closed bool
}

func (c *fakeConnection) Close() error {
	c.closed = true
	return nil
}

// fakeShardClient maps each shard to a scripted outcome: either a
// ready reader with given rows, or an error to return from Open/Clone.
type fakeShardClient struct {
	mu sync.Mutex

	openErr  map[string]error
	rows     map[string][][]any
	schema   map[string]SchemaTable
	execErr  map[string]error
	hang     map[string]bool
	opened   map[string]int
}

func newFakeShardClient() *fakeShardClient {
	return &fakeShardClient{
		openErr: map[string]error{},
		rows:    map[string][][]any{},
		schema:  map[string]SchemaTable{},
		execErr: map[string]error{},
		hang:    map[string]bool{},
		opened:  map[string]int{},
	}
}

func (c *fakeShardClient) withRows(shard ShardEndpoint, schema SchemaTable, rows [][]any) *fakeShardClient {
	c.rows[shard.String()] = rows
	c.schema[shard.String()] = schema
	return c
}

func (c *fakeShardClient) withOpenErr(shard ShardEndpoint, err error) *fakeShardClient {
	c.openErr[shard.String()] = err
	return c
}

func (c *fakeShardClient) withExecErr(shard ShardEndpoint, err error) *fakeShardClient {
	c.execErr[shard.String()] = err
	return c
}

func (c *fakeShardClient) withHang(shard ShardEndpoint) *fakeShardClient {
	c.hang[shard.String()] = true
	return c
}

func (c *fakeShardClient) Open(ctx context.Context, endpoint ShardEndpoint) (ShardConnection, error) {
	c.mu.Lock()
	c.opened[endpoint.String()]++
	c.mu.Unlock()
	if err, ok := c.openErr[endpoint.String()]; ok {
		return nil, err
	}
	return &fakeConnection{shard: endpoint}, nil
}

func (c *fakeShardClient) Clone(template *CommandTemplate, conn ShardConnection) (ShardCommand, error) {
	fc, ok := conn.(*fakeConnection)
	if !ok {
		return nil, errors.New("fakeShardClient: conn is not a *fakeConnection")
	}
	return &fakeCloneCommand{client: c, template: template, shard: fc.shard}, nil
}

// fakeCloneCommand resolves the scripted per-shard outcome (rows,
// schema, exec error, or hang) from the shard recovered off its bound
// *fakeConnection.
type fakeCloneCommand struct {
	client    *fakeShardClient
	template  *CommandTemplate
	shard     ShardEndpoint
	cancelled bool
	closed    bool
}

func (c *fakeCloneCommand) ExecuteReader(ctx context.Context) (RowReader, SchemaTable, error) {
	key := c.shard.String()
	if c.client.hang[key] {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	if err, ok := c.client.execErr[key]; ok {
		return nil, nil, err
	}
	schema := c.client.schema[key]
	rows := c.client.rows[key]
	r := newFakeRowReader(schema, rows)
	return r, schema, nil
}

func (c *fakeCloneCommand) Cancel()      { c.cancelled = true }
func (c *fakeCloneCommand) Close() error { c.closed = true; return nil }
