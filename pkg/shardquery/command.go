package shardquery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPerShardTimeout and DefaultOverallTimeout are the factory
// defaults described in spec §4.8. A zero overall timeout disables
// timeout arming entirely ("no overall limit").
const (
	DefaultPerShardTimeout = 30 * time.Second
	DefaultOverallTimeout  = 300 * time.Second
)

// CommandBehavior restricts how a reader is produced. Only
// BehaviorDefault is supported; the others all imply closing the
// connection at the client layer, which the engine cannot honor since
// a connection is shared across retries and owned by the labeled
// reader, not by the caller.
type CommandBehavior int

const (
	BehaviorDefault CommandBehavior = iota
	BehaviorCloseConnection
	BehaviorSingleRow
	BehaviorSingleResult
)

// ConnectionTemplate is the per-invocation connection shape shared by
// every shard: DataSource and Database must be left unset here since
// they are substituted per shard at dispatch time, per spec §6.
// Setting either is rejected by NewMultiShardConnection.
type ConnectionTemplate struct {
	Protocol   string
	Port       int
	DataSource string
	Database   string
}

// MultiShardConnection is the validated (shards, connection template)
// pair a Command is built against. Constructing it copies the
// template's protocol/port onto every shard that doesn't already
// specify one (the application-name suffix is added later, by
// SQLShardClient when it builds each connection string); it does not
// itself dial anything
// (actual per-shard connections are opened lazily, once per dispatch
// attempt, by the shard client).
type MultiShardConnection struct {
	Shards []ShardEndpoint
	Client ShardClient
	Logger *zap.Logger
}

// NewMultiShardConnection validates shards and the connection template
// and returns the connection handle Commands are created against.
func NewMultiShardConnection(shards []ShardEndpoint, tmpl ConnectionTemplate, client ShardClient, logger *zap.Logger) (*MultiShardConnection, error) {
	if len(shards) == 0 {
		return nil, ErrEmptyShardList
	}
	if tmpl.DataSource != "" || tmpl.Database != "" {
		return nil, ErrTemplatePreset
	}

	resolved := make([]ShardEndpoint, len(shards))
	for i, s := range shards {
		if s.Protocol == "" {
			s.Protocol = tmpl.Protocol
		}
		if s.Port == 0 {
			s.Port = tmpl.Port
		}
		resolved[i] = s
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiShardConnection{Shards: resolved, Client: client, Logger: logger}, nil
}

// Command is the public multi-shard command: spec §4.8's "Multi-Shard
// Command." One instance enforces single-in-flight execution, routes
// cancellation to whichever cancellation manager and reader are
// currently live, and applies the configured completeness policy,
// options, and retry/timeout settings to every execute.
type Command struct {
	conn     *MultiShardConnection
	template *CommandTemplate

	Policy          ExecutionPolicy
	Options         ExecutionOptions
	ConnRetry       *RetryPolicy
	CmdRetry        *RetryPolicy
	OverallTimeout  time.Duration
	Events          EventHandlers

	mu       sync.Mutex
	pending  bool
	mgr      *cancellationManager
	lastRead *MergedReader
}

// NewCommand is the `multi_shard_command.create` factory: conn,
// sql text, and an optional overall timeout (zero keeps the default).
func NewCommand(conn *MultiShardConnection, sqlText string, overallTimeout time.Duration) *Command {
	if overallTimeout == 0 {
		overallTimeout = DefaultOverallTimeout
	}
	return &Command{
		conn: conn,
		template: &CommandTemplate{
			SQLText:         sqlText,
			PerShardTimeout: DefaultPerShardTimeout,
			CommandType:     CommandText,
		},
		Policy:         PolicyComplete,
		ConnRetry:      DefaultConnectionRetryPolicy(),
		CmdRetry:       DefaultCommandRetryPolicy(),
		OverallTimeout: overallTimeout,
	}
}

// AddParameter appends one input-only bind parameter to the command
// template. It always uses ParamInput and returns nothing; the
// template's Validate, run at execute time, is what rejects a
// parameter of any other direction with a configuration error.
func (c *Command) AddParameter(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.template.Parameters = append(c.template.Parameters, Parameter{Name: name, Value: value, Direction: ParamInput})
}

// SetPerShardTimeout overrides the per-shard command timeout.
func (c *Command) SetPerShardTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.template.PerShardTimeout = d
}

// ExecuteReader runs the command synchronously, blocking the calling
// goroutine until every shard has settled, and returns the merged
// reader (or the classified error). behavior must be BehaviorDefault;
// anything else is rejected up front per spec §6.
func (c *Command) ExecuteReader(ctx context.Context, behavior CommandBehavior) (*MergedReader, error) {
	return c.executeReader(ctx, behavior)
}

// ExecuteReaderAsync starts execution on a new goroutine and returns a
// channel that receives exactly one result. The synchronous and
// asynchronous forms share the same underlying dispatch; this form
// exists so a caller can select on cancellation, a deadline, or other
// concurrent work while the command runs.
func (c *Command) ExecuteReaderAsync(ctx context.Context, behavior CommandBehavior) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		reader, err := c.executeReader(ctx, behavior)
		out <- AsyncResult{Reader: reader, Err: err}
		close(out)
	}()
	return out
}

// AsyncResult is the single value ExecuteReaderAsync's channel yields.
type AsyncResult struct {
	Reader *MergedReader
	Err    error
}

func (c *Command) executeReader(ctx context.Context, behavior CommandBehavior) (*MergedReader, error) {
	if behavior != BehaviorDefault {
		return nil, ErrUnsupportedBehavior
	}

	if err := c.template.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.pending {
		c.mu.Unlock()
		return nil, ErrPendingOperation
	}
	c.pending = true
	invocationID := uuid.NewString()
	mgr := newCancellationManager(ctx, c.Policy, c.OverallTimeout)
	c.mgr = mgr
	template := c.template.Clone()
	conn := c.conn
	policy := c.Policy
	opts := c.Options
	connRetry := c.ConnRetry
	cmdRetry := c.CmdRetry
	events := c.Events
	c.mu.Unlock()

	logger := conn.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("invocation_id", invocationID))

	jobs := make([]shardJob, len(conn.Shards))
	for i, s := range conn.Shards {
		jobs[i] = shardJob{Shard: s, Template: template}
	}

	d := newDispatcher(conn.Client, logger, connRetry, cmdRetry, policy, events)
	start := time.Now()
	result := d.Dispatch(ctx, jobs, mgr, opts)
	recordDispatchDuration(policy, start)

	c.mu.Lock()
	c.pending = false
	c.lastRead = result.Reader
	if c.mgr == mgr {
		c.mgr = nil
	}
	c.mu.Unlock()

	// The manager's only job was deriving the token this dispatch
	// honored; once dispatch has settled, nothing reads it again
	// (the merged reader cancels/closes its labeled readers directly),
	// so its goroutines can be released now rather than leaking until
	// the command itself is disposed.
	mgr.Dispose()

	return result.Reader, result.Err
}

// Cancel is safe from any goroutine, never raises, and fires the
// derived cancellation token. If a reader has already been returned to
// the caller, cancellation is forwarded to it as well. After a cancel,
// the next execute is free to proceed: each execute builds its own
// fresh cancellationManager.
func (c *Command) Cancel() {
	c.mu.Lock()
	mgr := c.mgr
	reader := c.lastRead
	c.mu.Unlock()

	if mgr != nil {
		mgr.CancelInstance()
	}
	if reader != nil {
		reader.Close()
	}
}

// Dispose cancels any in-flight execution and closes the last returned
// reader, swallowing every error, per spec §4.8.
func (c *Command) Dispose() {
	c.Cancel()

	c.mu.Lock()
	mgr := c.mgr
	c.mgr = nil
	c.mu.Unlock()

	if mgr != nil {
		mgr.Dispose()
	}
}

// ExecuteScalar, ExecuteNonQuery, Prepare, and transactions are
// explicitly unsupported public operations per spec §6.
func (c *Command) ExecuteScalar(ctx context.Context) (any, error)   { return nil, ErrNotSupported }
func (c *Command) ExecuteNonQuery(ctx context.Context) (int64, error) { return 0, ErrNotSupported }
func (c *Command) Prepare(ctx context.Context) error                { return ErrNotSupported }
func (c *Command) BeginTx(ctx context.Context) error                { return ErrNotSupported }
