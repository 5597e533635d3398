// Package shardquery fans a single read-only SQL statement out to a set
// of shard endpoints, runs it concurrently on each, and presents the
// UNION ALL of the per-shard result streams as one forward-only reader.
package shardquery

import (
	"fmt"
	"sync"
	"time"
)

// ShardEndpoint identifies one backend shard. Two endpoints are equal
// iff all fields match; the string form doubles as the shard label and
// as the value written into the synthetic shard-name column.
type ShardEndpoint struct {
	DataSource string
	Database   string
	Protocol   string // "postgres" or "mysql"; empty defaults to "postgres"
	Port       int
}

// String renders the endpoint the way it is surfaced to callers, e.g.
// as the $ShardName column value and in log fields.
func (e ShardEndpoint) String() string {
	if e.Port != 0 {
		return fmt.Sprintf("%s/%s:%d", e.DataSource, e.Database, e.Port)
	}
	return fmt.Sprintf("%s/%s", e.DataSource, e.Database)
}

func (e ShardEndpoint) protocol() string {
	if e.Protocol == "" {
		return "postgres"
	}
	return e.Protocol
}

// ParameterDirection mirrors the directions a backend client library
// recognizes. Only ParamInput is supported by multi-shard commands;
// CommandTemplate.Validate rejects any other direction with a
// configuration error.
type ParameterDirection int

const (
	ParamInput ParameterDirection = iota
	ParamOutput
	ParamInputOutput
	ParamReturnValue
)

// Parameter is one scalar, input-only bind parameter.
type Parameter struct {
	Name      string
	Value     any
	Direction ParameterDirection
}

// CommandType mirrors the small set of command shapes the underlying
// client library accepts.
type CommandType int

const (
	CommandText CommandType = iota
	CommandStoredProcedure
)

// CommandTemplate is the user-supplied unit of work: SQL text, a
// per-shard timeout, and an input parameter list. It is cloned once per
// shard by the dispatcher; each clone carries its own parameter copies
// so the template itself stays read-only during dispatch.
type CommandTemplate struct {
	SQLText          string
	PerShardTimeout  time.Duration
	Parameters       []Parameter
	CommandType      CommandType
}

// Validate rejects parameter shapes the engine does not support. It is
// the configuration-error gate described in spec §7.
func (t *CommandTemplate) Validate() error {
	for _, p := range t.Parameters {
		if p.Direction != ParamInput {
			return newError(KindConfiguration, nil, fmt.Sprintf("parameter %q: only input parameters are supported", p.Name), nil)
		}
	}
	return nil
}

// Clone returns an independent copy whose parameter values are copied,
// not shared, so concurrent per-shard dispatch never races on them.
func (t *CommandTemplate) Clone() *CommandTemplate {
	params := make([]Parameter, len(t.Parameters))
	copy(params, t.Parameters)
	return &CommandTemplate{
		SQLText:         t.SQLText,
		PerShardTimeout: t.PerShardTimeout,
		Parameters:      params,
		CommandType:     t.CommandType,
	}
}

// ExecutionPolicy selects the completeness semantics of a multi-shard
// execution.
type ExecutionPolicy int

const (
	// PolicyComplete aborts the whole request on any shard failure and
	// cancels siblings.
	PolicyComplete ExecutionPolicy = iota
	// PolicyPartial tolerates per-shard failures; surviving rows are
	// delivered and failures are surfaced via MultiShardExceptions.
	PolicyPartial
)

// ExecutionOptions is the flag set governing merged-reader shape.
type ExecutionOptions struct {
	// IncludeShardName appends a synthetic, not-null string column
	// ("$ShardName") holding the producing shard's label.
	IncludeShardName bool
}

// LabeledReader pairs one shard's outcome with the endpoint it came
// from: either a successful reader plus the command instance that
// produced it, or a shard-scoped error. At most one of Reader/Err is
// set. Disposing it closes both the reader and its command exactly
// once.
type LabeledReader struct {
	Shard   ShardEndpoint
	Label   string
	Reader  RowReader
	Command ShardCommand
	Conn    ShardConnection
	Err     error

	closeOnce sync.Once
}

func newSuccessLabeledReader(shard ShardEndpoint, reader RowReader, cmd ShardCommand, conn ShardConnection) *LabeledReader {
	return &LabeledReader{
		Shard:   shard,
		Label:   shard.String(),
		Reader:  reader,
		Command: cmd,
		Conn:    conn,
	}
}

func newFailureLabeledReader(shard ShardEndpoint, err error) *LabeledReader {
	return &LabeledReader{
		Shard: shard,
		Label: shard.String(),
		Err:   err,
	}
}

// IsFailure reports whether this labeled reader carries a shard-scoped
// error instead of a row reader.
func (l *LabeledReader) IsFailure() bool {
	return l.Err != nil
}

// Close releases the underlying reader, command, and connection. Safe
// to call more than once; only the first call has effect.
func (l *LabeledReader) Close() {
	l.closeOnce.Do(func() {
		if l.Reader != nil {
			l.Reader.Close()
		}
		if l.Command != nil {
			l.Command.Close()
		}
		if l.Conn != nil {
			l.Conn.Close()
		}
	})
}

// Cancel best-effort cancels the in-flight command backing this
// labeled reader. Non-throwing by contract.
func (l *LabeledReader) Cancel() {
	if l.Command != nil {
		l.Command.Cancel()
	}
}
