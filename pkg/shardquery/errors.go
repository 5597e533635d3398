package shardquery

import "fmt"

// Kind classifies the errors this package produces, per the error
// taxonomy: configuration, shard-scoped execution, schema mismatch,
// partial read, aggregate, timeout, cancelled, invalid state, and
// internal invariant violations.
type Kind int

const (
	KindConfiguration Kind = iota
	KindShardExecution
	KindSchemaMismatch
	KindPartialRead
	KindAggregate
	KindTimeout
	KindCancelled
	KindInvalidState
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindShardExecution:
		return "shard-execution"
	case KindSchemaMismatch:
		return "schema-mismatch"
	case KindPartialRead:
		return "partial-read"
	case KindAggregate:
		return "aggregate"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindInvalidState:
		return "invalid-state"
	case KindInternal:
		return "internal-invariant"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error, optionally scoped to the shard that
// produced it, optionally wrapping an underlying cause.
type Error struct {
	Kind    Kind
	Shard   *ShardEndpoint
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Shard != nil {
		prefix = fmt.Sprintf("%s[%s]", prefix, e.Shard.String())
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, shard *ShardEndpoint, message string, cause error) *Error {
	return &Error{Kind: kind, Shard: shard, Message: message, Err: cause}
}

func newShardError(shard ShardEndpoint, message string, cause error) *Error {
	s := shard
	return newError(KindShardExecution, &s, message, cause)
}

// AggregateError flattens the per-shard errors produced when the
// dispatcher's parent task faults. It is what is raised when every
// shard fails, or under PolicyComplete when any shard fails.
type AggregateError struct {
	Errors []error
}

func (a *AggregateError) Error() string {
	if len(a.Errors) == 1 {
		return a.Errors[0].Error()
	}
	return fmt.Sprintf("%d shard errors, first: %v", len(a.Errors), a.Errors[0])
}

func (a *AggregateError) Unwrap() []error {
	return a.Errors
}

func newAggregateError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return &AggregateError{Errors: errs}
}

// IsKind reports whether err, or an error it wraps through single-error
// Unwrap chains, is an *Error of the given kind. The members of an
// *AggregateError are not searched.
func IsKind(err error, kind Kind) bool {
	var se *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			se = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return se != nil && se.Kind == kind
}

var (
	// ErrPendingOperation is raised when Execute is invoked while a
	// prior invocation on the same Command has not completed.
	ErrPendingOperation = newError(KindInvalidState, nil, "pending operation", nil)
	// ErrReaderClosed is raised by read operations on a closed MergedReader.
	ErrReaderClosed = newError(KindInvalidState, nil, "reader closed", nil)
	// ErrMultipleResultSets is raised by NextResult when the underlying
	// reader reports a second result set.
	ErrMultipleResultSets = newError(KindConfiguration, nil, "multiple result sets not supported", nil)
	// ErrEmptyShardList is raised when constructing a connection over
	// zero shards.
	ErrEmptyShardList = newError(KindConfiguration, nil, "shard list must not be empty", nil)
	// ErrTemplatePreset is raised when the connection template already
	// pins a data source or database, which the engine must derive
	// per shard.
	ErrTemplatePreset = newError(KindConfiguration, nil, "connection template must not preset data source or database", nil)
	// ErrUnsupportedBehavior is raised for command behaviors that imply
	// closing the connection at the client layer.
	ErrUnsupportedBehavior = newError(KindConfiguration, nil, "command behavior not supported", nil)
	// ErrNotSupported covers unsupported public operations: execute
	// scalar, execute non-query, prepare, transactions, output params.
	ErrNotSupported = newError(KindConfiguration, nil, "operation not supported", nil)
)
