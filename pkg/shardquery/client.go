package shardquery

import "context"

// ColumnDescriptor describes one result column: name, declared type,
// data-type name, nullability, max length, and the provider-specific
// type tag the underlying driver reports.
type ColumnDescriptor struct {
	Name             string
	DeclaredType     string
	DataTypeName     string
	AllowNull        bool
	MaxLength        int64
	ProviderType     string
}

// SchemaTable is the ordered column description of one result shape.
type SchemaTable []ColumnDescriptor

// RowReader is the narrow forward-only row cursor the shard client
// library returns. It is a strict subset of a typical database
// driver's row reader.
type RowReader interface {
	Next(ctx context.Context) (bool, error)
	// Values returns the current row's column values in ordinal order.
	// Must only be called after Next has returned true.
	Values() ([]any, error)
	SchemaTable() (SchemaTable, error)
	// PeekHasRows reports whether at least one row is available without
	// losing that row for a subsequent Next/Scan/Values call. Needed
	// because the merged reader's "has-rows" flag must be computed at
	// add time, before the caller has pulled any row.
	PeekHasRows(ctx context.Context) (bool, error)
	NextResultSet(ctx context.Context) (bool, error)
	Close() error
}

// ShardConnection is one open backend connection, owned by whichever
// LabeledReader or executor currently holds it.
type ShardConnection interface {
	Close() error
}

// ShardCommand is an executable command instance cloned from a
// CommandTemplate and bound to one ShardConnection. Each retry attempt
// must obtain a fresh clone bound to the same connection: the
// underlying client may leave a command in an inconsistent state after
// a failed async execution while the connection stays open.
type ShardCommand interface {
	ExecuteReader(ctx context.Context) (RowReader, SchemaTable, error)
	Cancel()
	Close() error
}

// ShardClient abstracts one backend endpoint: open a connection, clone
// a command template against it, execute a read, cancel in-flight
// work, close. Implementations must make Cancel/Close non-throwing and
// idempotent per spec.
type ShardClient interface {
	// Open dials a connection for the given endpoint. Cooperative:
	// implementations must honor ctx cancellation while dialing.
	Open(ctx context.Context, endpoint ShardEndpoint) (ShardConnection, error)
	// Clone produces an independent ShardCommand bound to conn from
	// the given template. Called once per dispatch attempt (including
	// each retry) so failed attempts never reuse driver-side command
	// state.
	Clone(template *CommandTemplate, conn ShardConnection) (ShardCommand, error)
}
