package shardquery

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ShardNameColumn is the name of the synthetic trailing column appended
// when ExecutionOptions.IncludeShardName is set.
const ShardNameColumn = "$ShardName"

// MergedReader concatenates the per-shard row readers of one
// multi-shard execution into a single forward-only cursor presenting
// their UNION ALL, per spec §4.7. It is not safe for concurrent use by
// more than one goroutine at a time (row-level read is not reentrant),
// but internally serializes close/advance/cancel races.
type MergedReader struct {
	mu sync.Mutex

	policy ExecutionPolicy
	opts   ExecutionOptions
	logger *zap.Logger

	queue    []*LabeledReader
	expected int
	added    int
	finished int

	hasRows     bool
	exceptions  []error
	schemaTpl   SchemaTable
	finalSchema SchemaTable

	closed   bool
	disposed bool
}

// newMergedReader validates every labeled reader's schema against
// ground truth and builds the queue of readers to iterate. labeled
// entries that are already failure-case (from dispatch-time
// cancellation or fault under PolicyPartial) contribute straight to
// the exception collection and are never added to the queue.
func newMergedReader(labeled []*LabeledReader, opts ExecutionOptions, policy ExecutionPolicy, logger *zap.Logger) (*MergedReader, error) {
	m := &MergedReader{
		policy:   policy,
		opts:     opts,
		logger:   logger,
		expected: len(labeled),
	}

	validator := newSchemaValidator()

	for _, lr := range labeled {
		if lr.IsFailure() {
			m.exceptions = append(m.exceptions, lr.Err)
			continue
		}

		schema, err := lr.Reader.SchemaTable()
		if err != nil {
			wrapped := newShardError(lr.Shard, "failed to read schema table", err)
			if policy == PolicyComplete {
				lr.Cancel()
				lr.Close()
				m.closeQueued()
				return nil, wrapped
			}
			lr.Cancel()
			lr.Close()
			m.exceptions = append(m.exceptions, wrapped)
			continue
		}

		if verr := validator.Validate(lr, schema); verr != nil {
			if logger != nil {
				logger.Warn("schema mismatch during merged reader construction",
					zap.String("shard", lr.Shard.String()), zap.Error(verr))
			}
			if policy == PolicyComplete {
				lr.Cancel()
				lr.Close()
				m.closeQueued()
				return nil, verr
			}
			lr.Cancel()
			lr.Close()
			m.exceptions = append(m.exceptions, verr)
			continue
		}

		hasRows, err := lr.Reader.PeekHasRows(context.Background())
		if err != nil {
			wrapped := newShardError(lr.Shard, "failed to probe rows", err)
			if policy == PolicyComplete {
				lr.Cancel()
				lr.Close()
				m.closeQueued()
				return nil, wrapped
			}
			lr.Cancel()
			lr.Close()
			m.exceptions = append(m.exceptions, wrapped)
			continue
		}
		if hasRows {
			m.hasRows = true
		}

		m.queue = append(m.queue, lr)
		m.added++
	}

	m.schemaTpl = validator.GroundTruth()
	m.finalSchema = buildFinalSchema(m.schemaTpl, opts)

	if len(m.queue) == 0 {
		// Boundary case: zero surviving readers after construction
		// (every candidate failed schema validation or was already a
		// dispatch-time failure). The reader is constructed already
		// closed; Next returns false without raising.
		m.closed = true
	}

	return m, nil
}

func (m *MergedReader) closeQueued() {
	for _, lr := range m.queue {
		lr.Cancel()
		lr.Close()
	}
	m.queue = nil
}

func buildFinalSchema(groundTruth SchemaTable, opts ExecutionOptions) SchemaTable {
	if !opts.IncludeShardName {
		out := make(SchemaTable, len(groundTruth))
		copy(out, groundTruth)
		return out
	}
	out := make(SchemaTable, len(groundTruth)+1)
	copy(out, groundTruth)
	out[len(groundTruth)] = ColumnDescriptor{
		Name:         ShardNameColumn,
		DeclaredType: "string",
		DataTypeName: "string",
		AllowNull:    false,
		MaxLength:    -1,
		ProviderType: "string",
	}
	return out
}

// syntheticOrdinal returns the ordinal of the synthetic shard-name
// column, valid only when opts.IncludeShardName is set.
func (m *MergedReader) syntheticOrdinal() int {
	return len(m.schemaTpl)
}

// FieldCount returns the underlying column count plus one iff the
// synthetic column is enabled.
func (m *MergedReader) FieldCount() int {
	n := len(m.schemaTpl)
	if m.opts.IncludeShardName {
		n++
	}
	return n
}

// VisibleFieldCount is equal to FieldCount for this reader (no hidden
// bookkeeping columns are ever produced).
func (m *MergedReader) VisibleFieldCount() int {
	return m.FieldCount()
}

// HasRows reports whether any added reader had at least one row at add
// time.
func (m *MergedReader) HasRows() bool {
	return m.hasRows
}

// MultiShardExceptions returns the collected per-shard errors gathered
// under PolicyPartial. Always empty when the reader was returned under
// PolicyComplete (a PolicyComplete failure never returns a reader at
// all).
func (m *MergedReader) MultiShardExceptions() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]error, len(m.exceptions))
	copy(out, m.exceptions)
	return out
}

// GetSchemaTable returns the final schema: ground truth plus the
// appended synthetic column row when enabled.
func (m *MergedReader) GetSchemaTable() SchemaTable {
	return m.finalSchema
}

// Next advances one row. Returns true if a row was produced, false at
// end of all shards. Never skips rows: each row is physically
// materialized from the current head reader; at end of head it is
// popped (closed) and iteration advances to the next, possibly
// traversing empty heads.
func (m *MergedReader) Next(ctx context.Context) (bool, error) {
	for {
		m.mu.Lock()
		if m.closed {
			empty := m.added == 0
			m.mu.Unlock()
			if empty {
				// Constructed with zero surviving readers: nothing to read.
				return false, nil
			}
			return false, ErrReaderClosed
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return false, nil
		}
		head := m.queue[0]
		m.mu.Unlock()

		ok, err := head.Reader.Next(ctx)

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return false, ErrReaderClosed
		}
		if err != nil {
			if m.policy == PolicyPartial {
				if m.logger != nil {
					m.logger.Warn("row read failed, advancing past shard",
						zap.String("shard", head.Shard.String()), zap.Error(err))
				}
				m.exceptions = append(m.exceptions, newError(KindPartialRead, &head.Shard, "row read failed", err))
				m.popHeadLocked()
				m.mu.Unlock()
				continue
			}
			m.mu.Unlock()
			return false, err
		}
		if ok {
			recordRow(head.Label)
			m.mu.Unlock()
			return true, nil
		}
		m.popHeadLocked()
		m.mu.Unlock()
	}
}

// popHeadLocked closes and removes the current head. Caller must hold m.mu.
func (m *MergedReader) popHeadLocked() {
	if len(m.queue) == 0 {
		return
	}
	head := m.queue[0]
	head.Close()
	m.finished++
	m.queue = m.queue[1:]
}

func (m *MergedReader) headLocked() *LabeledReader {
	if len(m.queue) == 0 {
		return nil
	}
	return m.queue[0]
}

// Values fills the current row's values, appending the shard label at
// the synthetic ordinal when enabled.
func (m *MergedReader) Values(ctx context.Context) ([]any, error) {
	m.mu.Lock()
	head := m.headLocked()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil, ErrReaderClosed
	}
	if head == nil {
		return nil, newError(KindInternal, nil, "no current reader", nil)
	}

	values, err := head.Reader.Values()
	if err != nil {
		return nil, err
	}
	if m.opts.IncludeShardName {
		values = append(values, head.Label)
	}
	return values, nil
}

// GetValues fills buf via the underlying reader's Values and, if there
// is room for the synthetic ordinal, writes the shard label there,
// returning the count of fields written.
func (m *MergedReader) GetValues(ctx context.Context, buf []any) (int, error) {
	m.mu.Lock()
	head := m.headLocked()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return 0, ErrReaderClosed
	}
	if head == nil {
		return 0, newError(KindInternal, nil, "no current reader", nil)
	}

	values, err := head.Reader.Values()
	if err != nil {
		return 0, err
	}
	n := copy(buf, values)
	if m.opts.IncludeShardName && n < len(buf) && len(values) == m.syntheticOrdinal() {
		buf[n] = head.Label
		n++
	}
	return n, nil
}

// GetValue returns one ordinal's value from the current row. For the
// synthetic column ordinal, returns the current shard's label as a
// string regardless of the underlying row shape.
func (m *MergedReader) GetValue(ctx context.Context, ordinal int) (any, error) {
	m.mu.Lock()
	head := m.headLocked()
	closed := m.closed
	synthetic := m.opts.IncludeShardName && ordinal == m.syntheticOrdinal()
	m.mu.Unlock()

	if closed {
		return nil, ErrReaderClosed
	}
	if head == nil {
		return nil, newError(KindInternal, nil, "no current reader", nil)
	}
	if synthetic {
		return head.Label, nil
	}

	values, err := head.Reader.Values()
	if err != nil {
		return nil, err
	}
	if ordinal < 0 || ordinal >= len(values) {
		return nil, newError(KindInvalidState, nil, fmt.Sprintf("ordinal %d out of range", ordinal), nil)
	}
	return values[ordinal], nil
}

// GetString is the typed getter for the synthetic column: any
// non-string typed getter invoked against the synthetic ordinal raises
// an invalid-cast error, per spec §4.7.
func (m *MergedReader) GetString(ctx context.Context, ordinal int) (string, error) {
	v, err := m.GetValue(ctx, ordinal)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", newError(KindInvalidState, nil, fmt.Sprintf("ordinal %d is not a string", ordinal), nil)
	}
	return s, nil
}

// GetInt64 is a typed getter that rejects the synthetic column
// explicitly, since its semantic type is "string, not null."
func (m *MergedReader) GetInt64(ctx context.Context, ordinal int) (int64, error) {
	m.mu.Lock()
	synthetic := m.opts.IncludeShardName && ordinal == m.syntheticOrdinal()
	m.mu.Unlock()
	if synthetic {
		return 0, newError(KindInvalidState, nil, "invalid cast: synthetic shard column is string-typed", nil)
	}
	v, err := m.GetValue(ctx, ordinal)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, newError(KindInvalidState, nil, fmt.Sprintf("ordinal %d is not an integer", ordinal), nil)
	}
}

// GetName returns the column name at ordinal, matching GetSchemaTable.
func (m *MergedReader) GetName(ordinal int) (string, error) {
	if ordinal < 0 || ordinal >= len(m.finalSchema) {
		return "", newError(KindInvalidState, nil, fmt.Sprintf("ordinal %d out of range", ordinal), nil)
	}
	return m.finalSchema[ordinal].Name, nil
}

// NextResultSet reports whether the current reader has a next result
// set; multi-shard commands never support more than one result set, so
// a true here invalidates this merged reader (closing it) and raises.
func (m *MergedReader) NextResultSet(ctx context.Context) (bool, error) {
	m.mu.Lock()
	head := m.headLocked()
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return false, ErrReaderClosed
	}
	if head == nil {
		return false, nil
	}

	has, err := head.Reader.NextResultSet(ctx)
	if err != nil {
		return false, err
	}
	if has {
		m.Close()
		return false, ErrMultipleResultSets
	}
	return false, nil
}

// Close is idempotent: cancels all open underlying readers, then
// closes each in queue order, leaving one arbitrary closed reader at
// head so subsequent metadata calls (GetSchemaTable, GetName) still
// have a well-defined source.
func (m *MergedReader) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	remaining := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, lr := range remaining {
		lr.Cancel()
	}
	for _, lr := range remaining {
		lr.Close()
	}

	if len(remaining) > 0 {
		m.mu.Lock()
		m.queue = remaining[:1]
		m.mu.Unlock()
	}
	return nil
}

// Dispose implies Close, then disposes every labeled reader (already
// closed, so this is a final idempotent sweep) and drops the last
// metadata-only reference.
func (m *MergedReader) Dispose() {
	m.Close()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	remaining := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, lr := range remaining {
		lr.Close()
	}
}
