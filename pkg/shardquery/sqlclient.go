package shardquery

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// appNameSuffix is appended to every shard connection string so the
// backend can attribute connections to this library, per spec §6.
const appNameSuffix = "multishardquery-go"

// CredentialSource supplies a (possibly refreshed) password for a
// shard connection, e.g. an oauth2.TokenSource-backed source for
// IAM-authenticated managed Postgres/MySQL. NewSQLShardClient turns a
// nil source into an empty static password, so no password is written
// into the connection string.
type CredentialSource interface {
	Password(ctx context.Context) (string, error)
}

// StaticCredentials returns a fixed password, satisfying CredentialSource
// without a network round trip.
type StaticCredentials string

func (s StaticCredentials) Password(context.Context) (string, error) { return string(s), nil }

// SQLShardClient implements ShardClient over database/sql, dispatching
// to github.com/lib/pq for "postgres" endpoints and
// github.com/go-sql-driver/mysql for "mysql" endpoints.
type SQLShardClient struct {
	Credentials CredentialSource
}

// NewSQLShardClient builds a client using the given credential source.
// A nil source means no password is added to the connection strings it
// builds.
func NewSQLShardClient(creds CredentialSource) *SQLShardClient {
	if creds == nil {
		creds = StaticCredentials("")
	}
	return &SQLShardClient{Credentials: creds}
}

type sqlConnection struct {
	db *sql.DB
}

func (c *sqlConnection) Close() error { return c.db.Close() }

// Open dials the shard's database/sql pool. Cancellation is honored via
// PingContext, which is the only blocking step database/sql exposes
// before first use.
func (c *SQLShardClient) Open(ctx context.Context, endpoint ShardEndpoint) (ShardConnection, error) {
	dsn, driver, err := c.buildDSN(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping shard %s: %w", endpoint, err)
	}

	return &sqlConnection{db: db}, nil
}

func (c *SQLShardClient) buildDSN(ctx context.Context, endpoint ShardEndpoint) (dsn, driver string, err error) {
	password, err := c.Credentials.Password(ctx)
	if err != nil {
		return "", "", fmt.Errorf("resolve shard credentials: %w", err)
	}

	switch endpoint.protocol() {
	case "mysql":
		cfg := mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = endpoint.DataSource
		cfg.DBName = endpoint.Database
		if password != "" {
			cfg.Passwd = password
		}
		cfg.Params = map[string]string{"application_name": appNameSuffix}
		return cfg.FormatDSN(), "mysql", nil
	default:
		values := fmt.Sprintf("host=%s dbname=%s application_name=%s sslmode=disable",
			pq.QuoteLiteral(endpoint.DataSource), pq.QuoteLiteral(endpoint.Database), pq.QuoteLiteral(appNameSuffix))
		if endpoint.Port != 0 {
			values += fmt.Sprintf(" port=%d", endpoint.Port)
		}
		if password != "" {
			values += fmt.Sprintf(" password=%s", pq.QuoteLiteral(password))
		}
		return values, "postgres", nil
	}
}

type sqlCommand struct {
	db       *sql.DB
	template *CommandTemplate
	cancel   context.CancelFunc
}

// Clone binds a fresh *sql.Stmt-free command to conn; database/sql
// itself has no server-side prepared statement requirement so "clone"
// here simply captures the template and connection pair the next
// ExecuteReader call will use.
func (c *SQLShardClient) Clone(template *CommandTemplate, conn ShardConnection) (ShardCommand, error) {
	sc, ok := conn.(*sqlConnection)
	if !ok {
		return nil, fmt.Errorf("shardquery: conn is not a *sqlConnection")
	}
	return &sqlCommand{db: sc.db, template: template}, nil
}

func (c *sqlCommand) ExecuteReader(ctx context.Context) (RowReader, SchemaTable, error) {
	if c.template.PerShardTimeout > 0 {
		ctx, c.cancel = context.WithTimeout(ctx, c.template.PerShardTimeout)
	} else {
		ctx, c.cancel = context.WithCancel(ctx)
	}

	args := make([]any, len(c.template.Parameters))
	for i, p := range c.template.Parameters {
		args[i] = p.Value
	}

	rows, err := c.db.QueryContext(ctx, c.template.SQLText, args...)
	if err != nil {
		return nil, nil, err
	}

	reader := &sqlRowReader{rows: rows}
	schema, err := reader.SchemaTable()
	if err != nil {
		rows.Close()
		return nil, nil, err
	}
	return reader, schema, nil
}

func (c *sqlCommand) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *sqlCommand) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// sqlRowReader adapts *sql.Rows to RowReader. database/sql offers no
// "has rows" probe that doesn't consume a row, so PeekHasRows pulls the
// first row early and buffers its values; the first real Next/Values
// pair is then served from that buffer instead of touching r.rows
// again, after which the buffer is cleared and normal operation
// resumes.
type sqlRowReader struct {
	rows   *sql.Rows
	schema SchemaTable

	peeked       bool
	peekHasRow   bool
	peekErr      error
	pendingRow   []any // set once peek found a row, cleared once Values() consumes it
	pendingReady bool  // true between the Next() that surfaced pendingRow and the Values() that consumes it
}

func (r *sqlRowReader) PeekHasRows(ctx context.Context) (bool, error) {
	if r.peeked {
		return r.peekHasRow, r.peekErr
	}
	r.peeked = true
	if !r.rows.Next() {
		r.peekErr = r.rows.Err()
		return false, r.peekErr
	}
	values, err := r.scanValues()
	if err != nil {
		r.peekErr = err
		return false, err
	}
	r.peekHasRow = true
	r.pendingRow = values
	return true, nil
}

func (r *sqlRowReader) Next(ctx context.Context) (bool, error) {
	if r.peeked && r.pendingRow != nil && !r.pendingReady {
		r.pendingReady = true
		return true, nil
	}
	if r.peeked && !r.peekHasRow && r.pendingRow == nil {
		// PeekHasRows already established end-of-rows.
		return false, r.peekErr
	}
	return r.rows.Next(), r.rows.Err()
}

func (r *sqlRowReader) Values() ([]any, error) {
	if r.pendingReady {
		values := r.pendingRow
		r.pendingRow = nil
		r.pendingReady = false
		return values, nil
	}
	return r.scanValues()
}

func (r *sqlRowReader) scanValues() ([]any, error) {
	cols, err := r.rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}

func (r *sqlRowReader) SchemaTable() (SchemaTable, error) {
	if r.schema != nil {
		return r.schema, nil
	}
	cts, err := r.rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	schema := make(SchemaTable, len(cts))
	for i, ct := range cts {
		nullable, _ := ct.Nullable()
		length, hasLength := ct.Length()
		if !hasLength {
			length = -1
		}
		schema[i] = ColumnDescriptor{
			Name:         ct.Name(),
			DeclaredType: ct.DatabaseTypeName(),
			DataTypeName: ct.ScanType().String(),
			AllowNull:    nullable,
			MaxLength:    length,
			ProviderType: ct.DatabaseTypeName(),
		}
	}
	r.schema = schema
	return schema, nil
}

func (r *sqlRowReader) NextResultSet(ctx context.Context) (bool, error) {
	return r.rows.NextResultSet(), r.rows.Err()
}

func (r *sqlRowReader) Close() error {
	return r.rows.Close()
}
