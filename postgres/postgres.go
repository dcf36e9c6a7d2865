// Package postgres is the default batchcopy store. It pools connections with
// database/sql and loads batches with lib/pq's COPY FROM STDIN support.
//
// lib/pq only speaks the text COPY format, so the statement of a row is
// reissued as a text COPY on the same table and columns whatever format it
// names.
//
// Usage:
//
//	import (
//		"github.com/mevdschee/batchcopy/batchcopy"
//		_ "github.com/mevdschee/batchcopy/postgres"
//	)
//
//	h, err := batchcopy.New[Metric](ctx, batchcopy.DefaultConfig(url))
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mevdschee/batchcopy/batchcopy"
	"github.com/mevdschee/batchcopy/parser"
)

// DriverName is the name the store registers under
const DriverName = "postgres"

func init() {
	batchcopy.Register(DriverName, Open)
}

// Store is a database/sql pool used as a batchcopy.Store
type Store struct {
	db             *sql.DB
	connectTimeout time.Duration
}

// Open creates a pool sized and timed by cfg
func Open(ctx context.Context, cfg batchcopy.Config) (batchcopy.Store, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", batchcopy.ErrBadConnection, err)
	}

	db.SetMaxOpenConns(cfg.PoolMaxSize)
	db.SetMaxIdleConns(cfg.PoolMaxSize)
	db.SetConnMaxLifetime(cfg.PoolMaxLifetime())

	return New(db, cfg.PoolConnectTimeout()), nil
}

// New wraps an existing *sql.DB opened with the lib/pq driver
func New(db *sql.DB, connectTimeout time.Duration) *Store {
	return &Store{
		db:             db,
		connectTimeout: connectTimeout,
	}
}

// acquire checks out a connection and verifies it is alive
func (s *Store) acquire(ctx context.Context) (*sql.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", batchcopy.ErrBadConnection, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", batchcopy.ErrBadConnection, err)
	}
	return conn, nil
}

// Check runs stmt and fails when it errors or returns rows
func (s *Store) Check(ctx context.Context, stmt string) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("%w: %v", batchcopy.ErrBadTable, err)
	}
	defer rows.Close()

	if rows.Next() {
		return fmt.Errorf("%w: check statement returned rows", batchcopy.ErrBadTable)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", batchcopy.ErrBadTable, err)
	}
	return nil
}

// Begin opens a transaction on a dedicated connection
func (s *Store) Begin(ctx context.Context) (batchcopy.Tx, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Tx{conn: conn, tx: tx}, nil
}

// Close closes the pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a transaction holding its connection until Commit or Rollback
type Tx struct {
	conn *sql.Conn
	tx   *sql.Tx
	stmt *sql.Stmt
}

// CopyIn starts a text COPY for the table and columns of stmt
func (t *Tx) CopyIn(ctx context.Context, stmt string, types []batchcopy.ColumnType) (batchcopy.Sink, error) {
	query, err := textCopy(stmt)
	if err != nil {
		return nil, err
	}

	st, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	t.stmt = st

	return &Sink{stmt: st, types: types}, nil
}

// Commit commits and returns the connection to the pool
func (t *Tx) Commit(ctx context.Context) error {
	defer t.conn.Close()
	return t.tx.Commit()
}

// Rollback ends a pending COPY and rolls back. The connection cannot
// roll back while it is still in copy mode.
func (t *Tx) Rollback(ctx context.Context) error {
	defer t.conn.Close()
	if t.stmt != nil {
		t.stmt.Close()
	}
	return t.tx.Rollback()
}

// Sink writes rows to a prepared COPY statement
type Sink struct {
	stmt  *sql.Stmt
	types []batchcopy.ColumnType
	n     int64
}

// WriteRow buffers one row in the COPY stream
func (k *Sink) WriteRow(ctx context.Context, values []any) error {
	if _, err := k.stmt.ExecContext(ctx, textValues(k.types, values)...); err != nil {
		return err
	}
	k.n++
	return nil
}

// Close sends the end of the COPY stream and returns the loaded row count
func (k *Sink) Close(ctx context.Context) (int64, error) {
	res, err := k.stmt.ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	if err := k.stmt.Close(); err != nil {
		return 0, err
	}

	// Older lib/pq versions report 0 for COPY
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return n, nil
	}
	return k.n, nil
}

// textCopy rebuilds stmt as a text format COPY, the only format lib/pq sends
func textCopy(stmt string) (string, error) {
	c, err := parser.ParseCopy(stmt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", batchcopy.ErrStatement, err)
	}

	if len(c.Columns) > 0 {
		if c.Schema != "" {
			return pq.CopyInSchema(c.Schema, c.Table, c.Columns...), nil
		}
		return pq.CopyIn(c.Table, c.Columns...), nil
	}

	// pq.CopyIn always writes a column list, which may not be empty
	table := pq.QuoteIdentifier(c.Table)
	if c.Schema != "" {
		table = pq.QuoteIdentifier(c.Schema) + "." + table
	}
	return "COPY " + table + " FROM STDIN", nil
}

// textValues adapts normalized values to lib/pq's text encoding where it
// would pick the wrong representation
func textValues(types []batchcopy.ColumnType, values []any) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
		if v == nil || i >= len(types) {
			continue
		}
		switch types[i] {
		case batchcopy.ColumnJSON, batchcopy.ColumnJSONB:
			// []byte would be sent as bytea hex
			if b, ok := v.([]byte); ok {
				args[i] = string(b)
			}
		case batchcopy.ColumnDate:
			if tm, ok := v.(time.Time); ok {
				args[i] = tm.Format("2006-01-02")
			}
		}
	}
	return args
}
