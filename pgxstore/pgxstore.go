// Package pgxstore is a batchcopy store on a pgxpool pool that loads batches
// with the binary COPY protocol.
//
// Each value is encoded with pgtype for the PostgreSQL type of its column
// tag, so the statement of a row is always sent as FORMAT binary on the
// table and columns it names.
package pgxstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mevdschee/batchcopy/batchcopy"
	"github.com/mevdschee/batchcopy/parser"
)

// DriverName is the name the store registers under
const DriverName = "pgx"

func init() {
	batchcopy.Register(DriverName, Open)
}

// copySignature starts every binary COPY stream
var copySignature = []byte("PGCOPY\n\377\r\n\000")

// oids maps column tags to the type the value is encoded as
var oids = map[batchcopy.ColumnType]uint32{
	batchcopy.ColumnBool:        pgtype.BoolOID,
	batchcopy.ColumnInt2:        pgtype.Int2OID,
	batchcopy.ColumnInt4:        pgtype.Int4OID,
	batchcopy.ColumnInt8:        pgtype.Int8OID,
	batchcopy.ColumnFloat4:      pgtype.Float4OID,
	batchcopy.ColumnFloat8:      pgtype.Float8OID,
	batchcopy.ColumnNumeric:     pgtype.NumericOID,
	batchcopy.ColumnText:        pgtype.TextOID,
	batchcopy.ColumnVarchar:     pgtype.VarcharOID,
	batchcopy.ColumnBytea:       pgtype.ByteaOID,
	batchcopy.ColumnDate:        pgtype.DateOID,
	batchcopy.ColumnTimestamp:   pgtype.TimestampOID,
	batchcopy.ColumnTimestamptz: pgtype.TimestamptzOID,
	batchcopy.ColumnUUID:        pgtype.UUIDOID,
	batchcopy.ColumnJSON:        pgtype.JSONOID,
	batchcopy.ColumnJSONB:       pgtype.JSONBOID,
}

// Store is a pgxpool pool used as a batchcopy.Store
type Store struct {
	pool *pgxpool.Pool
	cfg  batchcopy.Config
}

// Open builds a pool sized and timed by cfg. Connections are made lazily.
func Open(ctx context.Context, cfg batchcopy.Config) (batchcopy.Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", batchcopy.ErrBadConnection, err)
	}

	poolConfig.MaxConns = int32(cfg.PoolMaxSize)
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = cfg.PoolMaxLifetime()
	poolConfig.ConnConfig.ConnectTimeout = cfg.PoolConnectTimeout()

	// Ping on checkout, a dead connection is destroyed and another one tried
	poolConfig.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return conn.Ping(ctx) == nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", batchcopy.ErrBadConnection, err)
	}
	return New(pool, cfg), nil
}

// New wraps an existing pool
func New(pool *pgxpool.Pool, cfg batchcopy.Config) *Store {
	return &Store{pool: pool, cfg: cfg}
}

func (s *Store) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PoolConnectTimeout())
	defer cancel()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
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
	defer conn.Release()

	rows, err := conn.Query(ctx, stmt)
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

// Begin opens a transaction on a pooled connection
func (s *Store) Begin(ctx context.Context) (batchcopy.Tx, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &Tx{conn: conn, tx: tx}, nil
}

// Close closes the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Tx releases its connection on Commit or Rollback
type Tx struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

// CopyIn starts buffering a binary COPY stream for the table and columns of stmt
func (t *Tx) CopyIn(ctx context.Context, stmt string, types []batchcopy.ColumnType) (batchcopy.Sink, error) {
	query, err := binaryCopy(stmt)
	if err != nil {
		return nil, err
	}
	sink, err := newSink(types)
	if err != nil {
		return nil, err
	}
	sink.conn = t.tx.Conn()
	sink.query = query
	return sink, nil
}

// Commit commits and releases the connection
func (t *Tx) Commit(ctx context.Context) error {
	defer t.conn.Release()
	return t.tx.Commit(ctx)
}

// Rollback rolls back and releases the connection
func (t *Tx) Rollback(ctx context.Context) error {
	defer t.conn.Release()
	return t.tx.Rollback(ctx)
}

// Sink encodes rows into a binary COPY payload sent on Close
type Sink struct {
	conn  *pgx.Conn
	query string
	oids  []uint32
	m     *pgtype.Map
	buf   []byte
	n     int64
}

func newSink(types []batchcopy.ColumnType) (*Sink, error) {
	k := &Sink{
		oids: make([]uint32, len(types)),
		m:    pgtype.NewMap(),
	}
	for i, t := range types {
		oid, ok := oids[t]
		if !ok {
			return nil, fmt.Errorf("%w: column %d: no pg type for %s", batchcopy.ErrColumnType, i, t)
		}
		k.oids[i] = oid
	}

	k.buf = append(k.buf, copySignature...)
	k.buf = binary.BigEndian.AppendUint32(k.buf, 0) // flags
	k.buf = binary.BigEndian.AppendUint32(k.buf, 0) // header extension length
	return k, nil
}

// WriteRow appends one encoded row. A failed row leaves the buffer unchanged.
func (k *Sink) WriteRow(ctx context.Context, values []any) error {
	if len(values) != len(k.oids) {
		return fmt.Errorf("%w: expected %d values, got %d", batchcopy.ErrColumnCount, len(k.oids), len(values))
	}

	buf := binary.BigEndian.AppendUint16(k.buf, uint16(len(values)))
	for i, v := range values {
		var err error
		buf, err = k.appendValue(buf, k.oids[i], v)
		if err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}

	k.buf = buf
	k.n++
	return nil
}

// appendValue writes the length prefixed value, or -1 for NULL
func (k *Sink) appendValue(buf []byte, oid uint32, v any) ([]byte, error) {
	v, err := pgValue(oid, v)
	if err != nil {
		return nil, err
	}

	sp := len(buf)
	buf = binary.BigEndian.AppendUint32(buf, 0xFFFFFFFF)
	if v == nil {
		return buf, nil
	}

	out, err := k.m.Encode(oid, pgtype.BinaryFormatCode, v, buf)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return buf, nil
	}
	binary.BigEndian.PutUint32(out[sp:], uint32(len(out)-sp-4))
	return out, nil
}

// Close sends the payload and returns the server's row count
func (k *Sink) Close(ctx context.Context) (int64, error) {
	k.buf = binary.BigEndian.AppendUint16(k.buf, 0xFFFF) // trailer

	tag, err := k.conn.PgConn().CopyFrom(ctx, bytes.NewReader(k.buf), k.query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// pgValue converts normalized values pgtype cannot encode directly
func pgValue(oid uint32, v any) (any, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return pgtype.UUID{Bytes: [16]byte(x), Valid: true}, nil
	case string:
		if oid == pgtype.NumericOID {
			var n pgtype.Numeric
			if err := n.Scan(x); err != nil {
				return nil, fmt.Errorf("%w: %v", batchcopy.ErrColumnType, err)
			}
			return n, nil
		}
	}
	return v, nil
}

// binaryCopy rebuilds stmt as a binary format COPY
func binaryCopy(stmt string) (string, error) {
	c, err := parser.ParseCopy(stmt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", batchcopy.ErrStatement, err)
	}

	table := pgx.Identifier{c.Table}
	if c.Schema != "" {
		table = pgx.Identifier{c.Schema, c.Table}
	}

	var b bytes.Buffer
	b.WriteString("COPY ")
	b.WriteString(table.Sanitize())
	if len(c.Columns) > 0 {
		b.WriteString(" (")
		for i, col := range c.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgx.Identifier{col}.Sanitize())
		}
		b.WriteString(")")
	}
	b.WriteString(" FROM STDIN (FORMAT binary)")
	return b.String(), nil
}
