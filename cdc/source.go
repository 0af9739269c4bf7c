package cdc

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/viant/featuresync/catalog"
)

// Source reads and acknowledges captured changes over one connection.
type Source interface {
	// Fetch returns every unacknowledged change of the dataset captured in
	// [Epoch, asOf]. Any cursor still open on the connection is closed first.
	// A window without change-tracking data yields an empty cursor.
	Fetch(ctx context.Context, dataset catalog.Dataset, asOf time.Time) (*Cursor, error)
	// Acknowledge removes the entries with the given keys in one
	// transaction and returns the number removed.
	Acknowledge(ctx context.Context, dataset catalog.Dataset, keys []string) (int64, error)
	// Close releases the cursor and the connection.
	Close() error
}

// Connector opens a replica's change source.
type Connector interface {
	Connect(ctx context.Context, conn catalog.Connection) (Source, error)
}

// DriverConnector opens a SQLServer or SQLite source depending on the
// connection driver.
type DriverConnector struct {
	Log *zap.Logger
}

// Connect implements Connector.
func (c DriverConnector) Connect(ctx context.Context, conn catalog.Connection) (_ Source, err error) {
	defer mon.Task()(&ctx)(&err)
	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}
	switch conn.Driver {
	case catalog.DriverSQLite:
		return OpenSQLite(ctx, log, conn.Database)
	case catalog.DriverSQLServer, "":
		return OpenSQLServer(ctx, log, conn)
	default:
		return nil, ConnectionError.New("unsupported driver %q", conn.Driver)
	}
}

// Cursor iterates the records of one fetched batch. It owns the underlying
// result set and must be closed before the connection is reused.
type Cursor struct {
	fields *FieldIndex
	rows   *sql.Rows
	scan   func(*sql.Rows) (Record, error)

	rec    Record
	err    error
	closed bool
}

func newCursor(fields *FieldIndex, rows *sql.Rows, scan func(*sql.Rows) (Record, error)) *Cursor {
	return &Cursor{fields: fields, rows: rows, scan: scan}
}

// EmptyCursor returns a cursor without records.
func EmptyCursor() *Cursor { return &Cursor{fields: &FieldIndex{pos: map[string]int{}}} }

// Fields returns the batch field index.
func (c *Cursor) Fields() *FieldIndex { return c.fields }

// Next advances to the next record.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil || c.rows == nil {
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = QueryError.Wrap(err)
		}
		return false
	}
	rec, err := c.scan(c.rows)
	if err != nil {
		c.err = QueryError.Wrap(err)
		return false
	}
	c.rec = rec
	return true
}

// Record returns the current record.
func (c *Cursor) Record() Record { return c.rec }

// Err returns the first iteration error.
func (c *Cursor) Err() error { return c.err }

// Close releases the result set. It is safe to call more than once.
func (c *Cursor) Close() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	if c.rows == nil {
		return nil
	}
	return errs.Wrap(c.rows.Close())
}

// chunk splits keys into groups of at most size.
func chunk(keys []string, size int) [][]string {
	var out [][]string
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}
