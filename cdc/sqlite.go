package cdc

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/viant/featuresync/catalog"
	"github.com/viant/featuresync/engine"
)

// CapturedAtColumn carries the capture timestamp of SQLite log entries.
const CapturedAtColumn = "__$captured_at"

const timestampLayout = "2006-01-02 15:04:05"

// SQLite reads a trigger-populated change log. A dataset's ChangeFunction
// names its capture instance and Source.Table the captured table, whose
// columns define the record layout.
type SQLite struct {
	log      *zap.Logger
	db       *sql.DB
	conn     *sql.Conn
	cursor   *Cursor
	logTable string
}

// OpenSQLite opens the change log database at path and pins its connection.
func OpenSQLite(ctx context.Context, log *zap.Logger, path string) (*SQLite, error) {
	db, err := engine.OpenWorkspace(path)
	if err != nil {
		return nil, ConnectionError.Wrap(err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, ConnectionError.Wrap(errs.Combine(err, db.Close()))
	}
	log.Debug("connected to change log", zap.String("path", path))
	return &SQLite{log: log, db: db, conn: conn, logTable: DefaultLogTable}, nil
}

// EnableCapture creates the change log and installs capture triggers for
// every column of sourceTable under the given capture instance name.
func EnableCapture(ctx context.Context, db *sql.DB, sourceTable, capture string) error {
	columns, err := tableColumns(ctx, db, sourceTable)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("cdc: table %s has no columns", sourceTable)
	}
	stmts := append([]string{LogTableDDL(DefaultLogTable)}, CaptureTriggers(sourceTable, capture, DefaultLogTable, columns)...)
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func tableExists(ctx context.Context, q queryer, table string) (_ bool, err error) {
	rows, err := q.QueryContext(ctx, `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if err != nil {
		return false, err
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()
	found := rows.Next()
	return found, rows.Err()
}

func tableColumns(ctx context.Context, q queryer, table string) (_ []string, err error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var columns []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// Fetch implements Source.
func (s *SQLite) Fetch(ctx context.Context, dataset catalog.Dataset, asOf time.Time) (_ *Cursor, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := s.closeCursor(); err != nil {
		s.log.Warn("closing previous cursor", zap.Error(err))
	}

	columns, err := tableColumns(ctx, s.conn, dataset.Source.Table)
	if err != nil {
		return nil, QueryError.Wrap(err)
	}
	if len(columns) == 0 {
		return nil, QueryError.New("source table %s not found", dataset.Source.Table)
	}
	names := append([]string{SequenceColumn, OperationColumn, CapturedAtColumn}, columns...)
	fields, err := NewFieldIndex(names, dataset.Source.PrimaryKey)
	if err != nil {
		return nil, QueryError.Wrap(err)
	}

	logged, err := tableExists(ctx, s.conn, s.logTable)
	if err != nil {
		return nil, QueryError.Wrap(err)
	}
	if !logged {
		s.log.Warn("change log has no captured data", zap.String("capture", dataset.ChangeFunction))
		return EmptyCursor(), nil
	}

	query := fmt.Sprintf(`SELECT seq, op, payload, CAST(captured_at AS TEXT)
FROM %s
WHERE capture = ? AND captured_at >= ? AND captured_at <= ?
ORDER BY seq`, s.logTable)
	rows, err := s.conn.QueryContext(ctx, query,
		dataset.ChangeFunction, Epoch.Format(timestampLayout), asOf.UTC().Format(timestampLayout))
	if err != nil {
		return nil, QueryError.Wrap(err)
	}

	scan := func(rows *sql.Rows) (Record, error) {
		var (
			e          LogEntry
			capturedAt string
		)
		if err := rows.Scan(&e.Seq, &e.Op, &e.Payload, &capturedAt); err != nil {
			return Record{}, err
		}
		at, err := time.Parse(timestampLayout, capturedAt)
		if err != nil {
			return Record{}, fmt.Errorf("entry %d: captured at: %w", e.Seq, err)
		}
		e.CapturedAt = at
		return decodeEntry(e, fields, columns)
	}
	s.cursor = newCursor(fields, rows, scan)
	return s.cursor, nil
}

// LogKey encodes a log sequence number as a fixed-width hex key.
func LogKey(seq int64) string { return fmt.Sprintf("%020X", seq) }

func decodeEntry(e LogEntry, fields *FieldIndex, columns []string) (Record, error) {
	payload := map[string]interface{}{}
	dec := json.NewDecoder(bytes.NewReader(e.Payload))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return Record{}, fmt.Errorf("entry %d: %w", e.Seq, err)
	}
	key := LogKey(e.Seq)
	values := make([]interface{}, fields.Len())
	values[0] = key
	values[1] = e.Op
	values[2] = e.CapturedAt
	for i, col := range columns {
		v, err := jsonValue(payload[col])
		if err != nil {
			return Record{}, fmt.Errorf("entry %d column %s: %w", e.Seq, col, err)
		}
		values[3+i] = v
	}
	return NewRecord(e.Op, key, fields, values), nil
}

// jsonValue keeps integers exact and gives other numbers decimal semantics.
func jsonValue(v interface{}) (interface{}, error) {
	n, ok := v.(json.Number)
	if !ok {
		return v, nil
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	return decimal.NewFromString(n.String())
}

// Acknowledge implements Source.
func (s *SQLite) Acknowledge(ctx context.Context, dataset catalog.Dataset, keys []string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.closeCursor(); err != nil {
		s.log.Warn("closing previous cursor", zap.Error(err))
	}
	seqs := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		seq, err := strconv.ParseInt(key, 16, 64)
		if err != nil {
			return 0, AckError.New("invalid key %q", key)
		}
		seqs = append(seqs, seq)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, AckError.Wrap(err)
	}
	var total int64
	for start := 0; start < len(seqs); start += maxParams {
		end := start + maxParams
		if end > len(seqs) {
			end = len(seqs)
		}
		group := seqs[start:end]
		query := fmt.Sprintf(`DELETE FROM %s WHERE capture = ? AND seq IN (?%s)`, s.logTable, strings.Repeat(", ?", len(group)-1))
		args := append([]interface{}{dataset.ChangeFunction}, group...)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, AckError.Wrap(errs.Combine(err, tx.Rollback()))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, AckError.Wrap(errs.Combine(err, tx.Rollback()))
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, AckError.Wrap(err)
	}
	s.log.Debug("deleted change log entries", zap.String("capture", dataset.ChangeFunction), zap.Int64("rows", total))
	return total, nil
}

// Close implements Source.
func (s *SQLite) Close() error {
	return errs.Combine(s.closeCursor(), s.conn.Close(), s.db.Close())
}

func (s *SQLite) closeCursor() error {
	c := s.cursor
	s.cursor = nil
	return c.Close()
}
