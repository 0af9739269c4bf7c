package cdc

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/viant/featuresync/catalog"
)

// errInsufficientArguments is raised by a cdc.fn_cdc_get_all_changes_*
// function when the requested LSN range holds no change-tracking data.
const errInsufficientArguments = 313

// maxParams keeps acknowledgment statements under SQL Server's 2100
// parameter limit.
const maxParams = 1000

var identifierPattern = regexp.MustCompile(`^[A-Za-z_\[][A-Za-z0-9_$\[\].-]*$`)

// SQLServer reads SQL Server change data capture functions.
type SQLServer struct {
	log    *zap.Logger
	db     *sql.DB
	conn   *sql.Conn
	cursor *Cursor
}

// SQLServerDSN builds the go-mssqldb connection URL for a replica source. A
// named instance may be given as "host\instance".
func SQLServerDSN(c catalog.Connection) string {
	host, instance := c.Server, ""
	if i := strings.IndexByte(host, '\\'); i >= 0 {
		host, instance = host[:i], host[i+1:]
	}
	u := &url.URL{Scheme: "sqlserver", Host: host}
	if instance != "" {
		u.Path = "/" + instance
	}
	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("app name", "featuresync")
	u.RawQuery = q.Encode()
	return u.String()
}

// OpenSQLServer opens and pins one connection to the replica's source.
func OpenSQLServer(ctx context.Context, log *zap.Logger, c catalog.Connection) (*SQLServer, error) {
	db, err := sql.Open("sqlserver", SQLServerDSN(c))
	if err != nil {
		return nil, ConnectionError.Wrap(err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, ConnectionError.Wrap(errs.Combine(err, db.Close()))
	}
	if err := conn.PingContext(ctx); err != nil {
		return nil, ConnectionError.Wrap(errs.Combine(err, conn.Close(), db.Close()))
	}
	log.Debug("connected to change source", zap.Stringer("source", c))
	return &SQLServer{log: log, db: db, conn: conn}, nil
}

// Fetch implements Source.
func (s *SQLServer) Fetch(ctx context.Context, dataset catalog.Dataset, asOf time.Time) (_ *Cursor, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := s.closeCursor(); err != nil {
		s.log.Warn("closing previous cursor", zap.Error(err))
	}
	if !identifierPattern.MatchString(dataset.ChangeFunction) {
		return nil, QueryError.New("invalid change function %q", dataset.ChangeFunction)
	}

	var from, to []byte
	err = s.conn.QueryRowContext(ctx,
		`SELECT sys.fn_cdc_map_time_to_lsn('smallest greater than', @p1), sys.fn_cdc_map_time_to_lsn('largest less than or equal', @p2)`,
		mssql.DateTime1(Epoch), mssql.DateTime1(asOf),
	).Scan(&from, &to)
	if err != nil {
		return nil, QueryError.Wrap(err)
	}
	if from == nil || to == nil || bytes.Compare(from, to) > 0 {
		s.log.Debug("no change-tracking data in window", zap.String("function", dataset.ChangeFunction))
		return EmptyCursor(), nil
	}

	s.log.Debug("calling change function", zap.String("function", dataset.ChangeFunction))
	rows, err := s.conn.QueryContext(ctx, changeQuery(dataset.ChangeFunction), from, to)
	if err != nil {
		if noChangeData(err) {
			s.log.Warn("change function reported no captured data", zap.String("function", dataset.ChangeFunction))
			return EmptyCursor(), nil
		}
		return nil, QueryError.Wrap(err)
	}
	cursor, err := s.cursorFor(dataset, rows)
	if err != nil {
		return nil, QueryError.Wrap(errs.Combine(err, rows.Close()))
	}
	s.cursor = cursor
	return cursor, nil
}

// changeQuery reads every change of a capture instance in commit order.
func changeQuery(function string) string {
	return fmt.Sprintf(`SELECT * FROM %s(@p1, @p2, N'all') ORDER BY __$start_lsn, __$seqval`, function)
}

func (s *SQLServer) cursorFor(dataset catalog.Dataset, rows *sql.Rows) (*Cursor, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(types))
	var decimals, guids []int
	for i, t := range types {
		names[i] = t.Name()
		switch {
		case isDecimalType(t.DatabaseTypeName()):
			decimals = append(decimals, i)
		case strings.EqualFold(t.DatabaseTypeName(), "UNIQUEIDENTIFIER"):
			guids = append(guids, i)
		}
	}
	fields, err := NewFieldIndex(names, OperationColumn, SequenceColumn, dataset.Source.PrimaryKey)
	if err != nil {
		return nil, err
	}
	opPos, _ := fields.Position(OperationColumn)
	seqPos, _ := fields.Position(SequenceColumn)

	scan := func(rows *sql.Rows) (Record, error) {
		values := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Record{}, err
		}
		for _, i := range decimals {
			v, err := decodeDecimal(values[i])
			if err != nil {
				return Record{}, fmt.Errorf("column %s: %w", names[i], err)
			}
			values[i] = v
		}
		for _, i := range guids {
			v, err := decodeUniqueIdentifier(values[i])
			if err != nil {
				return Record{}, fmt.Errorf("column %s: %w", names[i], err)
			}
			values[i] = v
		}
		code, err := toInt64(values[opPos])
		if err != nil {
			return Record{}, fmt.Errorf("column %s: %w", OperationColumn, err)
		}
		seq, ok := values[seqPos].([]byte)
		if !ok {
			return Record{}, fmt.Errorf("column %s: unexpected type %T", SequenceColumn, values[seqPos])
		}
		return NewRecord(code, SequenceKey(seq), fields, values), nil
	}
	return newCursor(fields, rows, scan), nil
}

// Acknowledge implements Source.
func (s *SQLServer) Acknowledge(ctx context.Context, dataset catalog.Dataset, keys []string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.closeCursor(); err != nil {
		s.log.Warn("closing previous cursor", zap.Error(err))
	}
	if !identifierPattern.MatchString(dataset.Source.Table) {
		return 0, AckError.New("invalid change table %q", dataset.Source.Table)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, AckError.Wrap(err)
	}
	var total int64
	for _, group := range chunk(keys, maxParams) {
		query, args := ackStatement(dataset.Source.Table, group)
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
	s.log.Debug("deleted change rows", zap.String("table", dataset.Source.Table), zap.Int64("rows", total))
	return total, nil
}

func ackStatement(table string, keys []string) (string, []interface{}) {
	placeholders := make([]string, len(keys))
	args := make([]interface{}, len(keys))
	for i, key := range keys {
		placeholders[i] = fmt.Sprintf("@p%d", i+1)
		args[i] = key
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE CONVERT(VARCHAR(MAX), __$seqval, 2) IN (%s)`, table, strings.Join(placeholders, ", "))
	return query, args
}

// Close implements Source.
func (s *SQLServer) Close() error {
	return errs.Combine(s.closeCursor(), s.conn.Close(), s.db.Close())
}

func (s *SQLServer) closeCursor() error {
	c := s.cursor
	s.cursor = nil
	return c.Close()
}

// SequenceKey encodes a raw sequence value the way
// CONVERT(VARCHAR(MAX), value, 2) does: upper-case hex without prefix.
func SequenceKey(seq []byte) string { return strings.ToUpper(hex.EncodeToString(seq)) }

func noChangeData(err error) bool {
	var value mssql.Error
	if errors.As(err, &value) {
		return value.Number == errInsufficientArguments
	}
	var ptr *mssql.Error
	if errors.As(err, &ptr) {
		return ptr.Number == errInsufficientArguments
	}
	return false
}

func isDecimalType(name string) bool {
	switch strings.ToUpper(name) {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return true
	}
	return false
}

// decodeDecimal turns the textual decimal representation returned by the
// driver into a decimal.Decimal, keeping NULLs.
func decodeDecimal(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return decimal.NewFromString(string(x))
	case string:
		return decimal.NewFromString(x)
	case float64:
		return decimal.NewFromFloat(x), nil
	default:
		return v, nil
	}
}

// decodeUniqueIdentifier renders a uniqueidentifier in its canonical
// upper-case form, keeping NULLs.
func decodeUniqueIdentifier(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	var id mssql.UniqueIdentifier
	if err := id.Scan(v); err != nil {
		return nil, err
	}
	return id.String(), nil
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case []byte:
		var n int64
		_, err := fmt.Sscan(string(x), &n)
		return n, err
	default:
		return 0, fmt.Errorf("unexpected operation type %T", v)
	}
}
