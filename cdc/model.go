package cdc

import "time"

// DefaultLogTable is the SQLite change-log table populated by capture triggers.
const DefaultLogTable = "cdc_log"

// LogEntry mirrors a single row of the SQLite change log.
type LogEntry struct {
	Capture    string
	Seq        int64
	Op         int64
	Payload    []byte
	CapturedAt time.Time
}

// LogTableDDL returns the DDL of the change log. Captured rows are stored as
// JSON objects keyed by column name; seq orders entries within the log.
func LogTableDDL(logTable string) string {
	if logTable == "" {
		logTable = DefaultLogTable
	}
	return `CREATE TABLE IF NOT EXISTS ` + logTable + ` (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    capture     TEXT NOT NULL,
    op          INTEGER NOT NULL,
    payload     TEXT NOT NULL,
    captured_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS ` + sanitizeIdentifier(logTable) + `_capture ON ` + logTable + `(capture, captured_at);`
}
