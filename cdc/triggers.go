package cdc

import (
	"fmt"
	"strings"
)

// CaptureTriggers returns the trigger DDL statements required to capture
// inserts, updates, and deletes against a source table into the change log
// using SQLite syntax. Operation codes match SQL Server change data capture:
// 2 insert, 4 update (after image), 1 delete. The payload is serialized as a
// JSON object of the given columns.
func CaptureTriggers(sourceTable, capture, logTable string, columns []string) []string {
	if logTable == "" {
		logTable = DefaultLogTable
	}
	base := sanitizeIdentifier(sourceTable)
	payload := func(alias string) string {
		parts := make([]string, len(columns))
		for i, col := range columns {
			parts[i] = fmt.Sprintf("'%s', %s.%s", strings.ReplaceAll(col, "'", "''"), alias, quoteIdent(col))
		}
		return "json_object(\n        " + strings.Join(parts, ",\n        ") + "\n    )"
	}
	trigger := func(suffix, event string, code int, alias string) string {
		return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_%s AFTER %s ON %s
BEGIN
    INSERT INTO %s(capture, op, payload)
    VALUES (
        '%s',
        %d,
        %s
    );
END;`, base, suffix, event, sourceTable, logTable, strings.ReplaceAll(capture, "'", "''"), code, payload(alias))
	}
	return []string{
		trigger("cdc_ai", "INSERT", 2, "NEW"),
		trigger("cdc_au", "UPDATE", 4, "NEW"),
		trigger("cdc_ad", "DELETE", 1, "OLD"),
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sanitizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	replacer := strings.NewReplacer(".", "_", "-", "_", "$", "_")
	return replacer.Replace(name)
}
