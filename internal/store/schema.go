package store

import (
	"context"
	"fmt"
	"strings"

	"echodb/internal/mutation"
)

// EventsTable is the name of the event log table.
const EventsTable = "events"

const sequenceName = EventsTable

var mysqlDialect = dialect{
	driver:     "mysql",
	lockSuffix: " FOR UPDATE",
	quoteChar:  "`",
	logDDL: []string{
		`CREATE TABLE IF NOT EXISTS events (
			id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
			type VARCHAR(16) NOT NULL,
			table_name VARCHAR(64) NOT NULL,
			row_id BIGINT UNSIGNED NOT NULL,
			diff JSON NOT NULL,
			actor VARCHAR(120) NULL,
			created_at DATETIME(6) NOT NULL,
			KEY idx_events_created_at (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS event_sequence (
			name VARCHAR(32) NOT NULL PRIMARY KEY,
			value BIGINT UNSIGNED NOT NULL
		) ENGINE=InnoDB`,
	},
	seedSQL: `INSERT IGNORE INTO event_sequence (name, value)
		SELECT ?, COALESCE(MAX(id), 0) FROM events`,
	ddl: func(t *mutation.Table) string {
		return tableDDL(t, "`", map[mutation.FieldKind]string{
			mutation.KindEnum:      "VARCHAR(64)",
			mutation.KindDecimal:   "DECIMAL(12,2)",
			mutation.KindReference: "BIGINT UNSIGNED",
		}, "BIGINT UNSIGNED NOT NULL PRIMARY KEY", "DATETIME", ") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4")
	},
}

var sqliteDialect = dialect{
	driver: "sqlite3",
	pragmas: []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	},
	quoteChar: `"`,
	logDDL: []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			type TEXT NOT NULL,
			table_name TEXT NOT NULL,
			row_id INTEGER NOT NULL,
			diff TEXT NOT NULL,
			actor TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
		`CREATE TABLE IF NOT EXISTS event_sequence (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
	},
	seedSQL: `INSERT OR IGNORE INTO event_sequence (name, value)
		SELECT ?, COALESCE(MAX(id), 0) FROM events`,
	ddl: func(t *mutation.Table) string {
		return tableDDL(t, `"`, map[mutation.FieldKind]string{
			mutation.KindEnum:      "TEXT",
			mutation.KindDecimal:   "NUMERIC",
			mutation.KindReference: "INTEGER",
		}, "INTEGER PRIMARY KEY", "DATETIME", ")")
	},
}

// tableDDL derives CREATE TABLE for a whitelisted table. Enum columns
// default to their first value, decimals to zero, and required references
// are NOT NULL.
func tableDDL(t *mutation.Table, q string, types map[mutation.FieldKind]string, idType, timeType, tail string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s%s%s (\n\t%sid%s %s", q, t.Name, q, q, q, idType)
	for _, f := range t.Fields {
		fmt.Fprintf(&b, ",\n\t%s%s%s %s", q, f.Name, q, types[f.Kind])
		switch {
		case f.Kind == mutation.KindEnum:
			fmt.Fprintf(&b, " NOT NULL DEFAULT '%s'", strings.ReplaceAll(f.Values[0], "'", "''"))
		case f.Kind == mutation.KindDecimal:
			b.WriteString(" NOT NULL DEFAULT 0")
		case f.Required:
			b.WriteString(" NOT NULL")
		default:
			b.WriteString(" NULL")
		}
	}
	if t.Timestamps {
		fmt.Fprintf(&b, ",\n\t%screated_at%s %s NOT NULL DEFAULT CURRENT_TIMESTAMP", q, q, timeType)
		fmt.Fprintf(&b, ",\n\t%supdated_at%s %s NOT NULL DEFAULT CURRENT_TIMESTAMP", q, q, timeType)
	}
	b.WriteString("\n" + tail)
	return b.String()
}

// Migrate creates the event log, the id sequence and every whitelisted table
// that does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := append([]string{}, s.dialect.logDDL...)
	for _, t := range s.registry.Tables() {
		stmts = append(stmts, s.dialect.ddl(t))
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.seedSQL, sequenceName); err != nil {
		return fmt.Errorf("failed to seed event sequence: %w", err)
	}
	return nil
}
