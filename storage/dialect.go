package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts SQL syntax differences between the embedded
// SQLite engine and the PostgreSQL primary, so instance/fleet queries
// are written once. Schema DDL is per-engine and does not go through
// here.
type Dialect interface {
	// Name returns the dialect name ("sqlite", "postgres")
	Name() string

	// UpsertConflict returns the upsert clause for the given key columns.
	UpsertConflict(conflictColumns []string) string

	// ReturningClause returns "RETURNING col, ..." (supported by both
	// engines; sweeper mutations rely on it).
	ReturningClause(columns ...string) string

	// LimitOffset returns the LIMIT/OFFSET clause.
	LimitOffset(limit, offset int) string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) Name() string { return "sqlite" }

func (d *SQLiteDialect) UpsertConflict(conflictColumns []string) string {
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET", strings.Join(conflictColumns, ", "))
}

func (d *SQLiteDialect) ReturningClause(columns ...string) string {
	if len(columns) == 0 {
		return ""
	}
	return "RETURNING " + strings.Join(columns, ", ")
}

func (d *SQLiteDialect) LimitOffset(limit, offset int) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	if offset <= 0 {
		return fmt.Sprintf("LIMIT %d", limit)
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string { return "postgres" }

func (d *PostgresDialect) UpsertConflict(conflictColumns []string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET", strings.Join(conflictColumns, ", "))
}

func (d *PostgresDialect) ReturningClause(columns ...string) string {
	if len(columns) == 0 {
		return ""
	}
	return "RETURNING " + strings.Join(columns, ", ")
}

func (d *PostgresDialect) LimitOffset(limit, offset int) string {
	if limit <= 0 && offset <= 0 {
		return ""
	}
	if offset <= 0 {
		return fmt.Sprintf("LIMIT %d", limit)
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

// ConvertPlaceholders converts SQLite-style ? placeholders to
// PostgreSQL-style $n placeholders so queries are written once.
func ConvertPlaceholders(query string) string {
	var result strings.Builder
	result.Grow(len(query) + 10)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			result.WriteByte(query[i])
		}
	}
	return result.String()
}
