package storage

import (
	"fmt"
	"strings"
)

// dialect renders the SQL fragments that differ between relational engines.
// One strategy object per engine keeps the dialect-specific strings out of the
// call sites.
type dialect interface {
	kind() Kind
	// placeholder is the bind marker for the 1-based position n.
	placeholder(n int) string
	// upsertSuffix is the conflict clause appended to an INSERT over keyCols
	// updating setCols, or "" when the engine has no native upsert.
	upsertSuffix(keyCols, setCols []string) string
	// checkpointUpsert advances a checkpoint monotonically in one statement.
	// Bind order: source, last_ingested_date, updated_at.
	checkpointUpsert() string
	// columnsQuery lists the existing column names of table, one per row.
	columnsQuery(table string) (string, []any)
	// supportsDropColumn reports whether ALTER TABLE DROP COLUMN works.
	supportsDropColumn() bool
	// maxParams caps bind parameters per statement, for batch chunking.
	maxParams() int
}

func dialectFor(kind Kind) (dialect, error) {
	switch kind {
	case KindPostgres:
		return postgresDialect{}, nil
	case KindMySQL:
		return mysqlDialect{}, nil
	case KindSQLite:
		return sqliteDialect{}, nil
	}
	return nil, fmt.Errorf("no SQL dialect for backend kind %q", kind)
}

type postgresDialect struct{}

func (postgresDialect) kind() Kind { return KindPostgres }

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) upsertSuffix(keyCols, setCols []string) string {
	sets := make([]string, len(setCols))
	for i, col := range setCols {
		sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(keyCols, ", "), strings.Join(sets, ", "))
}

func (postgresDialect) checkpointUpsert() string {
	return `INSERT INTO ingestion_metadata (source, last_ingested_date, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (source) DO UPDATE
SET last_ingested_date = EXCLUDED.last_ingested_date, updated_at = EXCLUDED.updated_at
WHERE EXCLUDED.last_ingested_date > ingestion_metadata.last_ingested_date`
}

func (postgresDialect) columnsQuery(table string) (string, []any) {
	return "SELECT column_name FROM information_schema.columns " +
		"WHERE table_schema = current_schema() AND table_name = $1", []any{table}
}

func (postgresDialect) supportsDropColumn() bool { return true }

func (postgresDialect) maxParams() int { return 65000 }

type mysqlDialect struct{}

func (mysqlDialect) kind() Kind { return KindMySQL }

func (mysqlDialect) placeholder(int) string { return "?" }

func (mysqlDialect) upsertSuffix(_, setCols []string) string {
	sets := make([]string, len(setCols))
	for i, col := range setCols {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// MySQL applies ON DUPLICATE KEY assignments left to right, so updated_at must
// read last_ingested_date before the GREATEST assignment rewrites it.
func (mysqlDialect) checkpointUpsert() string {
	return `INSERT INTO ingestion_metadata (source, last_ingested_date, updated_at)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE
updated_at = IF(VALUES(last_ingested_date) > last_ingested_date, VALUES(updated_at), updated_at),
last_ingested_date = GREATEST(last_ingested_date, VALUES(last_ingested_date))`
}

func (mysqlDialect) columnsQuery(table string) (string, []any) {
	return "SELECT column_name FROM information_schema.columns " +
		"WHERE table_schema = DATABASE() AND table_name = ?", []any{table}
}

func (mysqlDialect) supportsDropColumn() bool { return true }

func (mysqlDialect) maxParams() int { return 60000 }

type sqliteDialect struct{}

func (sqliteDialect) kind() Kind { return KindSQLite }

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) upsertSuffix(keyCols, setCols []string) string {
	sets := make([]string, len(setCols))
	for i, col := range setCols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s",
		strings.Join(keyCols, ", "), strings.Join(sets, ", "))
}

func (sqliteDialect) checkpointUpsert() string {
	return `INSERT INTO ingestion_metadata (source, last_ingested_date, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(source) DO UPDATE
SET last_ingested_date = excluded.last_ingested_date, updated_at = excluded.updated_at
WHERE excluded.last_ingested_date > ingestion_metadata.last_ingested_date`
}

func (sqliteDialect) columnsQuery(table string) (string, []any) {
	return "SELECT name FROM pragma_table_info(?)", []any{table}
}

// Old sqlite releases cannot drop columns; the patch routine rebuilds the
// table through a temp copy instead.
func (sqliteDialect) supportsDropColumn() bool { return false }

func (sqliteDialect) maxParams() int { return 900 }
