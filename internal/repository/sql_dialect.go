package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/RealZimboGuy/stepflow/internal/config"
)

// placeholder returns the correct bind variable for the given index based on DB type.
// Postgres uses $1, $2... while MySQL and SQLite use ?
func placeholder(i int) string {
	db := config.GetSystemSettingString(config.DATABASE_TYPE)
	if db == config.DATABASE_TYPE_POSTGRES {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// placeholders returns count comma separated bind variables starting at index start.
func placeholders(start int, count int) string {
	pps := make([]string, 0, count)
	for i := 0; i < count; i++ {
		pps = append(pps, placeholder(start+i))
	}
	return strings.Join(pps, ", ")
}

func formatDateInDatabase(t time.Time) interface{} {
	switch config.GetSystemSettingString(config.DATABASE_TYPE) {
	case config.DATABASE_TYPE_SQLLITE:
		return t.UTC().Format("2006-01-02 15:04:05.000")
	case config.DATABASE_TYPE_MYSQL:
		return t.UTC().Format("2006-01-02 15:04:05.000000")
	}
	return t.UTC()
}

func formatDateInDatabaseNull(t sql.NullTime) interface{} {
	if !t.Valid {
		return nil
	}
	return formatDateInDatabase(t.Time)
}

// dateBefore returns a DB-specific predicate checking that column is strictly before the
// bind variable at index i. SQLite compares through julianday() so TEXT timestamps work.
func dateBefore(column string, i int) string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLLITE {
		return fmt.Sprintf("julianday(%s) < julianday(%s)", column, placeholder(i))
	}
	return fmt.Sprintf("%s < %s", column, placeholder(i))
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
