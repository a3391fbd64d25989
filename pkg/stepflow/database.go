package stepflow

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/RealZimboGuy/stepflow/internal/config"
	"github.com/RealZimboGuy/stepflow/internal/migrations"
)

// OpenDatabase migrates and opens the database selected by DATABASE_TYPE.
func OpenDatabase() (*sql.DB, error) {
	switch databaseType := config.GetSystemSettingString(config.DATABASE_TYPE); databaseType {
	case config.DATABASE_TYPE_POSTGRES:
		return setupPostgresDatabase()
	case config.DATABASE_TYPE_MYSQL:
		return setupMysqlDatabase()
	case config.DATABASE_TYPE_SQLLITE:
		return setupSqlLiteDatabase()
	default:
		return nil, fmt.Errorf("%s_%s must be one of POSTGRES, MYSQL, SQLLITE, got %q",
			config.ENV_PREFIX, config.DATABASE_TYPE, databaseType)
	}
}

func setupPostgresDatabase() (*sql.DB, error) {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		return nil, fmt.Errorf("%s_%s must be set when using the POSTGRES database type", config.ENV_PREFIX, config.DATABASE_URL)
	}
	slog.Info("Using Postgres database")
	slog.Info("Running migrations")
	if err := migrations.Up("postgres", dbURL); err != nil {
		return nil, fmt.Errorf("postgres migration: %w", err)
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return pinged(db)
}

func setupSqlLiteDatabase() (*sql.DB, error) {
	fileName := config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME)
	if fileName == "" {
		return nil, fmt.Errorf("%s_%s must be set", config.ENV_PREFIX, config.DATABASE_SQLLITE_FILE_NAME)
	}
	slog.Info("Using SQLite database", "file", fileName)
	slog.Info("Running migrations")
	if err := migrations.Up("sqlite3", "sqlite3://"+fileName); err != nil {
		return nil, fmt.Errorf("sqlite migration: %w", err)
	}
	db, err := sql.Open("sqlite3", fileName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows a single writer, a second connection only ever sees "database is locked"
	db.SetMaxOpenConns(1)
	return pinged(db)
}

func setupMysqlDatabase() (*sql.DB, error) {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if !strings.HasPrefix(dbURL, "mysql://") {
		return nil, fmt.Errorf("%s_%s must start with 'mysql://' for MySQL", config.ENV_PREFIX, config.DATABASE_URL)
	}
	slog.Info("Using MySQL database")
	slog.Info("Running migrations")
	if err := migrations.Up("mysql", dbURL); err != nil {
		return nil, fmt.Errorf("mysql migration: %w", err)
	}
	dsn, err := mysqlDSN(dbURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return pinged(db)
}

// mysqlDSN strips the mysql:// scheme used by migrate and forces the driver options the
// repositories depend on: parsed DATETIME columns and matched (not changed) row counts.
func mysqlDSN(dbURL string) (string, error) {
	dsn := strings.TrimPrefix(dbURL, "mysql://")
	base, rawQuery, _ := strings.Cut(dsn, "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("invalid mysql url parameters: %w", err)
	}
	params.Set("parseTime", "true")
	params.Set("clientFoundRows", "true")
	return base + "?" + params.Encode(), nil
}

func pinged(db *sql.DB) (*sql.DB, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
