package migrations

import (
	"embed"
	"errors"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres mysql sqlite3
var FS embed.FS

// this is because embeddings do not allow ../ so we use this as a method to get it in other sub folders

// Up applies every migration in the dialect folder (postgres, mysql or sqlite3) to dbURL.
func Up(dialect string, dbURL string) error {
	sub, err := fs.Sub(FS, dialect)
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
