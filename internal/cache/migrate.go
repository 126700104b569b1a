package cache

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/matheus3301/mktinbox/internal/cache/migrations"
)

// MigrateResult describes what happened during migration.
type MigrateResult struct {
	Version uint
	Changed bool
	// Rebuilt is set when a dirty schema was dropped and recreated.
	Rebuilt bool
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// SchemaVersion reports the applied schema version; 0 when nothing is applied.
func (db *DB) SchemaVersion() (version uint, dirty bool, err error) {
	m, err := db.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Migrate brings the schema up to date. A schema left dirty by an interrupted
// migration is dropped and rebuilt: everything in the cache can be refetched.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}

	result := &MigrateResult{}
	if _, dirty, err := m.Version(); err == nil && dirty {
		if err := m.Drop(); err != nil {
			return nil, fmt.Errorf("drop dirty schema: %w", err)
		}
		if m, err = db.migrator(); err != nil {
			return nil, err
		}
		result.Rebuilt = true
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
	case err != nil:
		return nil, fmt.Errorf("migration up: %w", err)
	default:
		result.Changed = true
	}

	version, _, err := m.Version()
	if err != nil {
		return nil, fmt.Errorf("migration version: %w", err)
	}
	result.Version = version
	return result, nil
}
