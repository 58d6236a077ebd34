// internal/storage/init.go
package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationPath = "migrations"

func (s *Storage) runMigrations() error {
	const op = "storage.migrations"

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := goose.Up(s.db, migrationPath); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			s.log.Info("migrations_up_to_date")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("migrations_applied")
	return nil
}
