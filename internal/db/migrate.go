package db

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies all pending migrations embedded in the binary
func Migrate(database *sql.DB) error {
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(database, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// TruncateObjects empties the object table. Tests only.
func TruncateObjects(database *sql.DB) error {
	if _, err := database.Exec("TRUNCATE TABLE kv_objects"); err != nil {
		return fmt.Errorf("truncate kv_objects: %w", err)
	}
	return nil
}
