package migrations

import "github.com/uptrace/bun/migrate"

// Migrations collects the schema steps; each file registers one step named
// after its file.
var Migrations = migrate.NewMigrations()
