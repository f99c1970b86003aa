// Package migrations embeds the case database schema, one directory per
// driver. Files are applied in name order by db.Migrator.
package migrations

import "embed"

// SqliteMigrations holds the SQLite schema files.
//
//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

// PostgresMigrations holds the PostgreSQL schema files.
//
//go:embed postgres/*.sql
var PostgresMigrations embed.FS
