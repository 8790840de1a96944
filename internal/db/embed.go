package db

import "embed"

// EmbedMigrations holds the freshness store schema.
//
//go:embed migrations/*.sql
var EmbedMigrations embed.FS
