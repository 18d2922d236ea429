// Package migrations embeds the schema for each supported dialect so the
// binary can migrate a database without files on disk.
package migrations

import "embed"

//go:embed sqlite/*.sql
var SqliteMigrations embed.FS

//go:embed postgres/*.sql
var PostgresMigrations embed.FS
