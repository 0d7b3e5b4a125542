// Package migrations embeds the SQL schema for the shared state database.
package migrations

import "embed"

// FS holds goose migrations.
//
//go:embed *.sql
var FS embed.FS
