// Package migrations embeds the Postgres schema so the binary can apply it
// at startup from any working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
