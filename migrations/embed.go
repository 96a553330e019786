// Package migrations embeds the SQL schema migrations applied by cmd/migrate
// and, when enabled, by the server at startup.
package migrations

import "embed"

// FS holds every *.up.sql and *.down.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
