// Package migrations embeds the Postgres schema migrations applied by goose.
package migrations

import "embed"

// FS holds the goose SQL migrations.
//
//go:embed *.sql
var FS embed.FS
