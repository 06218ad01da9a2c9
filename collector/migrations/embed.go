// Package migrations embeds the collector's PostgreSQL schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
