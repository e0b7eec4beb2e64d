// Package migrations embeds the SQL schema of the audit database.
package migrations

import "embed"

// FS holds the numbered migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
