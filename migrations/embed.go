// Package migrations holds the SQL schema applied by goose at startup.
package migrations

import "embed"

// FS contains the ordered goose migrations.
//
//go:embed *.sql
var FS embed.FS
