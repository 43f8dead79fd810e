// Package migrations embeds the SQL schema so binaries and tests share it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
