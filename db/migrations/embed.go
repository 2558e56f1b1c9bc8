// Package dbmigrations exposes the embedded SQL migrations of the market data sink.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into the runner binaries.
//
//go:embed *.sql
var Files embed.FS
