// Package migrations embeds the SQL schema so binaries and tests can apply
// it without a checkout on disk.
package migrations

import "embed"

// FS holds every goose migration in this directory.
//
//go:embed *.sql
var FS embed.FS
