// Package migrations holds the tenant schema migrations compiled into the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
