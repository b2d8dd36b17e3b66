// Package migrations holds the SQL schema applied by `worker migrate`.
package migrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
