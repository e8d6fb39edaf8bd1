// Package migrations embeds the schema files so binaries can apply them
// without a checkout next to them.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
