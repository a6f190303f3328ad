// Package migrations embeds the goose migration set for the optional
// audit/session-log store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
