// Package migrations embeds the schema so binaries can migrate without a checkout.
package migrations

import "embed"

// FS holds the numbered up/down scripts.
//
//go:embed *.sql
var FS embed.FS
