// Package migrations embeds the database schema in golang-migrate layout.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
