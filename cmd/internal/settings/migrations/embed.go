// Package migrations embeds the SQLite schema for the settings store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
