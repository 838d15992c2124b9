// Package migrations embeds the SQL migration files so the binary can create
// the jobs table without files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
