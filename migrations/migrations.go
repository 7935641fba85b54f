// Package migrations embeds the SQL schema and seed files so the binaries
// carry them without a deploy-time file dependency.
package migrations

import "embed"

//go:embed sql seeds
var FS embed.FS

const (
	// SQLDir is the embedded path of the up/down migrations.
	SQLDir = "sql"
	// SeedsDir is the embedded path of the idempotent seed files.
	SeedsDir = "seeds"
)
