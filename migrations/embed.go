// Package migrations holds bodhiq's Postgres schema: the queries table and
// the agent_results table that records one row per agent execution. The
// files are applied in name order by storage.DB.RunMigrations and tracked
// in schema_migrations.
package migrations

import "embed"

// FS contains every numbered .sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS
