// Package migrations embeds the PostgreSQL schema migrations for the audit
// store's Postgres backend, applied with golang-migrate/v4's iofs source
// driver. Grounded on pkg/store/metadata/postgres/migrate.go's embedded
// migration layout.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
