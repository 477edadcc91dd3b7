// Package db holds the SQL migrations shared by the scheduler and worker
// services.
package db

import "embed"

// Migrations contains every up and down migration, applied in version order.
//
//go:embed migrations/*.sql
var Migrations embed.FS
