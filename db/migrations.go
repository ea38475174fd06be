// Package db ships the SQL migrations applied by the goose runner.
package db

import "embed"

// Migrations holds every goose migration under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS
