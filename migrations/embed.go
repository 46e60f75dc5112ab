// Package migrations embeds the SQL migration files into the binary so the
// daemon can migrate its run-history database without files on disk.
package migrations

import (
	"embed"

	"github.com/aldcvd/deposition-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
