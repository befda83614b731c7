// Package migrations embeds the SQL schema migrations into the binary
// and registers them with the database package. Import for side effect:
//
//	import _ "github.com/peerlink/rolekeeper/migrations"
package migrations

import (
	"embed"

	"github.com/peerlink/rolekeeper/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS = files
	database.MigrationsDir = "."
}
