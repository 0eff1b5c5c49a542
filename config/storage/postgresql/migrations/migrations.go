// Package migrations embeds the schema for the nodes, tasks, file_locks and task_folder_progress tables.
package migrations

import (
	"embed"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var files embed.FS

// Source opens the embedded migrations as a golang-migrate source driver
func Source() (source.Driver, error) {
	return iofs.New(files, ".")
}
