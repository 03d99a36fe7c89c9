package cli

import (
	"context"

	"github.com/tOgg1/forge/internal/db"
)

// openDatabase opens (and migrates) the forge database at the configured
// path. Every command that touches the store goes through this so the
// schema is always current before a repository query runs.
func openDatabase() (*db.DB, error) {
	cfg := GetConfig()
	database, err := db.Open(db.Config{
		Path:          cfg.DatabasePath(),
		MaxOpenConns:  cfg.Database.MaxConnections,
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(context.Background()); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
