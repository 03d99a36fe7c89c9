package db

import (
	"context"
	"testing"
)

// setupTestDB opens an in-memory database with all migrations applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}

	if _, err := database.MigrateUp(context.Background()); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}

	return database
}
