package testutil

import (
	"testing"

	"pdm-go/internal/database"
	"pdm-go/internal/database/migrations"
	"pdm-go/internal/pdm"
)

// NewTestStore opens a migrated in-memory store. It is closed when the
// test completes.
func NewTestStore(t *testing.T, clock pdm.Clock) *database.SQLiteStore {
	t.Helper()

	store, err := database.NewSQLiteStore(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := migrations.MigrateUp(store.DB()); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	return store
}

// NewTestAuditLog returns an audit log sharing store's connection.
func NewTestAuditLog(store *database.SQLiteStore) *database.SQLiteAuditLog {
	return database.NewSQLiteAuditLog(store.DB())
}
