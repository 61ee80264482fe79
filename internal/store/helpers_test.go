package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/dukerupert/brewpoints/internal/database"
	"github.com/dukerupert/brewpoints/internal/model"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// setupFileDB opens an on-disk database so concurrent writers get their own
// connections.
func setupFileDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestAccount(t *testing.T, db *sql.DB, phone string) *model.Account {
	t.Helper()
	reg, err := NewAccountStore(db).Register(context.Background(), NewAccount{Phone: phone, Name: "Member " + phone})
	if err != nil {
		t.Fatalf("register %s: %v", phone, err)
	}
	return reg.Account
}

func createTestCafe(t *testing.T, db *sql.DB, name string) *model.Cafe {
	t.Helper()
	c, err := NewCafeStore(db).Create(context.Background(), name, true)
	if err != nil {
		t.Fatalf("create cafe %s: %v", name, err)
	}
	return c
}
