// Package dbtest opens throwaway SQLite databases with the service schema.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	"ms-membership/internal/models"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

// New returns an in-memory database closed at test cleanup.
func New(t testing.TB) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	// Every connection to :memory: is its own database.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { db.Close() })

	for _, model := range []interface{}{
		(*models.User)(nil),
		(*models.Event)(nil),
		(*models.PriorityRule)(nil),
		(*models.Registration)(nil),
		(*models.Order)(nil),
	} {
		if _, err := db.NewCreateTable().Model(model).Exec(context.Background()); err != nil {
			t.Fatalf("Failed to create table for %T: %v", model, err)
		}
	}
	return db
}
