// Package store selects and opens a ledger.Store implementation by driver
// name.
//
//	sqlite, sqlite3  store/sqlite (database/sql + goose migrations)
//	gorm-sqlite      store/gormstore on SQLite
//	postgres, mysql  store/gormstore
package store

import (
	"context"
	"fmt"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/store/gormstore"
	"github.com/warp/credit-ledger/store/sqlite"
)

// Store is a ledger.Store that owns a database connection.
type Store interface {
	ledger.Store
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "sqlite3":
		s, err := sqlite.New(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "gorm-sqlite", "postgres", "mysql":
		if driver == "gorm-sqlite" {
			driver = "sqlite"
		}
		s, err := gormstore.Open(ctx, driver, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

var (
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*gormstore.Store)(nil)
)
