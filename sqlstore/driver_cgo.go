//go:build sqlite_cgo

package sqlstore

// Built with the sqlite_cgo tag, SQLite goes through the cgo driver:
//
//	CGO_ENABLED=1 go build -tags sqlite_cgo ./...

import (
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDriver is the database/sql driver used for the SQLite dialect.
const SQLiteDriver = "sqlite3"
