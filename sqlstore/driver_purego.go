//go:build !sqlite_cgo

package sqlstore

// Built without the sqlite_cgo tag, SQLite goes through the pure Go driver, so the binary
// needs no C toolchain:
//
//	CGO_ENABLED=0 go build ./...

import (
	_ "modernc.org/sqlite"
)

// SQLiteDriver is the database/sql driver used for the SQLite dialect.
const SQLiteDriver = "sqlite"
