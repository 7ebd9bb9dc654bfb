//go:build !nocgo

package store

import (
	_ "github.com/mattn/go-sqlite3"
)

// driverName is the database/sql driver registered for SQLite access. The
// default build uses the cgo-based mattn/go-sqlite3 driver, matching the
// teacher's internal/db; pass -tags nocgo to switch to the pure-Go driver
// in driver_nocgo.go for cross-compiled or cgo-disabled environments.
const driverName = "sqlite3"
