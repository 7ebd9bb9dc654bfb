//go:build nocgo

package store

import (
	_ "github.com/glebarez/go-sqlite"
)

// driverName selects the pure-Go, cgo-free SQLite driver under -tags nocgo.
const driverName = "sqlite"
