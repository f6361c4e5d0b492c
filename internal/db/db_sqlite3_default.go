//go:build !sqlite3_cgo

package db

// The default build stays cgo-free with the wasm-embedded SQLite.
import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	driverID   = "ncruces/go-sqlite3"
	driverName = "sqlite3"
)
