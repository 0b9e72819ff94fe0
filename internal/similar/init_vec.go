//go:build sqlite_vec && cgo

package similar

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver so a
	// vec0 virtual table can replace the in-memory scan for large stores.
	vec.Auto()
}
