//go:build !cgo

package kvstore

// Cross-compiled device builds run with CGO_ENABLED=0 and use the
// pure-Go SQLite port instead.
import _ "modernc.org/sqlite"

const driverName = "sqlite"
