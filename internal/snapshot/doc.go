// Package snapshot persists the last notified status of every known bug so
// that a restart does not re-notify.
//
// It currently supports:
//   - a JSON file replaced atomically (temp file + fsync + rename), guarded
//     by an advisory flock on <path>.lock
//   - a SQLite database (modernc.org/sqlite, no cgo)
package snapshot
