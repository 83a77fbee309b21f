// Package storage provides the persistence backends for queue entries.
//
// It currently supports:
//   - "memory": process-local store (tests, single-node demos)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Both implement queue.Store, including the append-only transition log.
package storage
