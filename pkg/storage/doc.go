// Package storage provides storage implementations for work unit, event,
// cost, and checkpoint persistence.
//
// This package includes:
//   - GormStorage: a GORM-based implementation of core.Storage
//   - OpenSQLite: opens the backing SQLite file with WAL mode for
//     cross-process readers
//   - Connection pool configuration helpers
//
// The Storage interface is defined in pkg/core and must be implemented
// by any custom storage backend.
//
// Most users should import the root package github.com/benchwork/benchwork
// which provides NewGormStorage() to create storage instances.
package storage
