// Package store defines the aggregate persistence contract for the dead
// letter engine. Backends implement the entry store plus lifecycle
// management (migrate, ping, close).
//
// Available backends:
//   - memory: in-process, for tests and development
//   - postgres: pgx-based, for production
//   - bun: bun ORM over PostgreSQL, for applications already on bun
package store

import (
	"context"

	"github.com/xraph/deadletter/entry"
)

// Store is the full persistence interface a backend must implement.
type Store interface {
	entry.Store

	// Migrate creates or upgrades the backend schema.
	Migrate(ctx context.Context) error

	// Ping verifies connectivity to the backing database.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}
