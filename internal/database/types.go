// Package database connects to SurrealDB, reads list tables and watches them
// through live queries.
package database

import (
	"context"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// DBConnection abstracts a managed connection so readers can run
// driver-specific operations without owning reconnect logic.
type DBConnection interface {
	WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error
	IsHealthy() bool
	QueryTimeout() time.Duration
	Close(ctx context.Context) error
}

var _ DBConnection = (*Connection)(nil)
