// Package store provides delivery-history storage backends for YTBot.
//
// Every successful upload (direct or replayed from the retry queue) is
// recorded here, backing the admin status command. SQLite is the default
// backend; a PostgreSQL DSN switches to Postgres, and an in-memory store
// serves tests.
package store

import (
	"strings"

	"github.com/ytbot-dev/ytbot/internal/models"
)

// Store is the delivery-history persistence surface.
type Store interface {
	// AddDelivery records one completed upload.
	AddDelivery(rec models.DeliveryRecord) error
	// RecentDeliveries returns up to limit records, newest first.
	RecentDeliveries(limit int) ([]models.DeliveryRecord, error)
	// CountDeliveries returns the total number of recorded deliveries.
	CountDeliveries() (int, error)
	// Close releases the backend's resources.
	Close() error
}

// Opts holds configuration for store constructors.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
