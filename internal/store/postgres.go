// Package store provides delivery-history storage backends for YTBot.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/ytbot-dev/ytbot/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Debug("Postgres delivery store ready")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddDelivery(rec models.DeliveryRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO deliveries (chat_id, file_name, remote_path, size_bytes, origin, time) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ChatID, rec.FileName, rec.RemotePath, rec.SizeBytes, string(rec.Origin), rec.Time)
	if err != nil {
		slog.Error("PostgresStore AddDelivery failed", "error", err, "file", rec.FileName)
		return fmt.Errorf("failed to insert delivery for %s: %w", rec.FileName, err)
	}
	slog.Debug("PostgresStore AddDelivery succeeded", "file", rec.FileName, "origin", rec.Origin)
	return nil
}

func (s *PostgresStore) RecentDeliveries(limit int) ([]models.DeliveryRecord, error) {
	rows, err := s.db.Query(
		`SELECT chat_id, file_name, remote_path, size_bytes, origin, time FROM deliveries ORDER BY time DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore RecentDeliveries query failed", "error", err)
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryRecord
	for rows.Next() {
		var rec models.DeliveryRecord
		var origin string
		if err := rows.Scan(&rec.ChatID, &rec.FileName, &rec.RemotePath, &rec.SizeBytes, &origin, &rec.Time); err != nil {
			slog.Error("PostgresStore RecentDeliveries scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		rec.Origin = models.DeliveryOrigin(origin)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore RecentDeliveries rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate delivery rows: %w", err)
	}
	slog.Debug("PostgresStore RecentDeliveries succeeded", "count", len(out))
	return out, nil
}

func (s *PostgresStore) CountDeliveries() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&count); err != nil {
		slog.Error("PostgresStore CountDeliveries failed", "error", err)
		return 0, err
	}
	return count, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
