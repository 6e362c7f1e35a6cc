// Package store provides delivery-history storage backends for YTBot.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ytbot-dev/ytbot/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Debug("SQLite delivery store ready", "path", dsn)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddDelivery(rec models.DeliveryRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO deliveries (chat_id, file_name, remote_path, size_bytes, origin, time) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ChatID, rec.FileName, rec.RemotePath, rec.SizeBytes, string(rec.Origin), rec.Time)
	if err != nil {
		slog.Error("SQLiteStore AddDelivery failed", "error", err, "file", rec.FileName)
		return fmt.Errorf("failed to insert delivery for %s: %w", rec.FileName, err)
	}
	slog.Debug("SQLiteStore AddDelivery succeeded", "file", rec.FileName, "origin", rec.Origin)
	return nil
}

func (s *SQLiteStore) RecentDeliveries(limit int) ([]models.DeliveryRecord, error) {
	rows, err := s.db.Query(
		`SELECT chat_id, file_name, remote_path, size_bytes, origin, time FROM deliveries ORDER BY time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore RecentDeliveries query failed", "error", err)
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var out []models.DeliveryRecord
	for rows.Next() {
		var rec models.DeliveryRecord
		var origin string
		if err := rows.Scan(&rec.ChatID, &rec.FileName, &rec.RemotePath, &rec.SizeBytes, &origin, &rec.Time); err != nil {
			slog.Error("SQLiteStore RecentDeliveries scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		rec.Origin = models.DeliveryOrigin(origin)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore RecentDeliveries rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate delivery rows: %w", err)
	}
	slog.Debug("SQLiteStore RecentDeliveries succeeded", "count", len(out))
	return out, nil
}

func (s *SQLiteStore) CountDeliveries() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&count); err != nil {
		slog.Error("SQLiteStore CountDeliveries failed", "error", err)
		return 0, err
	}
	return count, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
