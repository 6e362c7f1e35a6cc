// Package cache implements YTBot's durable retry queue for failed uploads.
//
// When a delivery to the storage backend fails after the uploader's own retry
// budget is exhausted, the file is parked here and replayed later, either
// when the backend's availability transitions back to up or on the
// maintenance schedule. The queue is persisted as a human-inspectable JSON
// document; every write goes through a temp-file-then-rename so the on-disk
// queue is never observed half-written.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ytbot-dev/ytbot/internal/models"
)

// queueDocument is the on-disk representation. The items array preserves
// insertion order, which is the replay order.
type queueDocument struct {
	Version int                `json:"version"`
	SavedAt time.Time          `json:"saved_at"`
	Items   []models.RetryItem `json:"items"`
}

const documentVersion = 1

// Opts holds configuration for the Manager.
type Opts struct {
	Path string
}

// Option defines a configuration option for the Manager.
type Option func(*Opts)

// WithPath sets the queue document path (required).
func WithPath(path string) Option {
	return func(o *Opts) { o.Path = path }
}

// DrainSummary reports the outcome of one drain pass.
type DrainSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Stats is a point-in-time summary of the queue for the admin status command.
type Stats struct {
	Count      int   `json:"count"`
	TotalBytes int64 `json:"total_bytes"`
}

// Manager owns the retry queue and its backing document. All mutating
// operations are serialized; List and Stats observe consistent snapshots and
// may run concurrently with a drain.
type Manager struct {
	path string

	// opMu serializes mutating operations (single writer); mu guards the
	// in-memory slice so readers can snapshot mid-drain.
	opMu sync.Mutex
	mu   sync.RWMutex

	items []models.RetryItem
}

// NewManager creates a Manager and loads any existing queue document.
func NewManager(opts ...Option) (*Manager, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("cache manager path not set")
	}

	m := &Manager{path: cfg.Path}
	if err := m.load(); err != nil {
		return nil, err
	}
	slog.Debug("Cache manager initialized", "path", cfg.Path, "items", len(m.items))
	return m, nil
}

// load reads the persisted queue, tolerating a missing file.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		slog.Debug("No existing cache document, starting empty", "path", m.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read cache document %s: %w", m.path, err)
	}

	var doc queueDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse cache document %s: %w", m.path, err)
	}
	m.items = doc.Items
	slog.Info("Cache manager loaded persisted queue", "path", m.path, "items", len(m.items))
	return nil
}

// persist writes the full queue atomically. Callers must hold opMu.
func (m *Manager) persist() error {
	m.mu.RLock()
	doc := queueDocument{Version: documentVersion, SavedAt: time.Now(), Items: m.items}
	data, err := json.MarshalIndent(doc, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal cache document: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "retry-queue-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace cache document: %w", err)
	}
	return nil
}

// Enqueue appends a new retry item and persists the queue before returning.
// Missing ID, enqueue timestamp and source fingerprint (size plus SHA-256)
// are filled in from the source file. On a persistence
// failure the item stays queued in memory and the error is returned so the
// caller can warn the operator.
func (m *Manager) Enqueue(item models.RetryItem) (string, error) {
	if item.SourcePath == "" {
		return "", models.ErrEmptySourcePath
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if item.SizeBytes == 0 || item.Checksum == "" {
		size, sum, err := Fingerprint(item.SourcePath)
		if err != nil {
			slog.Warn("Cache could not fingerprint source file", "error", err, "source", item.SourcePath)
		} else {
			item.SizeBytes = size
			item.Checksum = sum
		}
	}

	m.mu.Lock()
	m.items = append(m.items, item)
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		slog.Error("Cache enqueue persist failed, item retained in memory", "error", err, "id", item.ID, "source", item.SourcePath)
		return item.ID, err
	}
	slog.Info("Cache enqueued retry item", "id", item.ID, "source", item.SourcePath, "remote_dir", item.RemoteDir)
	return item.ID, nil
}

// List returns the queued items in insertion (replay) order.
func (m *Manager) List() []models.RetryItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RetryItem, len(m.items))
	copy(out, m.items)
	return out
}

// Remove deletes one item by ID and persists the queue.
func (m *Manager) Remove(id string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.removeLocked(id) {
		return fmt.Errorf("retry item %s not found", id)
	}
	if err := m.persist(); err != nil {
		slog.Error("Cache remove persist failed", "error", err, "id", id)
		return err
	}
	slog.Debug("Cache removed retry item", "id", id)
	return nil
}

// removeLocked drops an item from the in-memory slice. Callers hold opMu.
func (m *Manager) removeLocked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.items {
		if it.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return true
		}
	}
	return false
}

// Drain attempts delivery for every queued item in insertion order. A
// successful delivery removes the item and persists; a failed delivery
// increments the item's retry count, records the error, and moves on, so a
// single failing item never blocks later items. Delivery is at-least-once: a
// crash between remote success and local removal redelivers on the next pass.
func (m *Manager) Drain(ctx context.Context, deliver func(ctx context.Context, item models.RetryItem) error) DrainSummary {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	snapshot := make([]models.RetryItem, len(m.items))
	copy(snapshot, m.items)
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		return DrainSummary{}
	}
	slog.Info("Cache drain starting", "items", len(snapshot))

	var summary DrainSummary
	for _, item := range snapshot {
		if ctx.Err() != nil {
			slog.Warn("Cache drain aborted by context", "error", ctx.Err(), "remaining", len(snapshot)-summary.Succeeded-summary.Failed)
			break
		}

		if err := deliver(ctx, item); err != nil {
			summary.Failed++
			m.mu.Lock()
			for i := range m.items {
				if m.items[i].ID == item.ID {
					m.items[i].RetryCount++
					m.items[i].LastError = err.Error()
					break
				}
			}
			m.mu.Unlock()
			slog.Warn("Cache drain delivery failed", "id", item.ID, "source", item.SourcePath, "error", err)
			continue
		}

		summary.Succeeded++
		m.removeLocked(item.ID)
		if err := m.persist(); err != nil {
			slog.Error("Cache drain persist after success failed", "error", err, "id", item.ID)
		}
		slog.Info("Cache drain delivered item", "id", item.ID, "source", item.SourcePath)
	}

	if summary.Failed > 0 {
		if err := m.persist(); err != nil {
			slog.Error("Cache drain final persist failed", "error", err)
		}
	}
	slog.Info("Cache drain finished", "succeeded", summary.Succeeded, "failed", summary.Failed)
	return summary
}

// PurgeOrphans removes items whose backing source file no longer exists and
// returns how many were removed. Orphans are a data-integrity condition
// distinct from delivery failure; they would otherwise be retried forever.
func (m *Manager) PurgeOrphans() (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	kept := m.items[:0]
	removed := 0
	for _, item := range m.items {
		if _, err := os.Stat(item.SourcePath); os.IsNotExist(err) {
			removed++
			slog.Warn("Cache purging orphaned retry item", "id", item.ID, "source", item.SourcePath)
			continue
		}
		kept = append(kept, item)
	}
	m.items = kept
	m.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	if err := m.persist(); err != nil {
		slog.Error("Cache orphan purge persist failed", "error", err)
		return removed, err
	}
	slog.Info("Cache purged orphaned items", "removed", removed)
	return removed, nil
}

// Stats returns the queue size and total bytes awaiting delivery.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Count: len(m.items)}
	for _, item := range m.items {
		st.TotalBytes += item.SizeBytes
	}
	return st
}

// Fingerprint computes the size and hex SHA-256 of a file, used to populate
// a retry item's source fingerprint at enqueue time.
func Fingerprint(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
