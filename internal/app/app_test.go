package app

import (
	"testing"

	"github.com/ytbot-dev/ytbot/internal/lockfile"
	"github.com/ytbot-dev/ytbot/internal/monitor"
	"github.com/ytbot-dev/ytbot/internal/store"
)

// closeRecorder wraps a store and records whether Close was called.
type closeRecorder struct {
	store.Store
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return c.Store.Close()
}

func TestAbortCleanupReleasesResources(t *testing.T) {
	stateDir := t.TempDir()
	lock, err := lockfile.Acquire(stateDir)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	rec := &closeRecorder{Store: store.NewInMemoryStore()}

	abortCleanup(monitor.New(), rec, lock)

	if !rec.closed {
		t.Error("abort must close the delivery store")
	}
	// The lock must be free again for the next process.
	relock, err := lockfile.Acquire(stateDir)
	if err != nil {
		t.Fatalf("lock was not released on abort: %v", err)
	}
	relock.Release()
}

func TestAbortCleanupToleratesNilResources(t *testing.T) {
	abortCleanup(nil, nil, nil)
}
