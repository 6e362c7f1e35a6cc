package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ytbot-dev/ytbot/internal/models"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "retry-queue.json")
	m, err := NewManager(WithPath(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return m, path
}

func writeSourceFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("media payload"), 0644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestEnqueuePersistsAndReloadsInOrder(t *testing.T) {
	m, path := newTestManager(t)

	sources := []string{
		writeSourceFile(t, "one.mp3"),
		writeSourceFile(t, "two.mp3"),
		writeSourceFile(t, "three.mp3"),
	}
	var ids []string
	for _, src := range sources {
		id, err := m.Enqueue(models.RetryItem{SourcePath: src, RemoteDir: "/music", RemoteName: filepath.Base(src)})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, id)
	}

	// A fresh manager on the same document must observe the same items in
	// the same order with the same fields.
	reloaded, err := NewManager(WithPath(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items := reloaded.List()
	if len(items) != 3 {
		t.Fatalf("expected 3 items after reload, got %d", len(items))
	}
	for i, item := range items {
		if item.ID != ids[i] {
			t.Errorf("item %d: expected ID %s, got %s", i, ids[i], item.ID)
		}
		if item.SourcePath != sources[i] {
			t.Errorf("item %d: expected source %s, got %s", i, sources[i], item.SourcePath)
		}
		if item.SizeBytes == 0 {
			t.Errorf("item %d: size not captured", i)
		}
		if item.EnqueuedAt.IsZero() {
			t.Errorf("item %d: enqueue timestamp not set", i)
		}
	}
}

func TestDrainFailingItemStaysQueued(t *testing.T) {
	m, _ := newTestManager(t)

	var ids []string
	for _, name := range []string{"a.mp3", "b.mp3", "c.mp3"} {
		id, err := m.Enqueue(models.RetryItem{SourcePath: writeSourceFile(t, name), RemoteDir: "/music", RemoteName: name})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, id)
	}

	summary := m.Drain(context.Background(), func(ctx context.Context, item models.RetryItem) error {
		if item.ID == ids[1] {
			return errors.New("storage still down")
		}
		return nil
	})

	if summary.Succeeded != 2 || summary.Failed != 1 {
		t.Errorf("expected 2 succeeded / 1 failed, got %+v", summary)
	}
	items := m.List()
	if len(items) != 1 {
		t.Fatalf("expected 1 remaining item, got %d", len(items))
	}
	if items[0].ID != ids[1] {
		t.Errorf("wrong item remained: %s", items[0].ID)
	}
	if items[0].RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", items[0].RetryCount)
	}
	if items[0].LastError == "" {
		t.Error("last error not recorded")
	}
}

func TestDrainEmptyQueue(t *testing.T) {
	m, _ := newTestManager(t)
	summary := m.Drain(context.Background(), func(ctx context.Context, item models.RetryItem) error {
		t.Fatal("deliver must not be called for an empty queue")
		return nil
	})
	if summary.Succeeded != 0 || summary.Failed != 0 {
		t.Errorf("expected empty summary, got %+v", summary)
	}
}

func TestPurgeOrphans(t *testing.T) {
	m, _ := newTestManager(t)

	kept := writeSourceFile(t, "kept.mp3")
	orphan := writeSourceFile(t, "orphan.mp3")
	if _, err := m.Enqueue(models.RetryItem{SourcePath: kept, RemoteName: "kept.mp3"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Enqueue(models.RetryItem{SourcePath: orphan, RemoteName: "orphan.mp3"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Delete the backing file out-of-band.
	if err := os.Remove(orphan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	removed, err := m.PurgeOrphans()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 orphan removed, got %d", removed)
	}
	items := m.List()
	if len(items) != 1 || items[0].SourcePath != kept {
		t.Errorf("orphan still listed after purge: %v", items)
	}
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.Enqueue(models.RetryItem{SourcePath: writeSourceFile(t, "x.mp3")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Remove(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.List()) != 0 {
		t.Error("item still present after remove")
	}
	if err := m.Remove(id); err == nil {
		t.Error("removing a missing item should error")
	}
}

func TestStats(t *testing.T) {
	m, _ := newTestManager(t)
	src := writeSourceFile(t, "x.mp3")
	info, err := os.Stat(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Enqueue(models.RetryItem{SourcePath: src}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st := m.Stats()
	if st.Count != 1 {
		t.Errorf("expected count 1, got %d", st.Count)
	}
	if st.TotalBytes != info.Size() {
		t.Errorf("expected %d bytes, got %d", info.Size(), st.TotalBytes)
	}
}

func TestEnqueueRejectsEmptySource(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Enqueue(models.RetryItem{}); err == nil {
		t.Error("empty source path should be rejected")
	}
}

func TestEnqueueFingerprintsSource(t *testing.T) {
	m, _ := newTestManager(t)
	src := writeSourceFile(t, "x.mp3")
	wantSize, wantSum, err := Fingerprint(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := m.Enqueue(models.RetryItem{SourcePath: src, RemoteName: "x.mp3"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items := m.List()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Checksum != wantSum {
		t.Errorf("expected checksum %s, got %s", wantSum, items[0].Checksum)
	}
	if items[0].SizeBytes != wantSize {
		t.Errorf("expected size %d, got %d", wantSize, items[0].SizeBytes)
	}
}

func TestFingerprint(t *testing.T) {
	src := writeSourceFile(t, "x.mp3")
	size, sum, err := Fingerprint(src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != int64(len("media payload")) {
		t.Errorf("unexpected size %d", size)
	}
	if len(sum) != 64 {
		t.Errorf("expected hex sha256, got %q", sum)
	}
}
