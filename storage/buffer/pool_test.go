package buffer

import (
	"path/filepath"
	"testing"

	"CrabDB/common"
	"CrabDB/storage/disk"
)

func newTestPool(t *testing.T, capacity int) (*Pool, *disk.Manager) {
	t.Helper()
	dir := t.TempDir()
	d, err := disk.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "wal.log"), 4096)
	if err != nil {
		t.Fatalf("disk.Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return New(capacity, d, 4096), d
}

func TestPoolNewPageAndFetch(t *testing.T) {
	p, _ := newTestPool(t, 4)

	pid, f, err := p.NewPage()
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	copy(f.Data(), []byte("hello"))
	if err := p.Unpin(pid, true); err != nil {
		t.Fatalf("Unpin() error = %v", err)
	}

	f2, err := p.Fetch(pid)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(f2.Data()[:5]) != "hello" {
		t.Fatalf("Fetch() data = %q, want hello", f2.Data()[:5])
	}
	p.Unpin(pid, false)
}

func TestPoolEvictsLRUWhenFull(t *testing.T) {
	p, _ := newTestPool(t, 2)

	pid1, _, _ := p.NewPage()
	p.Unpin(pid1, false)
	pid2, _, _ := p.NewPage()
	p.Unpin(pid2, false)

	// Touch pid1 so it's MRU, making pid2 the eviction victim.
	f1, _ := p.Fetch(pid1)
	p.Unpin(pid1, false)
	_ = f1

	pid3, _, err := p.NewPage()
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	p.Unpin(pid3, false)

	if _, ok := p.pageTable.Find(pid2); ok {
		t.Fatalf("page %d should have been evicted", pid2)
	}
	if _, ok := p.pageTable.Find(pid1); !ok {
		t.Fatalf("page %d should still be resident (recently touched)", pid1)
	}
}

func TestPoolOutOfMemoryWhenAllPinned(t *testing.T) {
	p, _ := newTestPool(t, 1)

	_, _, err := p.NewPage()
	if err != nil {
		t.Fatalf("NewPage() error = %v", err)
	}
	// Frame is still pinned (never Unpin'd); the pool has no free frames
	// and nothing evictable.
	_, _, err = p.NewPage()
	if err == nil {
		t.Fatalf("NewPage() on exhausted pinned pool returned nil error")
	}
}

func TestPoolUnpinUnknownPageErrors(t *testing.T) {
	p, _ := newTestPool(t, 2)
	if err := p.Unpin(common.PageID(999), false); err == nil {
		t.Fatalf("Unpin() on unknown page returned nil error")
	}
}

func TestPoolDeletePageRejectsPinned(t *testing.T) {
	p, _ := newTestPool(t, 2)
	pid, _, _ := p.NewPage()

	if err := p.DeletePage(pid); err == nil {
		t.Fatalf("DeletePage() on pinned page returned nil error")
	}
	p.Unpin(pid, false)
	if err := p.DeletePage(pid); err != nil {
		t.Fatalf("DeletePage() error = %v", err)
	}
}
