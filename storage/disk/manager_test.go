package disk

import (
	"path/filepath"
	"testing"

	"CrabDB/common"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "wal.log"), 4096)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManagerAllocateReadWritePage(t *testing.T) {
	m := newTestManager(t)

	pid, err := m.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	if pid == common.HeaderPageID {
		t.Fatalf("AllocatePage() returned reserved header page id")
	}

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	if err := m.WritePage(pid, buf); err != nil {
		t.Fatalf("WritePage() error = %v", err)
	}

	got := make([]byte, 4096)
	if err := m.ReadPage(pid, got); err != nil {
		t.Fatalf("ReadPage() error = %v", err)
	}
	for i := range buf {
		if got[i] != buf[i] {
			t.Fatalf("ReadPage() byte %d = %d, want %d", i, got[i], buf[i])
		}
	}
}

func TestManagerDeallocateRecyclesPage(t *testing.T) {
	m := newTestManager(t)

	pid1, _ := m.AllocatePage()
	if err := m.DeallocatePage(pid1); err != nil {
		t.Fatalf("DeallocatePage() error = %v", err)
	}
	pid2, err := m.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage() error = %v", err)
	}
	if pid2 != pid1 {
		t.Fatalf("AllocatePage() after dealloc = %d, want recycled %d", pid2, pid1)
	}
}

func TestManagerLogAppendAndRead(t *testing.T) {
	m := newTestManager(t)

	rec1 := []byte("first-record-")
	rec2 := []byte("second-record")
	if err := m.WriteLog(rec1); err != nil {
		t.Fatalf("WriteLog() error = %v", err)
	}
	if err := m.WriteLog(rec2); err != nil {
		t.Fatalf("WriteLog() error = %v", err)
	}

	buf := make([]byte, len(rec1)+len(rec2))
	n, err := m.ReadLog(buf, 0)
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if n != len(buf) {
		t.Fatalf("ReadLog() n = %d, want %d", n, len(buf))
	}
	if string(buf) != string(rec1)+string(rec2) {
		t.Fatalf("ReadLog() = %q, want %q", buf, string(rec1)+string(rec2))
	}
}

func TestManagerReadLogPastEndIsShort(t *testing.T) {
	m := newTestManager(t)
	if err := m.WriteLog([]byte("abc")); err != nil {
		t.Fatalf("WriteLog() error = %v", err)
	}

	buf := make([]byte, 100)
	n, err := m.ReadLog(buf, 0)
	if err != nil {
		t.Fatalf("ReadLog() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("ReadLog() n = %d, want 3 (short read past EOF)", n)
	}
}
