// Package disk is the storage engine's raw I/O boundary. The rest of the
// engine programs against the Disk interface; Manager is the one
// file-backed implementation shipped here so the buffer pool and WAL are
// exercisable end to end, with a single data file holding int32-addressed
// pages and a flat append-only log file beside it.
package disk

import (
	"fmt"
	"io"
	"os"
	"sync"

	"CrabDB/common"
)

// Manager is a Disk implementation: one page file, one append-only log
// file, both accessed by ReadAt/WriteAt.
type Manager struct {
	mu         sync.RWMutex
	pageSize   int
	dataFile   *os.File
	logFile    *os.File
	nextPageID common.PageID
	freeList   []common.PageID
	logSize    int64
}

// Disk is the interface the rest of the engine programs against: page
// read/write/allocate/deallocate plus offset-based log read and
// append-style log write.
type Disk interface {
	ReadPage(pid common.PageID, buf []byte) error
	WritePage(pid common.PageID, buf []byte) error
	AllocatePage() (common.PageID, error)
	DeallocatePage(pid common.PageID) error
	ReadLog(buf []byte, offset int64) (int, error)
	WriteLog(buf []byte) error
	Sync() error
}

var _ Disk = (*Manager)(nil)

// Open creates or reopens a database at dataPath/logPath. Page 0 (the
// reserved header page) is allocated if the data file is empty.
func Open(dataPath, logPath string, pageSize int) (*Manager, error) {
	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("disk: open data file %s: %w", dataPath, err)
	}
	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("disk: open log file %s: %w", logPath, err)
	}

	stat, err := dataFile.Stat()
	if err != nil {
		dataFile.Close()
		logFile.Close()
		return nil, fmt.Errorf("disk: stat data file: %w", err)
	}
	logStat, err := logFile.Stat()
	if err != nil {
		dataFile.Close()
		logFile.Close()
		return nil, fmt.Errorf("disk: stat log file: %w", err)
	}

	m := &Manager{
		pageSize:   pageSize,
		dataFile:   dataFile,
		logFile:    logFile,
		nextPageID: common.PageID(stat.Size() / int64(pageSize)),
		logSize:    logStat.Size(),
	}
	if m.nextPageID == 0 {
		// Reserve page 0 for the header page up front.
		if _, err := m.AllocatePage(); err != nil {
			dataFile.Close()
			logFile.Close()
			return nil, fmt.Errorf("disk: reserve header page: %w", err)
		}
	}
	return m, nil
}

// ReadPage reads pageSize bytes for pid into buf.
func (m *Manager) ReadPage(pid common.PageID, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(buf) != m.pageSize {
		return fmt.Errorf("disk: read page %d: buffer size %d != page size %d", pid, len(buf), m.pageSize)
	}
	offset := int64(pid) * int64(m.pageSize)
	n, err := m.dataFile.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return fmt.Errorf("disk: read page %d: %w", pid, err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WritePage writes buf (exactly pageSize bytes) to pid's slot.
func (m *Manager) WritePage(pid common.PageID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(buf) != m.pageSize {
		return fmt.Errorf("disk: write page %d: buffer size %d != page size %d", pid, len(buf), m.pageSize)
	}
	offset := int64(pid) * int64(m.pageSize)
	if _, err := m.dataFile.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("disk: write page %d: %w", pid, err)
	}
	return nil
}

// AllocatePage returns a fresh PID, recycling a deallocated one if the
// free list is non-empty.
func (m *Manager) AllocatePage() (common.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.freeList); n > 0 {
		pid := m.freeList[n-1]
		m.freeList = m.freeList[:n-1]
		return pid, nil
	}
	pid := m.nextPageID
	m.nextPageID++
	return pid, nil
}

// DeallocatePage returns pid to the free list for reuse by a later
// AllocatePage.
func (m *Manager) DeallocatePage(pid common.PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeList = append(m.freeList, pid)
	return nil
}

// ReadLog reads into buf starting at offset, returning the number of bytes
// actually read. Callers (the recovery module) treat a short read as an
// incomplete trailing record, not an error.
func (m *Manager) ReadLog(buf []byte, offset int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, err := m.logFile.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("disk: read log at %d: %w", offset, err)
	}
	return n, nil
}

// WriteLog appends buf to the log file and advances the tracked log size.
func (m *Manager) WriteLog(buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.logFile.Write(buf)
	if err != nil {
		return fmt.Errorf("disk: write log: %w", err)
	}
	m.logSize += int64(n)
	return nil
}

// Sync forces both files to stable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.dataFile.Sync(); err != nil {
		return fmt.Errorf("disk: sync data file: %w", err)
	}
	if err := m.logFile.Sync(); err != nil {
		return fmt.Errorf("disk: sync log file: %w", err)
	}
	return nil
}

// Close releases both file handles.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if err := m.dataFile.Close(); err != nil {
		firstErr = err
	}
	if err := m.logFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
