// Package buffer implements the buffer pool manager: the fetch/new-page/
// unpin/delete-page protocol the B+tree and WAL recovery consume, built
// around a fixed-size frame pool. The page table mapping page ids to
// frame slots is the extendible hash directory; eviction candidates are
// tracked by the LRU replacer.
package buffer

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"CrabDB/common"
	"CrabDB/storage/disk"
	"CrabDB/storage/hash"
	"CrabDB/storage/lru"
	"CrabDB/storage/page"
)

// hashUint32 is the HashFunc used to place PageID keys in the directory;
// page IDs are already well distributed small integers so the identity
// function (widened to uint64) is sufficient.
func hashUint32(pid common.PageID) uint64 { return uint64(uint32(pid)) }

// WAL is the dependency the buffer pool consults before writing back a
// dirty frame: persistent_lsn must cover the frame's page_lsn before the
// frame may be written to disk.
type WAL interface {
	FlushUntil(lsn common.LSN) error
	PersistentLSN() common.LSN
}

// Pool is the buffer pool manager.
type Pool struct {
	mu sync.Mutex

	pageSize int
	disk     disk.Disk
	wal      WAL

	frames    []*page.Frame
	inUse     []bool
	freeList  []int
	replacer  *lru.Replacer[int]
	pageTable *hash.Directory[common.PageID, int]
}

// New creates a buffer pool of capacity frames, backed by d.
func New(capacity int, d disk.Disk, pageSize int) *Pool {
	p := &Pool{
		pageSize:  pageSize,
		disk:      d,
		frames:    make([]*page.Frame, capacity),
		inUse:     make([]bool, capacity),
		freeList:  make([]int, capacity),
		replacer:  lru.New[int](),
		pageTable: hash.New[common.PageID, int](8, hashUint32),
	}
	for i := 0; i < capacity; i++ {
		p.frames[i] = page.New(common.InvalidPageID, pageSize)
		p.freeList[i] = capacity - 1 - i
	}
	return p
}

// SetWAL wires in the WAL dependency. Buffer pool and WAL manager are
// constructed independently and linked afterward, because the WAL's
// recovery module itself replays through a buffer pool.
func (p *Pool) SetWAL(w WAL) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wal = w
}

// Fetch returns a pinned frame for pid, loading it from disk on a miss.
func (p *Pool) Fetch(pid common.PageID) (*page.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.pageTable.Find(pid); ok {
		f := p.frames[idx]
		f.Pin()
		p.replacer.Erase(idx)
		log.WithFields(log.Fields{"page": pid, "frame": idx}).Debug("buffer pool hit")
		return f, nil
	}

	idx, err := p.allocateFrame()
	if err != nil {
		return nil, err
	}
	f := p.frames[idx]
	if err := p.disk.ReadPage(pid, f.Data()); err != nil {
		p.freeList = append(p.freeList, idx)
		p.inUse[idx] = false
		return nil, fmt.Errorf("buffer pool: fetch page %d: %w", pid, err)
	}
	f.SetID(pid)
	f.SetDirty(false)
	f.Pin()
	p.pageTable.Insert(pid, idx)
	p.inUse[idx] = true
	log.WithFields(log.Fields{"page": pid, "frame": idx}).Debug("buffer pool miss, loaded from disk")
	return f, nil
}

// NewPage allocates a brand new page, pins it, and returns its id and
// frame. Returns common.ErrOutOfMemory if no frame is evictable.
func (p *Pool) NewPage() (common.PageID, *page.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := p.allocateFrame()
	if err != nil {
		return common.InvalidPageID, nil, err
	}
	pid, err := p.disk.AllocatePage()
	if err != nil {
		p.freeList = append(p.freeList, idx)
		p.inUse[idx] = false
		return common.InvalidPageID, nil, fmt.Errorf("buffer pool: new page: %w", err)
	}
	f := p.frames[idx]
	f.SetID(pid)
	f.ResetData()
	f.SetDirty(true)
	f.Pin()
	p.pageTable.Insert(pid, idx)
	p.inUse[idx] = true
	log.WithFields(log.Fields{"page": pid, "frame": idx}).Debug("buffer pool allocated new page")
	return pid, f, nil
}

// Unpin decrements the pin count for pid and, once it reaches zero, marks
// the frame eligible for eviction again.
func (p *Pool) Unpin(pid common.PageID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.pageTable.Find(pid)
	if !ok {
		return fmt.Errorf("buffer pool: unpin page %d: %w", pid, common.ErrPageNotFound)
	}
	f := p.frames[idx]
	f.Unpin(dirty)
	if f.PinCount() == 0 {
		p.replacer.Insert(idx)
	}
	return nil
}

// DeletePage frees pid's frame (if resident) and tells disk to recycle the
// page id. Fails if the page is still pinned.
func (p *Pool) DeletePage(pid common.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.pageTable.Find(pid); ok {
		f := p.frames[idx]
		if f.PinCount() > 0 {
			return fmt.Errorf("buffer pool: delete page %d: still pinned", pid)
		}
		p.pageTable.Remove(pid)
		p.replacer.Erase(idx)
		f.ResetData()
		f.SetDirty(false)
		f.SetID(common.InvalidPageID)
		p.inUse[idx] = false
		p.freeList = append(p.freeList, idx)
	}
	return p.disk.DeallocatePage(pid)
}

// FlushPage writes pid's frame to disk if dirty, consulting the WAL rule
// first.
func (p *Pool) FlushPage(pid common.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.pageTable.Find(pid)
	if !ok {
		return fmt.Errorf("buffer pool: flush page %d: %w", pid, common.ErrPageNotFound)
	}
	return p.flushFrameLocked(idx)
}

// FlushAll writes every dirty resident frame to disk.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for idx, used := range p.inUse {
		if !used {
			continue
		}
		if err := p.flushFrameLocked(idx); err != nil {
			return err
		}
	}
	return nil
}

// flushFrameLocked writes frames[idx] to disk if dirty. Caller holds p.mu.
func (p *Pool) flushFrameLocked(idx int) error {
	f := p.frames[idx]
	if !f.IsDirty() {
		return nil
	}
	if p.wal != nil {
		if lsn := f.PageLSN(); lsn > p.wal.PersistentLSN() {
			if err := p.wal.FlushUntil(lsn); err != nil {
				return fmt.Errorf("buffer pool: flush page %d: wal flush_until(%d): %w", f.ID(), lsn, err)
			}
		}
	}
	if err := p.disk.WritePage(f.ID(), f.Data()); err != nil {
		return fmt.Errorf("buffer pool: flush page %d: %w", f.ID(), err)
	}
	f.SetDirty(false)
	return nil
}

// allocateFrame returns a free frame index, evicting the LRU unpinned
// frame if the pool is at capacity. Caller holds p.mu.
func (p *Pool) allocateFrame() (int, error) {
	if n := len(p.freeList); n > 0 {
		idx := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return idx, nil
	}

	idx, ok := p.replacer.Victim()
	if !ok {
		return 0, common.ErrOutOfMemory
	}
	if err := p.flushFrameLocked(idx); err != nil {
		// Put the victim back; we failed to make it clean so it cannot
		// be handed out as a free frame.
		p.replacer.Insert(idx)
		return 0, err
	}
	f := p.frames[idx]
	oldPID := f.ID()
	p.pageTable.Remove(oldPID)
	p.inUse[idx] = false
	log.WithFields(log.Fields{"page": oldPID, "frame": idx}).Debug("buffer pool evicted frame")
	return idx, nil
}

// Capacity returns the number of frames in the pool.
func (p *Pool) Capacity() int { return len(p.frames) }
