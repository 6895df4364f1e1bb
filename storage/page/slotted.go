// Slotted is the tuple-page view of a frame: a slot directory of
// (offset, size) pairs growing down from a small header while tuple bytes
// grow up from the end of the page. Tuple format beyond size/offset is
// opaque here; this is exactly the surface WAL recovery needs to replay
// and roll back tuple operations. Mark-deleted slots carry a negated size
// as their tombstone.

package page

import (
	"encoding/binary"
	"fmt"

	"CrabDB/common"
)

const (
	slottedLSNOffset   = 0
	slottedCountOffset = 4
	slottedFreeOffset  = 8
	slottedHeaderSize  = 12
	slotEntrySize      = 8 // offset(4) | size(4), size < 0 means mark-deleted
)

// Slotted wraps a frame with tuple-level accessors. It holds no state of
// its own; every call reads and writes the frame's bytes in place.
type Slotted struct {
	f *Frame
}

// AsSlotted views f as a slotted tuple page.
func AsSlotted(f *Frame) Slotted { return Slotted{f: f} }

// InitSlotted formats f as an empty slotted page.
func InitSlotted(f *Frame) Slotted {
	s := Slotted{f: f}
	data := f.Data()
	for i := 0; i < slottedHeaderSize; i++ {
		data[i] = 0
	}
	s.setI32(slottedFreeOffset, int32(len(data)))
	return s
}

// LSN reads the page LSN persisted in the page bytes.
func (s Slotted) LSN() common.LSN {
	return common.LSN(s.i32(slottedLSNOffset))
}

// SetLSN stamps the page LSN in the page bytes and mirrors it onto the
// frame metadata the buffer pool's WAL rule consults.
func (s Slotted) SetLSN(lsn common.LSN) {
	s.setI32(slottedLSNOffset, int32(lsn))
	s.f.SetPageLSN(lsn)
}

// TupleCount returns the number of slots in the directory, live or not.
func (s Slotted) TupleCount() int {
	return int(s.i32(slottedCountOffset))
}

// Insert places tuple at the given slot, growing the directory if the
// slot does not exist yet. Inserting over a live slot is an error.
func (s Slotted) Insert(slot uint16, tuple []byte) error {
	count := s.TupleCount()
	newCount := count
	if int(slot) >= count {
		newCount = int(slot) + 1
	}
	if int(slot) < count {
		if _, size := s.slotEntry(int(slot)); size > 0 {
			return fmt.Errorf("slotted page %d: insert into live slot %d", s.f.ID(), slot)
		}
	}

	off, err := s.reserve(tuple, newCount)
	if err != nil {
		return err
	}
	for i := count; i < newCount; i++ {
		s.setSlotEntry(i, 0, 0)
	}
	s.setI32(slottedCountOffset, int32(newCount))
	copy(s.f.Data()[off:], tuple)
	s.setSlotEntry(int(slot), off, int32(len(tuple)))
	return nil
}

// Update overwrites the tuple at slot, returning the old image. The new
// bytes are written to freshly reserved space; reclaiming the old copy is
// out of scope.
func (s Slotted) Update(slot uint16, tuple []byte) ([]byte, error) {
	old, ok := s.Get(slot)
	if !ok {
		return nil, fmt.Errorf("slotted page %d: update of empty slot %d", s.f.ID(), slot)
	}
	off, err := s.reserve(tuple, s.TupleCount())
	if err != nil {
		return nil, err
	}
	copy(s.f.Data()[off:], tuple)
	s.setSlotEntry(int(slot), off, int32(len(tuple)))
	return old, nil
}

// MarkDelete tombstones the slot without reclaiming its bytes.
func (s Slotted) MarkDelete(slot uint16) error {
	off, size := s.slotEntry(int(slot))
	if int(slot) >= s.TupleCount() || size <= 0 {
		return fmt.Errorf("slotted page %d: mark delete of empty slot %d", s.f.ID(), slot)
	}
	s.setSlotEntry(int(slot), off, -size)
	return nil
}

// RollbackDelete clears a tombstone set by MarkDelete.
func (s Slotted) RollbackDelete(slot uint16) error {
	off, size := s.slotEntry(int(slot))
	if int(slot) >= s.TupleCount() || size >= 0 {
		return fmt.Errorf("slotted page %d: rollback delete of live slot %d", s.f.ID(), slot)
	}
	s.setSlotEntry(int(slot), off, -size)
	return nil
}

// ApplyDelete removes the slot's tuple for good.
func (s Slotted) ApplyDelete(slot uint16) error {
	if int(slot) >= s.TupleCount() {
		return fmt.Errorf("slotted page %d: apply delete of missing slot %d", s.f.ID(), slot)
	}
	s.setSlotEntry(int(slot), 0, 0)
	return nil
}

// Get returns a copy of the tuple at slot. ok is false for empty or
// mark-deleted slots.
func (s Slotted) Get(slot uint16) ([]byte, bool) {
	if int(slot) >= s.TupleCount() {
		return nil, false
	}
	off, size := s.slotEntry(int(slot))
	if size <= 0 {
		return nil, false
	}
	out := make([]byte, size)
	copy(out, s.f.Data()[off:int(off)+int(size)])
	return out, true
}

// reserve carves len(tuple) bytes out of the free region, leaving room
// for a directory of slotCount entries.
func (s Slotted) reserve(tuple []byte, slotCount int) (int32, error) {
	free := s.i32(slottedFreeOffset)
	newFree := free - int32(len(tuple))
	dirEnd := int32(slottedHeaderSize + slotCount*slotEntrySize)
	if newFree < dirEnd {
		return 0, fmt.Errorf("slotted page %d: no space for %d-byte tuple", s.f.ID(), len(tuple))
	}
	s.setI32(slottedFreeOffset, newFree)
	return newFree, nil
}

func (s Slotted) slotEntry(i int) (offset, size int32) {
	base := slottedHeaderSize + i*slotEntrySize
	return s.i32(base), s.i32(base + 4)
}

func (s Slotted) setSlotEntry(i int, offset, size int32) {
	base := slottedHeaderSize + i*slotEntrySize
	s.setI32(base, offset)
	s.setI32(base+4, size)
}

func (s Slotted) i32(off int) int32 {
	return int32(binary.LittleEndian.Uint32(s.f.Data()[off:]))
}

func (s Slotted) setI32(off int, v int32) {
	binary.LittleEndian.PutUint32(s.f.Data()[off:], uint32(v))
}
