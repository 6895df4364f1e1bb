// Node page layout. Every tree page starts with the same header; leaves
// add sibling links. Entries are packed arrays directly after the header.
//
//	common header: type(4) | lsn(4) | size(4) | maxSize(4) | parent(4) | self(4)
//	internal entry: key(8) | child(4); slot 0's key is unused
//	leaf header adds: next(4) | prev(4)
//	leaf entry: key(8) | ridPage(4) | ridSlot(2) | pad(2)
//
// All field access goes through explicit encoding/binary reads and
// writes against the frame's byte buffer.

package btree

import (
	"encoding/binary"

	"CrabDB/common"
	"CrabDB/storage/page"
)

// Key is the fixed-width index key.
type Key int64

// Comparator orders keys: negative if a < b, zero if equal, positive if
// a > b. The tree never compares keys any other way.
type Comparator func(a, b Key) int

func defaultCompare(a, b Key) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

type pageType int32

const (
	pageTypeInvalid pageType = iota
	pageTypeInternal
	pageTypeLeaf
)

const (
	typeOffset    = 0
	lsnOffset     = 4
	sizeOffset    = 8
	maxSizeOffset = 12
	parentOffset  = 16
	selfOffset    = 20
	headerSize    = 24

	leafNextOffset = 24
	leafPrevOffset = 28
	leafHeaderSize = 32

	internalEntrySize = 12
	leafEntrySize     = 16
)

// maxSizesFor derives per-node-type entry limits from the page geometry:
// raw capacity minus one staging slot (a node briefly holds max+1 entries
// between an insert and the split it triggers), rounded down to even so
// halves split cleanly.
func maxSizesFor(pageSize int) (leafMax, internalMax int) {
	leafMax = ((pageSize-leafHeaderSize)/leafEntrySize - 1) &^ 1
	internalMax = ((pageSize-headerSize)/internalEntrySize - 1) &^ 1
	return leafMax, internalMax
}

// node is a typed view over a pinned frame. It holds no state of its own.
type node struct {
	f *page.Frame
}

func asNode(f *page.Frame) node { return node{f: f} }

func initLeaf(f *page.Frame, self, parent common.PageID, maxSize int) node {
	n := node{f: f}
	n.setI32(typeOffset, int32(pageTypeLeaf))
	n.setI32(lsnOffset, 0)
	n.setI32(sizeOffset, 0)
	n.setI32(maxSizeOffset, int32(maxSize))
	n.setI32(parentOffset, int32(parent))
	n.setI32(selfOffset, int32(self))
	n.setNext(common.InvalidPageID)
	n.setPrev(common.InvalidPageID)
	return n
}

func initInternal(f *page.Frame, self, parent common.PageID, maxSize int) node {
	n := node{f: f}
	n.setI32(typeOffset, int32(pageTypeInternal))
	n.setI32(lsnOffset, 0)
	n.setI32(sizeOffset, 0)
	n.setI32(maxSizeOffset, int32(maxSize))
	n.setI32(parentOffset, int32(parent))
	n.setI32(selfOffset, int32(self))
	return n
}

func (n node) i32(off int) int32 {
	return int32(binary.LittleEndian.Uint32(n.f.Data()[off:]))
}

func (n node) setI32(off int, v int32) {
	binary.LittleEndian.PutUint32(n.f.Data()[off:], uint32(v))
}

func (n node) typ() pageType { return pageType(n.i32(typeOffset)) }
func (n node) isLeaf() bool  { return n.typ() == pageTypeLeaf }

func (n node) size() int     { return int(n.i32(sizeOffset)) }
func (n node) setSize(s int) { n.setI32(sizeOffset, int32(s)) }

func (n node) maxSize() int { return int(n.i32(maxSizeOffset)) }

// minSize is the lower occupancy bound for non-root nodes: half of max
// entries for leaves, half of max children for internals. maxSize is kept
// even, so the halves are exact.
func (n node) minSize() int { return n.maxSize() / 2 }

func (n node) parent() common.PageID       { return common.PageID(n.i32(parentOffset)) }
func (n node) setParent(pid common.PageID) { n.setI32(parentOffset, int32(pid)) }

func (n node) self() common.PageID { return common.PageID(n.i32(selfOffset)) }

// Leaf sibling links.
func (n node) next() common.PageID       { return common.PageID(n.i32(leafNextOffset)) }
func (n node) setNext(pid common.PageID) { n.setI32(leafNextOffset, int32(pid)) }
func (n node) prev() common.PageID       { return common.PageID(n.i32(leafPrevOffset)) }
func (n node) setPrev(pid common.PageID) { n.setI32(leafPrevOffset, int32(pid)) }

// ---- leaf entries ----

func (n node) leafKeyAt(i int) Key {
	off := leafHeaderSize + i*leafEntrySize
	return Key(binary.LittleEndian.Uint64(n.f.Data()[off:]))
}

func (n node) leafRIDAt(i int) common.RID {
	off := leafHeaderSize + i*leafEntrySize + 8
	return common.RID{
		Page: common.PageID(binary.LittleEndian.Uint32(n.f.Data()[off:])),
		Slot: binary.LittleEndian.Uint16(n.f.Data()[off+4:]),
	}
}

func (n node) setLeafEntry(i int, k Key, rid common.RID) {
	off := leafHeaderSize + i*leafEntrySize
	data := n.f.Data()
	binary.LittleEndian.PutUint64(data[off:], uint64(k))
	binary.LittleEndian.PutUint32(data[off+8:], uint32(rid.Page))
	binary.LittleEndian.PutUint16(data[off+12:], rid.Slot)
	binary.LittleEndian.PutUint16(data[off+14:], 0)
}

// leafKeyIndex returns the first index whose key is >= k, or size when
// every key is smaller.
func (n node) leafKeyIndex(k Key, cmp Comparator) int {
	lo, hi := 0, n.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.leafKeyAt(mid), k) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// leafInsertAt shifts entries [i, size) right by one and writes the new
// entry at i.
func (n node) leafInsertAt(i int, k Key, rid common.RID) {
	data := n.f.Data()
	start := leafHeaderSize + i*leafEntrySize
	end := leafHeaderSize + n.size()*leafEntrySize
	copy(data[start+leafEntrySize:end+leafEntrySize], data[start:end])
	n.setLeafEntry(i, k, rid)
	n.setSize(n.size() + 1)
}

// leafRemoveAt shifts entries [i+1, size) left over i.
func (n node) leafRemoveAt(i int) {
	data := n.f.Data()
	start := leafHeaderSize + i*leafEntrySize
	end := leafHeaderSize + n.size()*leafEntrySize
	copy(data[start:], data[start+leafEntrySize:end])
	n.setSize(n.size() - 1)
}

// ---- internal entries ----

func (n node) keyAt(i int) Key {
	off := headerSize + i*internalEntrySize
	return Key(binary.LittleEndian.Uint64(n.f.Data()[off:]))
}

func (n node) setKeyAt(i int, k Key) {
	off := headerSize + i*internalEntrySize
	binary.LittleEndian.PutUint64(n.f.Data()[off:], uint64(k))
}

func (n node) childAt(i int) common.PageID {
	off := headerSize + i*internalEntrySize + 8
	return common.PageID(binary.LittleEndian.Uint32(n.f.Data()[off:]))
}

func (n node) setChildAt(i int, pid common.PageID) {
	off := headerSize + i*internalEntrySize + 8
	binary.LittleEndian.PutUint32(n.f.Data()[off:], uint32(pid))
}

func (n node) setInternalEntry(i int, k Key, child common.PageID) {
	n.setKeyAt(i, k)
	n.setChildAt(i, child)
}

// valueIndex returns the position of child among n's children, or -1.
func (n node) valueIndex(child common.PageID) int {
	for i := 0; i < n.size(); i++ {
		if n.childAt(i) == child {
			return i
		}
	}
	return -1
}

// lookup returns the child to descend into for k: binary search over the
// separators [1, size) for the smallest i with key_i > k, then child i-1.
func (n node) lookup(k Key, cmp Comparator) common.PageID {
	lo, hi := 1, n.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(n.keyAt(mid), k) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return n.childAt(lo - 1)
}

// populateNewRoot makes n a two-child root with sep separating them.
func (n node) populateNewRoot(left common.PageID, sep Key, right common.PageID) {
	n.setInternalEntry(0, 0, left)
	n.setInternalEntry(1, sep, right)
	n.setSize(2)
}

// insertNodeAfter places (sep, child) immediately after the entry whose
// child is after, shifting later entries right.
func (n node) insertNodeAfter(after common.PageID, sep Key, child common.PageID) {
	idx := n.valueIndex(after) + 1
	data := n.f.Data()
	start := headerSize + idx*internalEntrySize
	end := headerSize + n.size()*internalEntrySize
	copy(data[start+internalEntrySize:end+internalEntrySize], data[start:end])
	n.setInternalEntry(idx, sep, child)
	n.setSize(n.size() + 1)
}

// internalRemoveAt drops the (key, child) pair at i.
func (n node) internalRemoveAt(i int) {
	data := n.f.Data()
	start := headerSize + i*internalEntrySize
	end := headerSize + n.size()*internalEntrySize
	copy(data[start:], data[start+internalEntrySize:end])
	n.setSize(n.size() - 1)
}
