// Header page access. Page 0 is reserved for a directory of
// (index name, root page id) records so trees can find their roots again
// after a restart: a record count up front, then fixed-width name/root
// records. Insert and update are collapsed into a single upsert since
// each tree is the only writer of its own record.

package btree

import (
	"encoding/binary"

	"CrabDB/common"
	"CrabDB/storage/page"
)

const (
	headerCountOffset = 0
	headerRecordBase  = 4
	headerNameWidth   = 32
	headerRecordSize  = headerNameWidth + 4
)

type headerView struct {
	f *page.Frame
}

func (h headerView) count() int {
	return int(binary.LittleEndian.Uint32(h.f.Data()[headerCountOffset:]))
}

func (h headerView) setCount(n int) {
	binary.LittleEndian.PutUint32(h.f.Data()[headerCountOffset:], uint32(n))
}

func (h headerView) nameAt(i int) string {
	off := headerRecordBase + i*headerRecordSize
	raw := h.f.Data()[off : off+headerNameWidth]
	end := 0
	for end < len(raw) && raw[end] != 0 {
		end++
	}
	return string(raw[:end])
}

func (h headerView) rootAt(i int) common.PageID {
	off := headerRecordBase + i*headerRecordSize + headerNameWidth
	return common.PageID(binary.LittleEndian.Uint32(h.f.Data()[off:]))
}

func (h headerView) setRootAt(i int, pid common.PageID) {
	off := headerRecordBase + i*headerRecordSize + headerNameWidth
	binary.LittleEndian.PutUint32(h.f.Data()[off:], uint32(pid))
}

// find returns the record index for name, or -1.
func (h headerView) find(name string) int {
	for i := 0; i < h.count(); i++ {
		if h.nameAt(i) == name {
			return i
		}
	}
	return -1
}

// setRoot upserts (name, root). Reports false when the name is too long
// or the directory is full.
func (h headerView) setRoot(name string, root common.PageID) bool {
	if len(name) > headerNameWidth {
		return false
	}
	if i := h.find(name); i >= 0 {
		h.setRootAt(i, root)
		return true
	}
	i := h.count()
	if headerRecordBase+(i+1)*headerRecordSize > len(h.f.Data()) {
		return false
	}
	off := headerRecordBase + i*headerRecordSize
	raw := h.f.Data()[off : off+headerNameWidth]
	for j := range raw {
		raw[j] = 0
	}
	copy(raw, name)
	h.setRootAt(i, root)
	h.setCount(i + 1)
	return true
}

// root returns the recorded root page id for name.
func (h headerView) root(name string) (common.PageID, bool) {
	i := h.find(name)
	if i < 0 {
		return common.InvalidPageID, false
	}
	return h.rootAt(i), true
}
