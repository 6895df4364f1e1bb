// Package record defines the write-ahead log's on-disk record layout and
// its serialize/deserialize pair: a fixed header of must-have fields
// followed by a type-specific payload, with tuples carried as a 4-byte
// length prefix plus bytes. Fields are written out explicitly with
// encoding/binary so the format does not depend on struct layout.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	"CrabDB/common"
)

// Type discriminates the payload carried after the record header.
type Type int32

const (
	TypeInvalid Type = iota
	TypeInsert
	TypeMarkDelete
	TypeApplyDelete
	TypeRollbackDelete
	TypeUpdate
	TypeBegin
	TypeCommit
	TypeAbort
	TypeNewPage
)

func (t Type) String() string {
	switch t {
	case TypeInsert:
		return "INSERT"
	case TypeMarkDelete:
		return "MARKDELETE"
	case TypeApplyDelete:
		return "APPLYDELETE"
	case TypeRollbackDelete:
		return "ROLLBACKDELETE"
	case TypeUpdate:
		return "UPDATE"
	case TypeBegin:
		return "BEGIN"
	case TypeCommit:
		return "COMMIT"
	case TypeAbort:
		return "ABORT"
	case TypeNewPage:
		return "NEWPAGE"
	default:
		return "INVALID"
	}
}

// HeaderSize is the fixed prefix every record carries:
// size(4) | lsn(4) | tid(8) | prevLSN(4) | type(4).
const HeaderSize = 24

// ridSize is the serialized width of a RID: page(4) | slot(2).
const ridSize = 6

// ErrIncompleteRecord reports that the byte window handed to Deserialize
// ends before the record it starts does. Recovery treats this as the clean
// end of the log, not as corruption.
var ErrIncompleteRecord = errors.New("wal: incomplete log record")

// Record is one WAL entry. Size and LSN are assigned by the log manager at
// append time; constructors fill in everything else.
type Record struct {
	Size    int32
	LSN     common.LSN
	TID     common.TxnID
	PrevLSN common.LSN
	Type    Type

	// INSERT / MARKDELETE / APPLYDELETE / ROLLBACKDELETE / UPDATE
	RID common.RID

	// INSERT and the delete family carry the affected tuple; UPDATE
	// carries both images.
	Tuple    []byte
	OldTuple []byte
	NewTuple []byte

	// NEWPAGE. The record carries the new page id explicitly so redo
	// knows which page to initialize; PrevPageID chains the allocation.
	PrevPageID common.PageID
	NewPageID  common.PageID
}

// NewBegin starts a transaction's log chain.
func NewBegin(tid common.TxnID) *Record {
	return &Record{Size: HeaderSize, LSN: common.InvalidLSN, TID: tid,
		PrevLSN: common.InvalidLSN, Type: TypeBegin}
}

// NewCommit / NewAbort terminate a transaction's log chain.
func NewCommit(tid common.TxnID, prev common.LSN) *Record {
	return &Record{Size: HeaderSize, LSN: common.InvalidLSN, TID: tid,
		PrevLSN: prev, Type: TypeCommit}
}

func NewAbort(tid common.TxnID, prev common.LSN) *Record {
	return &Record{Size: HeaderSize, LSN: common.InvalidLSN, TID: tid,
		PrevLSN: prev, Type: TypeAbort}
}

// NewInsert describes a tuple insert at rid.
func NewInsert(tid common.TxnID, prev common.LSN, rid common.RID, tuple []byte) *Record {
	return &Record{
		Size:    int32(HeaderSize + ridSize + 4 + len(tuple)),
		LSN:     common.InvalidLSN,
		TID:     tid,
		PrevLSN: prev,
		Type:    TypeInsert,
		RID:     rid,
		Tuple:   tuple,
	}
}

// NewDelete describes one of the three delete flavors at rid. typ must be
// TypeMarkDelete, TypeApplyDelete, or TypeRollbackDelete.
func NewDelete(typ Type, tid common.TxnID, prev common.LSN, rid common.RID, tuple []byte) *Record {
	return &Record{
		Size:    int32(HeaderSize + ridSize + 4 + len(tuple)),
		LSN:     common.InvalidLSN,
		TID:     tid,
		PrevLSN: prev,
		Type:    typ,
		RID:     rid,
		Tuple:   tuple,
	}
}

// NewUpdate describes an in-place tuple update at rid, carrying both the
// before and after images.
func NewUpdate(tid common.TxnID, prev common.LSN, rid common.RID, oldTuple, newTuple []byte) *Record {
	return &Record{
		Size:     int32(HeaderSize + ridSize + 4 + len(oldTuple) + 4 + len(newTuple)),
		LSN:      common.InvalidLSN,
		TID:      tid,
		PrevLSN:  prev,
		Type:     TypeUpdate,
		RID:      rid,
		OldTuple: oldTuple,
		NewTuple: newTuple,
	}
}

// NewNewPage describes the allocation of newPID, chained after prevPID.
func NewNewPage(tid common.TxnID, prev common.LSN, prevPID, newPID common.PageID) *Record {
	return &Record{
		Size:       HeaderSize + 8,
		LSN:        common.InvalidLSN,
		TID:        tid,
		PrevLSN:    prev,
		Type:       TypeNewPage,
		PrevPageID: prevPID,
		NewPageID:  newPID,
	}
}

// SerializeTo writes the record into buf, which must hold at least
// rec.Size bytes. The LSN must already be assigned.
func (r *Record) SerializeTo(buf []byte) {
	if len(buf) < int(r.Size) {
		panic(fmt.Sprintf("wal: serialize record of size %d into %d bytes", r.Size, len(buf)))
	}
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.Size))
	binary.LittleEndian.PutUint32(buf[4:], uint32(r.LSN))
	binary.LittleEndian.PutUint64(buf[8:], uint64(r.TID))
	binary.LittleEndian.PutUint32(buf[16:], uint32(r.PrevLSN))
	binary.LittleEndian.PutUint32(buf[20:], uint32(r.Type))

	pos := HeaderSize
	switch r.Type {
	case TypeInsert, TypeMarkDelete, TypeApplyDelete, TypeRollbackDelete:
		pos += putRID(buf[pos:], r.RID)
		putTuple(buf[pos:], r.Tuple)
	case TypeUpdate:
		pos += putRID(buf[pos:], r.RID)
		pos += putTuple(buf[pos:], r.OldTuple)
		putTuple(buf[pos:], r.NewTuple)
	case TypeNewPage:
		binary.LittleEndian.PutUint32(buf[pos:], uint32(r.PrevPageID))
		binary.LittleEndian.PutUint32(buf[pos+4:], uint32(r.NewPageID))
	}
}

// Deserialize reads one record from the front of data. It returns
// ErrIncompleteRecord when data ends before the record does, which
// recovery treats as the end of the usable log.
func Deserialize(data []byte) (*Record, error) {
	if len(data) < 4 {
		return nil, ErrIncompleteRecord
	}
	size := int32(binary.LittleEndian.Uint32(data[0:]))
	if size < HeaderSize {
		return nil, fmt.Errorf("wal: record size %d below header size: %w", size, common.ErrCorruption)
	}
	if int(size) > len(data) {
		return nil, ErrIncompleteRecord
	}

	r := &Record{
		Size:    size,
		LSN:     common.LSN(binary.LittleEndian.Uint32(data[4:])),
		TID:     common.TxnID(binary.LittleEndian.Uint64(data[8:])),
		PrevLSN: common.LSN(binary.LittleEndian.Uint32(data[16:])),
		Type:    Type(binary.LittleEndian.Uint32(data[20:])),
	}

	body := data[HeaderSize:size]
	switch r.Type {
	case TypeBegin, TypeCommit, TypeAbort:
		// header only
	case TypeInsert, TypeMarkDelete, TypeApplyDelete, TypeRollbackDelete:
		rid, n, err := getRID(body)
		if err != nil {
			return nil, err
		}
		r.RID = rid
		tuple, _, err := getTuple(body[n:])
		if err != nil {
			return nil, err
		}
		r.Tuple = tuple
	case TypeUpdate:
		rid, n, err := getRID(body)
		if err != nil {
			return nil, err
		}
		r.RID = rid
		old, m, err := getTuple(body[n:])
		if err != nil {
			return nil, err
		}
		newer, _, err := getTuple(body[n+m:])
		if err != nil {
			return nil, err
		}
		r.OldTuple, r.NewTuple = old, newer
	case TypeNewPage:
		if len(body) < 8 {
			return nil, fmt.Errorf("wal: truncated NEWPAGE payload: %w", common.ErrCorruption)
		}
		r.PrevPageID = common.PageID(binary.LittleEndian.Uint32(body[0:]))
		r.NewPageID = common.PageID(binary.LittleEndian.Uint32(body[4:]))
	default:
		return nil, fmt.Errorf("wal: unknown record type %d: %w", r.Type, common.ErrCorruption)
	}
	return r, nil
}

func putRID(buf []byte, rid common.RID) int {
	binary.LittleEndian.PutUint32(buf[0:], uint32(rid.Page))
	binary.LittleEndian.PutUint16(buf[4:], rid.Slot)
	return ridSize
}

func getRID(data []byte) (common.RID, int, error) {
	if len(data) < ridSize {
		return common.RID{}, 0, fmt.Errorf("wal: truncated RID: %w", common.ErrCorruption)
	}
	return common.RID{
		Page: common.PageID(binary.LittleEndian.Uint32(data[0:])),
		Slot: binary.LittleEndian.Uint16(data[4:]),
	}, ridSize, nil
}

func putTuple(buf, tuple []byte) int {
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(tuple)))
	copy(buf[4:], tuple)
	return 4 + len(tuple)
}

func getTuple(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("wal: truncated tuple length: %w", common.ErrCorruption)
	}
	n := int(binary.LittleEndian.Uint32(data[0:]))
	if n < 0 || 4+n > len(data) {
		return nil, 0, fmt.Errorf("wal: tuple length %d overruns record: %w", n, common.ErrCorruption)
	}
	tuple := make([]byte, n)
	copy(tuple, data[4:4+n])
	return tuple, 4 + n, nil
}
