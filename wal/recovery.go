package wal

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"CrabDB/common"
	"CrabDB/storage/buffer"
	"CrabDB/storage/disk"
	"CrabDB/storage/page"
	"CrabDB/wal/record"
)

// Recovery replays the log after a crash: a single analysis+redo pass
// from the beginning of the log, then undo of every loser transaction.
//
// The log is read segment-at-a-time into a bounded buffer. Redo maintains
// an active-transaction map per record and an LSN-to-file-offset mapping;
// undo consumes the mapping while walking each loser's prev-LSN chain
// backward. A record straddling a segment boundary is re-read from its
// own offset, so nothing is lost at window edges.
//
// Run is called with logging disabled: the pool handed in must not have a
// WAL wired (replay must not generate new records or trigger the
// eviction-time flush rule against a log that is being read).
type Recovery struct {
	d       disk.Disk
	pool    *buffer.Pool
	bufSize int

	activeTxn  map[common.TxnID]common.LSN
	lsnMapping map[common.LSN]int64
	maxLSN     common.LSN
}

// NewRecovery creates a recovery pass over d's log, replaying onto pool.
func NewRecovery(d disk.Disk, pool *buffer.Pool, cfg common.Config) *Recovery {
	size := cfg.LogBufferSize
	if size <= 0 {
		size = common.DefaultConfig().LogBufferSize
	}
	return &Recovery{
		d:          d,
		pool:       pool,
		bufSize:    size,
		activeTxn:  make(map[common.TxnID]common.LSN),
		lsnMapping: make(map[common.LSN]int64),
		maxLSN:     common.InvalidLSN,
	}
}

// MaxLSN returns the highest LSN seen during redo, so the log manager's
// counter can be repositioned past it.
func (r *Recovery) MaxLSN() common.LSN { return r.maxLSN }

// Run performs redo then undo.
func (r *Recovery) Run() error {
	if err := r.Redo(); err != nil {
		return err
	}
	return r.Undo()
}

// Redo reads the log from the beginning, rebuilding the active
// transaction table and the LSN offset mapping, and replays every data
// record whose target page has not already absorbed it.
func (r *Recovery) Redo() error {
	buf := make([]byte, r.bufSize)
	var offset int64
	replayed := 0

	for {
		n, err := r.d.ReadLog(buf, offset)
		if err != nil {
			return fmt.Errorf("wal recovery: read log at %d: %w", offset, err)
		}
		if n == 0 {
			break
		}

		consumed := 0
		for consumed < n {
			rec, err := record.Deserialize(buf[consumed:n])
			if errors.Is(err, record.ErrIncompleteRecord) {
				break
			}
			if err != nil {
				return fmt.Errorf("wal recovery: redo at offset %d: %w", offset+int64(consumed), err)
			}

			switch rec.Type {
			case record.TypeBegin:
				r.activeTxn[rec.TID] = rec.LSN
			case record.TypeCommit, record.TypeAbort:
				delete(r.activeTxn, rec.TID)
			default:
				r.activeTxn[rec.TID] = rec.LSN
				applied, err := r.redoRecord(rec)
				if err != nil {
					return err
				}
				if applied {
					replayed++
				}
			}

			r.lsnMapping[rec.LSN] = offset + int64(consumed)
			if rec.LSN > r.maxLSN {
				r.maxLSN = rec.LSN
			}
			consumed += int(rec.Size)
		}

		if consumed == 0 {
			// A partial record at the head of the window is the clean end
			// of the usable log.
			break
		}
		offset += int64(consumed)
	}

	log.WithFields(log.Fields{
		"replayed": replayed,
		"losers":   len(r.activeTxn),
		"max_lsn":  r.maxLSN,
	}).Info("wal recovery redo complete")
	return nil
}

// redoRecord replays one data record if the target page's LSN predates
// it. Reports whether the action was applied.
func (r *Recovery) redoRecord(rec *record.Record) (bool, error) {
	if rec.Type == record.TypeNewPage {
		f, err := r.pool.Fetch(rec.NewPageID)
		if err != nil {
			return false, fmt.Errorf("wal recovery: redo NEWPAGE %d: %w", rec.NewPageID, err)
		}
		sp := page.AsSlotted(f)
		if sp.LSN() >= rec.LSN {
			return false, r.pool.Unpin(rec.NewPageID, false)
		}
		page.InitSlotted(f)
		return true, r.pool.Unpin(rec.NewPageID, true)
	}

	rid := rec.RID
	f, err := r.pool.Fetch(rid.Page)
	if err != nil {
		return false, fmt.Errorf("wal recovery: redo %s at %v: %w", rec.Type, rid, err)
	}
	sp := page.AsSlotted(f)
	if sp.LSN() >= rec.LSN {
		return false, r.pool.Unpin(rid.Page, false)
	}

	switch rec.Type {
	case record.TypeInsert:
		err = replaceTuple(sp, rid.Slot, rec.Tuple)
	case record.TypeUpdate:
		_, err = sp.Update(rid.Slot, rec.NewTuple)
	case record.TypeMarkDelete:
		err = sp.MarkDelete(rid.Slot)
	case record.TypeRollbackDelete:
		err = sp.RollbackDelete(rid.Slot)
	case record.TypeApplyDelete:
		err = sp.ApplyDelete(rid.Slot)
	}
	if err != nil {
		r.pool.Unpin(rid.Page, true)
		return false, fmt.Errorf("wal recovery: redo %s at %v: %w", rec.Type, rid, err)
	}
	return true, r.pool.Unpin(rid.Page, true)
}

// Undo rolls back every loser: walk each active transaction's chain
// backward along prev_lsn, applying the inverse of each data record,
// until its BEGIN.
func (r *Recovery) Undo() error {
	buf := make([]byte, r.bufSize)

	for tid, last := range r.activeTxn {
		lsn := last
		for lsn != common.InvalidLSN {
			off, ok := r.lsnMapping[lsn]
			if !ok {
				return fmt.Errorf("wal recovery: undo txn %d: no offset for lsn %d: %w",
					tid, lsn, common.ErrCorruption)
			}
			n, err := r.d.ReadLog(buf, off)
			if err != nil {
				return fmt.Errorf("wal recovery: undo txn %d: read log at %d: %w", tid, off, err)
			}
			rec, err := record.Deserialize(buf[:n])
			if err != nil {
				return fmt.Errorf("wal recovery: undo txn %d at offset %d: %w", tid, off, err)
			}
			if rec.Type == record.TypeBegin {
				break
			}
			if err := r.undoRecord(rec); err != nil {
				return err
			}
			lsn = rec.PrevLSN
		}
		log.WithField("txn", tid).Info("wal recovery rolled back loser")
	}
	return nil
}

// undoRecord applies the inverse of one data record: apply-delete for an
// insert, rollback-delete for a mark-delete, old image for an update.
// The page-LSN gate mirrors redo's, so a page that already carried the
// change when the crash hit is left as the log describes it and repeated
// recovery runs converge on the same state.
func (r *Recovery) undoRecord(rec *record.Record) error {
	rid := rec.RID
	f, err := r.pool.Fetch(rid.Page)
	if err != nil {
		return fmt.Errorf("wal recovery: undo %s at %v: %w", rec.Type, rid, err)
	}
	sp := page.AsSlotted(f)
	if sp.LSN() >= rec.LSN {
		return r.pool.Unpin(rid.Page, false)
	}

	switch rec.Type {
	case record.TypeInsert:
		err = sp.ApplyDelete(rid.Slot)
	case record.TypeMarkDelete:
		err = sp.RollbackDelete(rid.Slot)
	case record.TypeUpdate:
		_, err = sp.Update(rid.Slot, rec.OldTuple)
	case record.TypeRollbackDelete:
		err = sp.MarkDelete(rid.Slot)
	case record.TypeApplyDelete:
		err = replaceTuple(sp, rid.Slot, rec.Tuple)
	case record.TypeNewPage:
		// Page allocation is not undone; the page simply stays formatted
		// and empty.
	}
	if err != nil {
		r.pool.Unpin(rid.Page, true)
		return fmt.Errorf("wal recovery: undo %s at %v: %w", rec.Type, rid, err)
	}
	return r.pool.Unpin(rid.Page, true)
}

// replaceTuple installs tuple at slot whether or not the slot is live,
// keeping replay idempotent when a page already holds an earlier copy.
func replaceTuple(sp page.Slotted, slot uint16, tuple []byte) error {
	if _, ok := sp.Get(slot); ok {
		_, err := sp.Update(slot, tuple)
		return err
	}
	return sp.Insert(slot, tuple)
}
