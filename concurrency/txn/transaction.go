// Package txn implements the transaction object and its 2PL state
// machine: GROWING -> SHRINKING -> COMMITTED, GROWING -> ABORTED,
// SHRINKING -> {COMMITTED, ABORTED}.
package txn

import (
	"fmt"
	"sync"

	"CrabDB/common"
)

// State is a transaction's position in the 2PL state machine.
type State int

const (
	Growing State = iota
	Shrinking
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Growing:
		return "GROWING"
	case Shrinking:
		return "SHRINKING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Transaction is the per-request context threaded through the lock
// manager and B+tree: its TID, 2PL state, lock sets, latch set, and pages
// scheduled for deletion.
type Transaction struct {
	mu sync.Mutex

	id    common.TxnID
	state State

	sharedLocks    map[common.RID]struct{}
	exclusiveLocks map[common.RID]struct{}
	latchSet       []common.PageID
	deletedPages   map[common.PageID]struct{}

	prevLSN common.LSN // LSN of this transaction's most recent WAL record
}

func newTransaction(id common.TxnID) *Transaction {
	return &Transaction{
		id:             id,
		state:          Growing,
		sharedLocks:    make(map[common.RID]struct{}),
		exclusiveLocks: make(map[common.RID]struct{}),
		deletedPages:   make(map[common.PageID]struct{}),
		prevLSN:        common.InvalidLSN,
	}
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() common.TxnID { return t.id }

// State returns the transaction's current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState forces a state transition. The lock manager calls this
// directly to drive GROWING->SHRINKING on unlock and any->ABORTED on a
// 2PL violation, wait-die rejection, or timeout.
func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// PrevLSN returns the LSN of the last WAL record this transaction wrote,
// for chaining prev_lsn pointers.
func (t *Transaction) PrevLSN() common.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prevLSN
}

// SetPrevLSN records the LSN of the most recently appended WAL record.
func (t *Transaction) SetPrevLSN(lsn common.LSN) {
	t.mu.Lock()
	t.prevLSN = lsn
	t.mu.Unlock()
}

// InsertSharedLock / InsertExclusiveLock / RemoveSharedLock /
// RemoveExclusiveLock maintain the transaction's view of what it holds;
// the lock manager is the sole caller.
func (t *Transaction) InsertSharedLock(rid common.RID) {
	t.mu.Lock()
	t.sharedLocks[rid] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) InsertExclusiveLock(rid common.RID) {
	t.mu.Lock()
	t.exclusiveLocks[rid] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) RemoveSharedLock(rid common.RID) {
	t.mu.Lock()
	delete(t.sharedLocks, rid)
	t.mu.Unlock()
}

func (t *Transaction) RemoveExclusiveLock(rid common.RID) {
	t.mu.Lock()
	delete(t.exclusiveLocks, rid)
	t.mu.Unlock()
}

// HoldsShared / HoldsExclusive report whether the transaction's local view
// has rid locked in that mode.
func (t *Transaction) HoldsShared(rid common.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedLocks[rid]
	return ok
}

func (t *Transaction) HoldsExclusive(rid common.RID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclusiveLocks[rid]
	return ok
}

// PushLatch / Latches / ClearLatches implement the ordered latch set B+tree
// crabbing records: pages are pushed in acquisition order and released in
// the same order on both success and error paths.
func (t *Transaction) PushLatch(pid common.PageID) {
	t.mu.Lock()
	t.latchSet = append(t.latchSet, pid)
	t.mu.Unlock()
}

func (t *Transaction) Latches() []common.PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]common.PageID, len(t.latchSet))
	copy(out, t.latchSet)
	return out
}

func (t *Transaction) ClearLatches() {
	t.mu.Lock()
	t.latchSet = t.latchSet[:0]
	t.mu.Unlock()
}

// MarkPageDeleted / DeletedPages track pages a delete operation freed;
// the B+tree only actually frees them through the buffer pool once every
// latch in the transaction's set has released.
func (t *Transaction) MarkPageDeleted(pid common.PageID) {
	t.mu.Lock()
	t.deletedPages[pid] = struct{}{}
	t.mu.Unlock()
}

func (t *Transaction) ClearDeletedPages() {
	t.mu.Lock()
	t.deletedPages = make(map[common.PageID]struct{})
	t.mu.Unlock()
}

func (t *Transaction) DeletedPages() []common.PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]common.PageID, 0, len(t.deletedPages))
	for pid := range t.deletedPages {
		out = append(out, pid)
	}
	return out
}

func (t *Transaction) String() string {
	return fmt.Sprintf("txn{id=%d state=%s}", t.id, t.State())
}
