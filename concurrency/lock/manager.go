// Package lock implements the RID-granular lock manager: shared/exclusive
// locks with wait-die deadlock prevention backed by a bounded wait, and
// two-phase locking with an optional strict mode.
//
// The lock table is keyed by RID; each entry holds the set of granted
// transactions plus a FIFO wait queue. Wait-die aborts a requester
// younger than any current holder, and the unlock grant-pass admits the
// new head of the queue (and any further shared waiters that immediately
// follow it). Waiters block on per-request one-shot channels so the table
// mutex is never held across a suspension.
package lock

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"CrabDB/common"
	"CrabDB/concurrency/txn"
)

// Mode is the granted or requested lock mode for a RID.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "X"
	}
	return "S"
}

// waiter is a one-shot completion handle: the goroutine that enqueues it
// blocks on done, and whichever unlock call admits it closes done.
type waiter struct {
	tid  common.TxnID
	mode Mode
	done chan struct{}
}

// entry is one RID's lock state: who holds it, in what mode, and who is
// waiting.
type entry struct {
	mode    Mode
	granted map[common.TxnID]struct{}
	queue   []*waiter
}

// Manager is the lock table. One Manager serves an entire buffer pool's
// worth of RIDs; transactions never touch entry directly.
type Manager struct {
	mu          sync.Mutex
	table       map[common.RID]*entry
	waitTimeout time.Duration
	strict      bool
}

// New creates a lock manager. strict selects strict 2PL (locks held until
// commit/abort, unlock only legal once the transaction is COMMITTED or
// ABORTED)
// over vanilla 2PL (unlock allowed anytime in GROWING, transitioning the
// transaction to SHRINKING).
func New(cfg common.Config, strict bool) *Manager {
	timeout := cfg.WaitTimeout
	if timeout <= 0 {
		timeout = common.DefaultConfig().WaitTimeout
	}
	return &Manager{
		table:       make(map[common.RID]*entry),
		waitTimeout: timeout,
		strict:      strict,
	}
}

// LockShared acquires a shared lock on rid for t, blocking if necessary.
func (m *Manager) LockShared(t *txn.Transaction, rid common.RID) (bool, error) {
	return m.acquire(t, rid, Shared)
}

// LockExclusive acquires an exclusive lock on rid for t, blocking if
// necessary.
func (m *Manager) LockExclusive(t *txn.Transaction, rid common.RID) (bool, error) {
	return m.acquire(t, rid, Exclusive)
}

func (m *Manager) acquire(t *txn.Transaction, rid common.RID, mode Mode) (bool, error) {
	if t.State() != txn.Growing {
		t.SetState(txn.Aborted)
		return false, ErrTwoPhaseViolation
	}

	m.mu.Lock()
	e, ok := m.table[rid]
	if !ok {
		e = &entry{mode: mode, granted: map[common.TxnID]struct{}{t.ID(): {}}}
		m.table[rid] = e
		m.mu.Unlock()
		m.record(t, rid, mode)
		return true, nil
	}

	if mode == Shared && e.mode == Shared && len(e.queue) == 0 {
		e.granted[t.ID()] = struct{}{}
		m.mu.Unlock()
		m.record(t, rid, mode)
		return true, nil
	}

	if m.youngerThanGranted(e, t.ID()) {
		m.mu.Unlock()
		t.SetState(txn.Aborted)
		log.WithFields(log.Fields{"txn": t.ID(), "rid": rid, "mode": mode}).Warn("lock: wait-die aborted younger requester")
		return false, ErrAbortedByDeadlockPrevention
	}

	w := &waiter{tid: t.ID(), mode: mode, done: make(chan struct{})}
	e.queue = append(e.queue, w)
	m.mu.Unlock()

	select {
	case <-w.done:
		m.record(t, rid, mode)
		return true, nil
	case <-time.After(m.waitTimeout):
		m.mu.Lock()
		removed := removeWaiter(e, w)
		m.mu.Unlock()
		if !removed {
			// Granted in the instant the timeout fired; honor the grant
			// rather than abort a transaction that already has the lock.
			<-w.done
			m.record(t, rid, mode)
			return true, nil
		}
		t.SetState(txn.Aborted)
		log.WithFields(log.Fields{"txn": t.ID(), "rid": rid, "mode": mode}).Warn("lock: wait timed out")
		return false, ErrAbortedByTimeout
	}
}

// LockUpgrade converts t's shared lock on rid into an exclusive lock.
// Permitted only when t is the sole shared holder; the whole operation is
// atomic under the table mutex, so it never blocks and never needs a
// wait-die check (nothing else can be granted mid-upgrade).
func (m *Manager) LockUpgrade(t *txn.Transaction, rid common.RID) (bool, error) {
	if t.State() != txn.Growing {
		t.SetState(txn.Aborted)
		return false, ErrTwoPhaseViolation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.table[rid]
	if !ok || e.mode != Shared {
		return false, ErrUpgradeConflict
	}
	if _, holds := e.granted[t.ID()]; !holds {
		return false, ErrLockNotHeld
	}
	if len(e.granted) != 1 {
		return false, ErrUpgradeConflict
	}

	delete(e.granted, t.ID())
	t.RemoveSharedLock(rid)

	e.queue = append([]*waiter{{tid: t.ID(), mode: Exclusive, done: make(chan struct{})}}, e.queue...)
	admitFromQueue(e)

	t.InsertExclusiveLock(rid)
	return true, nil
}

// Unlock releases t's lock on rid. Under vanilla 2PL this moves a GROWING
// transaction to SHRINKING; under strict 2PL, unlock is only legal once
// the transaction has already committed or aborted.
func (m *Manager) Unlock(t *txn.Transaction, rid common.RID) (bool, error) {
	if m.strict && t.State() != txn.Committed && t.State() != txn.Aborted {
		t.SetState(txn.Aborted)
		return false, ErrTwoPhaseViolation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.table[rid]
	if !ok {
		return false, ErrLockNotHeld
	}
	if _, holds := e.granted[t.ID()]; !holds {
		return false, ErrLockNotHeld
	}

	delete(e.granted, t.ID())
	if e.mode == Exclusive {
		t.RemoveExclusiveLock(rid)
	} else {
		t.RemoveSharedLock(rid)
	}
	if !m.strict && t.State() == txn.Growing {
		t.SetState(txn.Shrinking)
	}

	if len(e.granted) > 0 {
		return true, nil
	}
	if len(e.queue) == 0 {
		delete(m.table, rid)
		return true, nil
	}
	admitFromQueue(e)
	return true, nil
}

// admitFromQueue grants the head waiter and, if it was shared, every
// consecutive shared waiter that follows it. Caller holds m.mu.
func admitFromQueue(e *entry) {
	if len(e.queue) == 0 {
		return
	}
	head := e.queue[0]
	e.queue = e.queue[1:]
	e.mode = head.mode
	e.granted[head.tid] = struct{}{}
	close(head.done)

	if head.mode != Shared {
		return
	}
	for len(e.queue) > 0 && e.queue[0].mode == Shared {
		w := e.queue[0]
		e.queue = e.queue[1:]
		e.granted[w.tid] = struct{}{}
		close(w.done)
	}
}

func removeWaiter(e *entry, target *waiter) bool {
	for i, w := range e.queue {
		if w == target {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return true
		}
	}
	return false
}

// youngerThanGranted reports whether tid is younger (a larger, later
// TxnID) than any currently granted holder of e, wait-die's "younger
// requester dies" rule.
func (m *Manager) youngerThanGranted(e *entry, tid common.TxnID) bool {
	for g := range e.granted {
		if tid > g {
			return true
		}
	}
	return false
}

func (m *Manager) record(t *txn.Transaction, rid common.RID, mode Mode) {
	if mode == Shared {
		t.InsertSharedLock(rid)
	} else {
		t.InsertExclusiveLock(rid)
	}
}

// String reports the manager's outstanding entry count, for debug logging.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("lock.Manager{entries=%d}", len(m.table))
}
