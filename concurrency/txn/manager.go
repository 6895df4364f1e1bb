package txn

import (
	"fmt"
	"sync"

	"CrabDB/common"
)

// Appender is the narrow slice of the WAL manager txn.Manager needs: just
// enough to make BEGIN/COMMIT/ABORT durable. Accepting this interface
// instead of the concrete *wal.Manager keeps this package independent of
// the WAL's own dependency on the buffer pool.
type Appender interface {
	AppendBegin(tid common.TxnID) (common.LSN, error)
	AppendCommit(tid common.TxnID, prevLSN common.LSN) (common.LSN, error)
	AppendAbort(tid common.TxnID, prevLSN common.LSN) (common.LSN, error)
}

// Manager hands out monotonic transaction ids and tracks active
// transactions, making begin/commit/abort boundaries durable through the
// wired-in log appender.
type Manager struct {
	mu     sync.RWMutex
	nextID common.TxnID
	active map[common.TxnID]*Transaction
	wal    Appender
}

// NewManager creates an empty transaction registry.
func NewManager() *Manager {
	return &Manager{active: make(map[common.TxnID]*Transaction)}
}

// SetWAL wires in the log appender used to make transaction boundaries
// durable. Nil is valid and simply disables logging (useful for unit
// tests that only exercise lock semantics).
func (m *Manager) SetWAL(a Appender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wal = a
}

// Begin starts a new transaction in the GROWING state.
func (m *Manager) Begin() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	t := newTransaction(m.nextID)
	if m.wal != nil {
		lsn, err := m.wal.AppendBegin(t.ID())
		if err != nil {
			return nil, fmt.Errorf("txn: begin %d: %w", t.ID(), err)
		}
		t.SetPrevLSN(lsn)
	}
	m.active[t.ID()] = t
	return t, nil
}

// Commit transitions t to COMMITTED and appends a durable COMMIT record.
// Committing an already-aborted transaction is an error.
func (m *Manager) Commit(t *Transaction) error {
	if t.State() == Aborted {
		return fmt.Errorf("txn: commit %d: already aborted", t.ID())
	}
	if m.wal != nil {
		lsn, err := m.wal.AppendCommit(t.ID(), t.PrevLSN())
		if err != nil {
			return fmt.Errorf("txn: commit %d: %w", t.ID(), err)
		}
		t.SetPrevLSN(lsn)
	}
	t.SetState(Committed)
	m.mu.Lock()
	delete(m.active, t.ID())
	m.mu.Unlock()
	return nil
}

// Abort transitions t to ABORTED and appends a durable ABORT record. Safe
// to call on a transaction the lock manager already forced to ABORTED;
// in that case it only appends the record and deregisters it.
func (m *Manager) Abort(t *Transaction) error {
	if m.wal != nil {
		lsn, err := m.wal.AppendAbort(t.ID(), t.PrevLSN())
		if err != nil {
			return fmt.Errorf("txn: abort %d: %w", t.ID(), err)
		}
		t.SetPrevLSN(lsn)
	}
	t.SetState(Aborted)
	m.mu.Lock()
	delete(m.active, t.ID())
	m.mu.Unlock()
	return nil
}

// Get returns the active transaction with the given id.
func (m *Manager) Get(id common.TxnID) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.active[id]
	return t, ok
}
