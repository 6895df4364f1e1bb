// Package btree implements a concurrent B+tree index over fixed-size
// pages: an ordered map from fixed-width keys to record identifiers, with
// latch-crabbing concurrency control on top of the buffer pool.
//
// A tree-level mutex guards the root page id; descents re-check it after
// latching the first page and restart if the root moved. The descent
// releases ancestor latches as soon as the newly latched child is safe
// for the operation. Splits propagate upward through the parents,
// deletes coalesce or redistribute with a sibling, and the root's
// location is recorded on the header page under the index name.
package btree

import (
	"errors"
	"fmt"
	"sync"

	"CrabDB/common"
	"CrabDB/concurrency/txn"
	"CrabDB/storage/buffer"
	"CrabDB/storage/page"
)

// ErrDuplicateKey reports an insert of a key the tree already holds. The
// tree is unchanged; the caller's transaction is not aborted.
var ErrDuplicateKey = errors.New("btree: duplicate key")

// errEmptyTree is returned by findLeaf when the root vanished between the
// caller's emptiness check and the descent; callers retry or report "not
// found".
var errEmptyTree = errors.New("btree: tree is empty")

// BPlusTree is one named index. Concurrent calls are safe: the tree-level
// mutex serializes root transitions and page latches guard page contents.
type BPlusTree struct {
	name string
	pool *buffer.Pool
	cmp  Comparator

	mu      sync.Mutex
	rootPID common.PageID

	leafMax     int
	internalMax int
}

// New opens (or creates) the index called name, deriving node capacities
// from pageSize. The root page id is loaded from the header page if a
// record for name exists.
func New(name string, pool *buffer.Pool, pageSize int) (*BPlusTree, error) {
	leafMax, internalMax := maxSizesFor(pageSize)
	return NewWithMaxSizes(name, pool, leafMax, internalMax)
}

// NewWithMaxSizes opens the index with explicit node capacities. Both
// must be even and at least 2; small values are how the split and
// coalesce paths are exercised without multi-hundred-entry pages.
func NewWithMaxSizes(name string, pool *buffer.Pool, leafMax, internalMax int) (*BPlusTree, error) {
	if leafMax < 2 || leafMax%2 != 0 || internalMax < 2 || internalMax%2 != 0 {
		return nil, fmt.Errorf("btree %s: invalid max sizes leaf=%d internal=%d", name, leafMax, internalMax)
	}
	t := &BPlusTree{
		name:        name,
		pool:        pool,
		cmp:         defaultCompare,
		rootPID:     common.InvalidPageID,
		leafMax:     leafMax,
		internalMax: internalMax,
	}
	f, err := pool.Fetch(common.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("btree %s: load header page: %w", name, err)
	}
	if root, ok := (headerView{f: f}).root(name); ok {
		t.rootPID = root
	}
	if err := pool.Unpin(common.HeaderPageID, false); err != nil {
		return nil, err
	}
	return t, nil
}

// SetComparator overrides the key ordering. Must be called before any
// insert; the on-page order is defined by whatever comparator the tree
// has used all along.
func (t *BPlusTree) SetComparator(cmp Comparator) {
	if cmp != nil {
		t.cmp = cmp
	}
}

// IsEmpty reports whether the tree holds no entries.
func (t *BPlusTree) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootPID == common.InvalidPageID
}

// GetValue returns the record id stored under key.
func (t *BPlusTree) GetValue(key Key, tx *txn.Transaction) (common.RID, bool, error) {
	c := t.newCtx(opFind, tx)
	leaf, err := t.findLeaf(key, false, c)
	if errors.Is(err, errEmptyTree) {
		return common.RID{}, false, nil
	}
	if err != nil {
		return common.RID{}, false, err
	}

	idx := leaf.leafKeyIndex(key, t.cmp)
	var rid common.RID
	found := idx < leaf.size() && t.cmp(leaf.leafKeyAt(idx), key) == 0
	if found {
		rid = leaf.leafRIDAt(idx)
	}
	c.releaseAll(false)
	return rid, found, nil
}

// updateRootRecord writes the current root page id into the header page
// record for this index. Caller holds t.mu.
func (t *BPlusTree) updateRootRecord() error {
	f, err := t.pool.Fetch(common.HeaderPageID)
	if err != nil {
		return fmt.Errorf("btree %s: fetch header page: %w", t.name, err)
	}
	if !(headerView{f: f}).setRoot(t.name, t.rootPID) {
		t.pool.Unpin(common.HeaderPageID, false)
		return fmt.Errorf("btree %s: header page full: %w", t.name, common.ErrCorruption)
	}
	return t.pool.Unpin(common.HeaderPageID, true)
}

// ---- operation context and latch crabbing ----

type opType int

const (
	opFind opType = iota
	opInsert
	opDelete
)

// opCtx tracks one operation's held latches (in acquisition order) and
// the pages it scheduled for deletion. The transaction's latch set, when
// a transaction is supplied, mirrors the same ordered list.
type opCtx struct {
	t       *BPlusTree
	op      opType
	tx      *txn.Transaction
	frames  []*page.Frame
	deleted []common.PageID
}

func (t *BPlusTree) newCtx(op opType, tx *txn.Transaction) *opCtx {
	return &opCtx{t: t, op: op, tx: tx}
}

func (c *opCtx) latch(f *page.Frame) {
	if c.op == opFind {
		f.RLock()
	} else {
		f.Lock()
	}
	c.frames = append(c.frames, f)
	c.syncTx()
}

func (c *opCtx) unlatch(f *page.Frame) {
	if c.op == opFind {
		f.RUnlock()
	} else {
		f.Unlock()
	}
}

func (c *opCtx) syncTx() {
	if c.tx == nil {
		return
	}
	c.tx.ClearLatches()
	for _, f := range c.frames {
		c.tx.PushLatch(f.ID())
	}
}

// releaseAncestors drops every held latch except the most recent one
// (the just-latched safe child), in acquisition order.
func (c *opCtx) releaseAncestors() {
	if len(c.frames) <= 1 {
		return
	}
	keep := c.frames[len(c.frames)-1]
	for _, f := range c.frames[:len(c.frames)-1] {
		c.unlatch(f)
		c.t.pool.Unpin(f.ID(), false)
	}
	c.frames = c.frames[:1]
	c.frames[0] = keep
	c.syncTx()
}

// markDeleted schedules pid to be freed once every latch is released.
func (c *opCtx) markDeleted(pid common.PageID) {
	c.deleted = append(c.deleted, pid)
	if c.tx != nil {
		c.tx.MarkPageDeleted(pid)
	}
}

// releaseAll drops every held latch and pin in acquisition order (the
// same path for success and error returns), then frees the pages marked
// for deletion.
func (c *opCtx) releaseAll(dirty bool) {
	for _, f := range c.frames {
		c.unlatch(f)
		c.t.pool.Unpin(f.ID(), dirty)
	}
	c.frames = c.frames[:0]
	c.syncTx()

	for _, pid := range c.deleted {
		c.t.pool.DeletePage(pid)
	}
	c.deleted = c.deleted[:0]
	if c.tx != nil {
		c.tx.ClearDeletedPages()
	}
}

// detachTop hands ownership of the most recently latched frame (still
// latched and pinned) to the caller and forgets it. Used by the iterator,
// which keeps exactly one leaf pinned.
func (c *opCtx) detachTop() *page.Frame {
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	c.syncTx()
	return f
}

// childSafe reports whether n absorbs this operation without restructuring
// its parent: room for one more entry on insert, one above minimum on
// delete.
func (c *opCtx) childSafe(n node) bool {
	switch c.op {
	case opInsert:
		return n.size() < n.maxSize()
	case opDelete:
		return n.size() > n.minSize()
	default:
		return true
	}
}

// findLeaf descends from the root to the leaf for key (or the leftmost
// leaf), crabbing latches: latch the child, then release every ancestor
// once the child is safe. The leaf is left latched and pinned in c.
func (t *BPlusTree) findLeaf(key Key, leftmost bool, c *opCtx) (node, error) {
	var n node
	for {
		t.mu.Lock()
		root := t.rootPID
		t.mu.Unlock()
		if root == common.InvalidPageID {
			return node{}, errEmptyTree
		}

		f, err := t.pool.Fetch(root)
		if err != nil {
			return node{}, fmt.Errorf("btree %s: fetch root %d: %w", t.name, root, err)
		}
		c.latch(f)

		// The root may have moved between reading root_pid and latching
		// the page; retry from the top if so.
		t.mu.Lock()
		moved := t.rootPID != root
		t.mu.Unlock()
		if moved {
			c.releaseAll(false)
			continue
		}
		n = asNode(f)
		break
	}

	for !n.isLeaf() {
		var childPID common.PageID
		if leftmost {
			childPID = n.childAt(0)
		} else {
			childPID = n.lookup(key, t.cmp)
		}
		cf, err := t.pool.Fetch(childPID)
		if err != nil {
			c.releaseAll(false)
			return node{}, fmt.Errorf("btree %s: fetch child %d: %w", t.name, childPID, err)
		}
		c.latch(cf)
		child := asNode(cf)
		if c.childSafe(child) {
			c.releaseAncestors()
		}
		n = child
	}
	return n, nil
}
