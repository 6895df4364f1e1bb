package btree

import (
	"errors"
	"fmt"

	"CrabDB/common"
	"CrabDB/concurrency/txn"
)

// Insert adds (key, rid). Keys are unique: inserting an existing key
// leaves the tree unchanged and returns false with ErrDuplicateKey.
func (t *BPlusTree) Insert(key Key, rid common.RID, tx *txn.Transaction) (bool, error) {
	for {
		if t.IsEmpty() {
			if err := t.startNewTree(); err != nil {
				return false, err
			}
		}
		ok, err := t.insertIntoLeaf(key, rid, tx)
		if errors.Is(err, errEmptyTree) {
			// The last key was removed between the emptiness check and
			// the descent; start over.
			continue
		}
		return ok, err
	}
}

// startNewTree allocates the first leaf and records it as root. A
// concurrent call may have won the race; the double-check under the tree
// mutex makes the loser a no-op.
func (t *BPlusTree) startNewTree() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rootPID != common.InvalidPageID {
		return nil
	}
	pid, f, err := t.pool.NewPage()
	if err != nil {
		return fmt.Errorf("btree %s: start new tree: %w", t.name, err)
	}
	initLeaf(f, pid, common.InvalidPageID, t.leafMax)
	if err := t.pool.Unpin(pid, true); err != nil {
		return err
	}
	t.rootPID = pid
	return t.updateRootRecord()
}

func (t *BPlusTree) insertIntoLeaf(key Key, rid common.RID, tx *txn.Transaction) (bool, error) {
	c := t.newCtx(opInsert, tx)
	leaf, err := t.findLeaf(key, false, c)
	if err != nil {
		return false, err
	}

	idx := leaf.leafKeyIndex(key, t.cmp)
	if idx < leaf.size() && t.cmp(leaf.leafKeyAt(idx), key) == 0 {
		c.releaseAll(false)
		return false, fmt.Errorf("btree %s: insert %d: %w", t.name, key, ErrDuplicateKey)
	}
	leaf.leafInsertAt(idx, key, rid)

	if leaf.size() > leaf.maxSize() {
		right, err := t.splitLeaf(leaf)
		if err != nil {
			c.releaseAll(true)
			return false, err
		}
		if err := t.insertIntoParent(leaf, right.leafKeyAt(0), right, c); err != nil {
			t.pool.Unpin(right.self(), true)
			c.releaseAll(true)
			return false, err
		}
		if err := t.pool.Unpin(right.self(), true); err != nil {
			c.releaseAll(true)
			return false, err
		}
	}

	c.releaseAll(true)
	return true, nil
}

// splitLeaf allocates a right sibling, moves the upper half of leaf's
// entries into it, and links it into the sibling chain. The returned
// node is pinned; the caller unpins it.
func (t *BPlusTree) splitLeaf(leaf node) (node, error) {
	pid, f, err := t.pool.NewPage()
	if err != nil {
		return node{}, fmt.Errorf("btree %s: split leaf %d: %w", t.name, leaf.self(), err)
	}
	right := initLeaf(f, pid, leaf.parent(), leaf.maxSize())

	total := leaf.size()
	moveCount := total / 2
	start := total - moveCount
	for i := 0; i < moveCount; i++ {
		right.setLeafEntry(i, leaf.leafKeyAt(start+i), leaf.leafRIDAt(start+i))
	}
	right.setSize(moveCount)
	leaf.setSize(start)

	oldNext := leaf.next()
	right.setNext(oldNext)
	right.setPrev(leaf.self())
	leaf.setNext(pid)
	if oldNext != common.InvalidPageID {
		nf, err := t.pool.Fetch(oldNext)
		if err != nil {
			return node{}, fmt.Errorf("btree %s: relink leaf %d: %w", t.name, oldNext, err)
		}
		asNode(nf).setPrev(pid)
		if err := t.pool.Unpin(oldNext, true); err != nil {
			return node{}, err
		}
	}
	return right, nil
}

// splitInternal allocates a right sibling for an overflowing internal
// node and moves the upper half of its children across, reparenting them.
// The separator to push up is the new node's slot-0 key.
func (t *BPlusTree) splitInternal(n node) (node, error) {
	pid, f, err := t.pool.NewPage()
	if err != nil {
		return node{}, fmt.Errorf("btree %s: split internal %d: %w", t.name, n.self(), err)
	}
	right := initInternal(f, pid, n.parent(), n.maxSize())

	total := n.size()
	moveCount := total / 2
	start := total - moveCount
	for i := 0; i < moveCount; i++ {
		right.setInternalEntry(i, n.keyAt(start+i), n.childAt(start+i))
	}
	right.setSize(moveCount)
	n.setSize(start)

	for i := 0; i < moveCount; i++ {
		childPID := right.childAt(i)
		cf, err := t.pool.Fetch(childPID)
		if err != nil {
			return node{}, fmt.Errorf("btree %s: reparent child %d: %w", t.name, childPID, err)
		}
		asNode(cf).setParent(pid)
		if err := t.pool.Unpin(childPID, true); err != nil {
			return node{}, err
		}
	}
	return right, nil
}

// insertIntoParent propagates a split upward: install (sep, right) next
// to left in their parent, splitting the parent in turn if it overflows.
// A split of the root allocates a new internal root under the tree mutex.
func (t *BPlusTree) insertIntoParent(left node, sep Key, right node, c *opCtx) error {
	if left.parent() == common.InvalidPageID {
		t.mu.Lock()
		defer t.mu.Unlock()

		rootPID, rf, err := t.pool.NewPage()
		if err != nil {
			return fmt.Errorf("btree %s: new root: %w", t.name, err)
		}
		root := initInternal(rf, rootPID, common.InvalidPageID, t.internalMax)
		root.populateNewRoot(left.self(), sep, right.self())
		left.setParent(rootPID)
		right.setParent(rootPID)
		t.rootPID = rootPID
		if err := t.updateRootRecord(); err != nil {
			t.pool.Unpin(rootPID, true)
			return err
		}
		return t.pool.Unpin(rootPID, true)
	}

	parentPID := left.parent()
	pf, err := t.pool.Fetch(parentPID)
	if err != nil {
		return fmt.Errorf("btree %s: fetch parent %d: %w", t.name, parentPID, err)
	}
	parent := asNode(pf)
	parent.insertNodeAfter(left.self(), sep, right.self())

	if parent.size() > parent.maxSize() {
		pright, err := t.splitInternal(parent)
		if err != nil {
			t.pool.Unpin(parentPID, true)
			return err
		}
		if err := t.insertIntoParent(parent, pright.keyAt(0), pright, c); err != nil {
			t.pool.Unpin(pright.self(), true)
			t.pool.Unpin(parentPID, true)
			return err
		}
		if err := t.pool.Unpin(pright.self(), true); err != nil {
			t.pool.Unpin(parentPID, true)
			return err
		}
	}
	return t.pool.Unpin(parentPID, true)
}
