package btree

import (
	"errors"
	"fmt"

	"CrabDB/common"
	"CrabDB/concurrency/txn"
)

// Remove deletes key if present. An underfull leaf borrows from or merges
// with a sibling; restructuring propagates to the parent, possibly
// replacing or clearing the root. Pages emptied along the way are freed
// only after every latch is released.
func (t *BPlusTree) Remove(key Key, tx *txn.Transaction) error {
	c := t.newCtx(opDelete, tx)
	leaf, err := t.findLeaf(key, false, c)
	if errors.Is(err, errEmptyTree) {
		return nil
	}
	if err != nil {
		return err
	}

	idx := leaf.leafKeyIndex(key, t.cmp)
	if idx >= leaf.size() || t.cmp(leaf.leafKeyAt(idx), key) != 0 {
		c.releaseAll(false)
		return nil
	}
	leaf.leafRemoveAt(idx)

	if leaf.size() < leaf.minSize() {
		del, err := t.coalesceOrRedistribute(leaf, c)
		if err != nil {
			c.releaseAll(true)
			return err
		}
		if del {
			c.markDeleted(leaf.self())
		}
	}

	c.releaseAll(true)
	return nil
}

// coalesceOrRedistribute restores n's occupancy bound after a removal.
// Reports whether n's page should be freed by the caller. The root is
// handled by adjustRoot instead.
func (t *BPlusTree) coalesceOrRedistribute(n node, c *opCtx) (bool, error) {
	if n.size() >= n.minSize() {
		return false, nil
	}
	if n.parent() == common.InvalidPageID {
		return t.adjustRoot(n)
	}

	parentPID := n.parent()
	pf, err := t.pool.Fetch(parentPID)
	if err != nil {
		return false, fmt.Errorf("btree %s: fetch parent %d: %w", t.name, parentPID, err)
	}
	parent := asNode(pf)
	idx := parent.valueIndex(n.self())
	if idx < 0 {
		t.pool.Unpin(parentPID, false)
		return false, fmt.Errorf("btree %s: node %d missing from parent %d: %w",
			t.name, n.self(), parentPID, common.ErrCorruption)
	}

	// Prefer the left sibling; latch whichever we inspect, since descent
	// never latched siblings.
	var left, right node
	haveLeft, haveRight := false, false

	if idx >= 1 {
		lf, err := t.pool.Fetch(parent.childAt(idx - 1))
		if err != nil {
			t.pool.Unpin(parentPID, false)
			return false, fmt.Errorf("btree %s: fetch left sibling: %w", t.name, err)
		}
		c.latch(lf)
		left, haveLeft = asNode(lf), true
		if left.size() > left.minSize() {
			t.redistributeFromLeft(left, n, parent, idx)
			return false, t.pool.Unpin(parentPID, true)
		}
	}

	if idx+1 < parent.size() {
		rf, err := t.pool.Fetch(parent.childAt(idx + 1))
		if err != nil {
			t.pool.Unpin(parentPID, false)
			return false, fmt.Errorf("btree %s: fetch right sibling: %w", t.name, err)
		}
		c.latch(rf)
		right, haveRight = asNode(rf), true
		if right.size() > right.minSize() {
			t.redistributeFromRight(right, n, parent, idx)
			return false, t.pool.Unpin(parentPID, true)
		}
	}

	// Neither sibling can lend: merge. The deficient node dissolves into
	// the sibling and the parent loses one child.
	if haveLeft {
		if err := t.mergeIntoLeft(left, n, parent, idx); err != nil {
			t.pool.Unpin(parentPID, true)
			return false, err
		}
	} else if haveRight {
		if err := t.mergeIntoRight(n, right, parent, idx); err != nil {
			t.pool.Unpin(parentPID, true)
			return false, err
		}
	} else {
		t.pool.Unpin(parentPID, false)
		return false, fmt.Errorf("btree %s: non-root node %d has no siblings: %w",
			t.name, n.self(), common.ErrCorruption)
	}

	parentDel, err := t.coalesceOrRedistribute(parent, c)
	if err != nil {
		t.pool.Unpin(parentPID, true)
		return true, err
	}
	if parentDel {
		c.markDeleted(parentPID)
	}
	return true, t.pool.Unpin(parentPID, true)
}

// redistributeFromLeft moves left's last entry to the front of n and
// refreshes the separator between them.
func (t *BPlusTree) redistributeFromLeft(left, n node, parent node, idx int) {
	last := left.size() - 1
	if n.isLeaf() {
		n.leafInsertAt(0, left.leafKeyAt(last), left.leafRIDAt(last))
		left.setSize(last)
		parent.setKeyAt(idx, n.leafKeyAt(0))
		return
	}

	// Internal: left's last child becomes n's first; the old separator
	// drops into n and the moved entry's key becomes the new separator.
	movedChild := left.childAt(last)
	movedKey := left.keyAt(last)
	left.setSize(last)

	data := n.f.Data()
	start := headerSize
	end := headerSize + n.size()*internalEntrySize
	copy(data[start+internalEntrySize:end+internalEntrySize], data[start:end])
	n.setSize(n.size() + 1)
	n.setInternalEntry(0, 0, movedChild)
	n.setKeyAt(1, parent.keyAt(idx))
	parent.setKeyAt(idx, movedKey)
	t.reparent(movedChild, n.self())
}

// redistributeFromRight moves right's first entry to the end of n and
// refreshes the separator between them.
func (t *BPlusTree) redistributeFromRight(right, n node, parent node, idx int) {
	rightIdx := idx + 1
	if n.isLeaf() {
		n.leafInsertAt(n.size(), right.leafKeyAt(0), right.leafRIDAt(0))
		right.leafRemoveAt(0)
		parent.setKeyAt(rightIdx, right.leafKeyAt(0))
		return
	}

	// Internal: right's first child joins n's tail under the pulled-down
	// separator; right's next key moves up to replace it.
	movedChild := right.childAt(0)
	n.setInternalEntry(n.size(), parent.keyAt(rightIdx), movedChild)
	n.setSize(n.size() + 1)
	parent.setKeyAt(rightIdx, right.keyAt(1))
	right.internalRemoveAt(0)
	t.reparent(movedChild, n.self())
}

// mergeIntoLeft appends every entry of n to its left sibling and drops
// n's entry from the parent.
func (t *BPlusTree) mergeIntoLeft(left, n node, parent node, idx int) error {
	if n.isLeaf() {
		base := left.size()
		for i := 0; i < n.size(); i++ {
			left.setLeafEntry(base+i, n.leafKeyAt(i), n.leafRIDAt(i))
		}
		left.setSize(base + n.size())

		next := n.next()
		left.setNext(next)
		if next != common.InvalidPageID {
			nf, err := t.pool.Fetch(next)
			if err != nil {
				return fmt.Errorf("btree %s: relink leaf %d: %w", t.name, next, err)
			}
			asNode(nf).setPrev(left.self())
			if err := t.pool.Unpin(next, true); err != nil {
				return err
			}
		}
	} else {
		// The parent's separator between left and n rejoins the entries
		// as the key over n's first child.
		base := left.size()
		for i := 0; i < n.size(); i++ {
			left.setInternalEntry(base+i, n.keyAt(i), n.childAt(i))
			if err := t.reparent(n.childAt(i), left.self()); err != nil {
				return err
			}
		}
		left.setKeyAt(base, parent.keyAt(idx))
		left.setSize(base + n.size())
	}

	parent.internalRemoveAt(idx)
	return nil
}

// mergeIntoRight prepends every entry of n to its right sibling, removes
// the right sibling's parent entry, and redirects n's child slot to the
// survivor. Used only when n has no left sibling.
func (t *BPlusTree) mergeIntoRight(n, right node, parent node, idx int) error {
	rightIdx := idx + 1
	shift := n.size()

	if n.isLeaf() {
		data := right.f.Data()
		start := leafHeaderSize
		end := leafHeaderSize + right.size()*leafEntrySize
		copy(data[start+shift*leafEntrySize:end+shift*leafEntrySize], data[start:end])
		for i := 0; i < shift; i++ {
			right.setLeafEntry(i, n.leafKeyAt(i), n.leafRIDAt(i))
		}
		right.setSize(right.size() + shift)

		prev := n.prev()
		right.setPrev(prev)
		if prev != common.InvalidPageID {
			pf, err := t.pool.Fetch(prev)
			if err != nil {
				return fmt.Errorf("btree %s: relink leaf %d: %w", t.name, prev, err)
			}
			asNode(pf).setNext(right.self())
			if err := t.pool.Unpin(prev, true); err != nil {
				return err
			}
		}
	} else {
		data := right.f.Data()
		start := headerSize
		end := headerSize + right.size()*internalEntrySize
		copy(data[start+shift*internalEntrySize:end+shift*internalEntrySize], data[start:end])
		// The old slot-0 key of right, now at position shift, takes the
		// separator that stood between n and right.
		right.setKeyAt(shift, parent.keyAt(rightIdx))
		for i := 0; i < shift; i++ {
			right.setInternalEntry(i, n.keyAt(i), n.childAt(i))
			if err := t.reparent(n.childAt(i), right.self()); err != nil {
				return err
			}
		}
		right.setSize(right.size() + shift)
	}

	parent.internalRemoveAt(rightIdx)
	parent.setChildAt(idx, right.self())
	return nil
}

// reparent points childPID's parent field at newParent.
func (t *BPlusTree) reparent(childPID, newParent common.PageID) error {
	cf, err := t.pool.Fetch(childPID)
	if err != nil {
		return fmt.Errorf("btree %s: reparent child %d: %w", t.name, childPID, err)
	}
	asNode(cf).setParent(newParent)
	return t.pool.Unpin(childPID, true)
}

// adjustRoot handles an underflowing root: an empty leaf root clears the
// tree; an internal root down to a single child promotes that child.
// Reports whether the old root page should be freed.
func (t *BPlusTree) adjustRoot(old node) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old.isLeaf() {
		if old.size() > 0 {
			return false, nil
		}
		t.rootPID = common.InvalidPageID
		return true, t.updateRootRecord()
	}

	if old.size() == 1 {
		childPID := old.childAt(0)
		cf, err := t.pool.Fetch(childPID)
		if err != nil {
			return false, fmt.Errorf("btree %s: promote root child %d: %w", t.name, childPID, err)
		}
		asNode(cf).setParent(common.InvalidPageID)
		if err := t.pool.Unpin(childPID, true); err != nil {
			return false, err
		}
		t.rootPID = childPID
		return true, t.updateRootRecord()
	}
	return false, nil
}
