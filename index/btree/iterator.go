package btree

import (
	"errors"
	"fmt"

	"CrabDB/common"
	"CrabDB/storage/buffer"
	"CrabDB/storage/page"
)

// Iterator walks (key, RID) pairs in key order across the leaf chain. It
// owns exactly one pinned, share-latched leaf at a time; stepping past a
// leaf boundary releases the old leaf before fetching the next. Callers
// must Close an iterator they abandon before exhaustion.
type Iterator struct {
	pool  *buffer.Pool
	f     *page.Frame
	n     node
	pos   int
	valid bool
}

// Begin positions an iterator at the smallest key.
func (t *BPlusTree) Begin() (*Iterator, error) {
	return t.begin(0, true)
}

// BeginAt positions an iterator at the first key >= key.
func (t *BPlusTree) BeginAt(key Key) (*Iterator, error) {
	return t.begin(key, false)
}

func (t *BPlusTree) begin(key Key, leftmost bool) (*Iterator, error) {
	c := t.newCtx(opFind, nil)
	leaf, err := t.findLeaf(key, leftmost, c)
	if errors.Is(err, errEmptyTree) {
		return &Iterator{}, nil
	}
	if err != nil {
		return nil, err
	}

	f := c.detachTop()
	c.releaseAll(false)

	it := &Iterator{pool: t.pool, f: f, n: leaf, valid: true}
	if !leftmost {
		it.pos = leaf.leafKeyIndex(key, t.cmp)
	}
	if it.pos >= leaf.size() {
		if err := it.step(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Valid reports whether the iterator currently points at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current entry's key. Only legal while Valid.
func (it *Iterator) Key() Key { return it.n.leafKeyAt(it.pos) }

// RID returns the current entry's record id. Only legal while Valid.
func (it *Iterator) RID() common.RID { return it.n.leafRIDAt(it.pos) }

// Next advances to the following entry, crossing to the next sibling
// leaf when the current one is exhausted.
func (it *Iterator) Next() error {
	if !it.valid {
		return fmt.Errorf("btree iterator: Next past end")
	}
	it.pos++
	if it.pos >= it.n.size() {
		return it.step()
	}
	return nil
}

// step releases the current leaf and moves to its right sibling.
func (it *Iterator) step() error {
	for {
		next := it.n.next()
		it.f.RUnlock()
		if err := it.pool.Unpin(it.f.ID(), false); err != nil {
			it.valid = false
			return err
		}
		it.f = nil
		if next == common.InvalidPageID {
			it.valid = false
			return nil
		}
		nf, err := it.pool.Fetch(next)
		if err != nil {
			it.valid = false
			return fmt.Errorf("btree iterator: fetch leaf %d: %w", next, err)
		}
		nf.RLock()
		it.f = nf
		it.n = asNode(nf)
		it.pos = 0
		if it.n.size() > 0 {
			return nil
		}
	}
}

// Close releases the iterator's leaf. Safe to call repeatedly.
func (it *Iterator) Close() {
	if it.f == nil {
		return
	}
	it.f.RUnlock()
	it.pool.Unpin(it.f.ID(), false)
	it.f = nil
	it.valid = false
}
