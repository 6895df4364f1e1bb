package btree

import (
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"CrabDB/common"
	"CrabDB/concurrency/txn"
	"CrabDB/storage/buffer"
	"CrabDB/storage/disk"
)

func newTestTree(t *testing.T, leafMax, internalMax int) (*BPlusTree, *buffer.Pool) {
	t.Helper()
	dir := t.TempDir()
	d, err := disk.Open(filepath.Join(dir, "data.db"), filepath.Join(dir, "wal.log"), 4096)
	if err != nil {
		t.Fatalf("disk.Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	pool := buffer.New(64, d, 4096)
	tree, err := NewWithMaxSizes("test_index", pool, leafMax, internalMax)
	if err != nil {
		t.Fatalf("NewWithMaxSizes() error = %v", err)
	}
	return tree, pool
}

func ridFor(k Key) common.RID {
	return common.RID{Page: 0, Slot: uint16(k)}
}

func mustInsert(t *testing.T, tree *BPlusTree, keys ...Key) {
	t.Helper()
	for _, k := range keys {
		ok, err := tree.Insert(k, ridFor(k), nil)
		if err != nil || !ok {
			t.Fatalf("Insert(%d) = (%v, %v), want (true, nil)", k, ok, err)
		}
	}
}

// leafSizes walks the sibling chain from the leftmost leaf and returns
// each leaf's entry count, verifying the doubly-linked structure and key
// order along the way.
func leafSizes(t *testing.T, tree *BPlusTree) []int {
	t.Helper()
	var sizes []int
	var prevPID common.PageID = common.InvalidPageID
	var lastKey Key
	first := true

	c := tree.newCtx(opFind, nil)
	leaf, err := tree.findLeaf(0, true, c)
	if errors.Is(err, errEmptyTree) {
		return nil
	}
	if err != nil {
		t.Fatalf("findLeaf() error = %v", err)
	}
	pid := leaf.self()
	c.releaseAll(false)

	for pid != common.InvalidPageID {
		f, err := tree.pool.Fetch(pid)
		if err != nil {
			t.Fatalf("Fetch(%d) error = %v", pid, err)
		}
		n := asNode(f)
		if n.prev() != prevPID {
			t.Fatalf("leaf %d prev = %d, want %d", pid, n.prev(), prevPID)
		}
		for i := 0; i < n.size(); i++ {
			k := n.leafKeyAt(i)
			if !first && k <= lastKey {
				t.Fatalf("keys out of order across chain: %d after %d", k, lastKey)
			}
			lastKey, first = k, false
		}
		sizes = append(sizes, n.size())
		prevPID = pid
		pid = n.next()
		tree.pool.Unpin(f.ID(), false)
	}
	return sizes
}

// checkSizeBounds fetches every node reachable from the root and asserts
// the occupancy invariants (root exempt from the lower bound).
func checkSizeBounds(t *testing.T, tree *BPlusTree) {
	t.Helper()
	tree.mu.Lock()
	root := tree.rootPID
	tree.mu.Unlock()
	if root == common.InvalidPageID {
		return
	}
	queue := []common.PageID{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		f, err := tree.pool.Fetch(pid)
		if err != nil {
			t.Fatalf("Fetch(%d) error = %v", pid, err)
		}
		n := asNode(f)
		if pid != root && n.size() < n.minSize() {
			t.Fatalf("node %d size %d below min %d", pid, n.size(), n.minSize())
		}
		if n.size() > n.maxSize() {
			t.Fatalf("node %d size %d above max %d", pid, n.size(), n.maxSize())
		}
		if !n.isLeaf() {
			for i := 0; i < n.size(); i++ {
				queue = append(queue, n.childAt(i))
			}
		}
		tree.pool.Unpin(pid, false)
	}
}

func collect(t *testing.T, tree *BPlusTree) []Key {
	t.Helper()
	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer it.Close()
	var keys []Key
	for it.Valid() {
		keys = append(keys, it.Key())
		if it.RID() != ridFor(it.Key()) {
			t.Fatalf("key %d has RID %v, want %v", it.Key(), it.RID(), ridFor(it.Key()))
		}
		if err := it.Next(); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
	}
	return keys
}

// TestSplitAndSearch is the sequential-fill scenario: leaf max 4, keys
// 1..10 end up as leaves of sizes 3, 3, 4 in key order.
func TestSplitAndSearch(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)
	for k := Key(1); k <= 10; k++ {
		mustInsert(t, tree, k)
	}

	sizes := leafSizes(t, tree)
	want := []int{3, 3, 4}
	if len(sizes) != len(want) {
		t.Fatalf("leaf sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("leaf sizes = %v, want %v", sizes, want)
		}
	}

	rid, found, err := tree.GetValue(7, nil)
	if err != nil || !found {
		t.Fatalf("GetValue(7) = (%v, %v, %v), want found", rid, found, err)
	}
	if rid != ridFor(7) {
		t.Fatalf("GetValue(7) = %v, want %v", rid, ridFor(7))
	}

	keys := collect(t, tree)
	if len(keys) != 10 {
		t.Fatalf("iterator yielded %d keys, want 10", len(keys))
	}
	for i, k := range keys {
		if k != Key(i+1) {
			t.Fatalf("iterator keys = %v, want 1..10 in order", keys)
		}
	}
	checkSizeBounds(t, tree)
}

// TestCoalesceToRootReplace is the shrink scenario: insert 1..5 (root
// splits), remove 5 then 4, and the internal root collapses to its sole
// leaf child.
func TestCoalesceToRootReplace(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)
	for k := Key(1); k <= 5; k++ {
		mustInsert(t, tree, k)
	}

	if err := tree.Remove(5, nil); err != nil {
		t.Fatalf("Remove(5) error = %v", err)
	}
	if err := tree.Remove(4, nil); err != nil {
		t.Fatalf("Remove(4) error = %v", err)
	}

	tree.mu.Lock()
	root := tree.rootPID
	tree.mu.Unlock()
	f, err := tree.pool.Fetch(root)
	if err != nil {
		t.Fatalf("Fetch(root) error = %v", err)
	}
	n := asNode(f)
	if !n.isLeaf() {
		t.Fatalf("root %d is internal after collapse, want leaf", root)
	}
	if n.parent() != common.InvalidPageID {
		t.Fatalf("promoted root still has parent %d", n.parent())
	}
	tree.pool.Unpin(root, false)

	keys := collect(t, tree)
	if len(keys) != 3 || keys[0] != 1 || keys[1] != 2 || keys[2] != 3 {
		t.Fatalf("keys after removes = %v, want [1 2 3]", keys)
	}
}

func TestDuplicateKeyRejected(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)
	mustInsert(t, tree, 42)

	ok, err := tree.Insert(42, ridFor(42), nil)
	if ok || !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("Insert(dup) = (%v, %v), want (false, ErrDuplicateKey)", ok, err)
	}
	rid, found, err := tree.GetValue(42, nil)
	if err != nil || !found || rid != ridFor(42) {
		t.Fatalf("GetValue(42) after dup insert = (%v, %v, %v)", rid, found, err)
	}
}

func TestRemoveMissingKeyIsNoOp(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)
	mustInsert(t, tree, 1, 2, 3)
	if err := tree.Remove(99, nil); err != nil {
		t.Fatalf("Remove(99) error = %v", err)
	}
	if keys := collect(t, tree); len(keys) != 3 {
		t.Fatalf("keys = %v after removing absent key", keys)
	}
}

func TestEmptyTreeBehaviors(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)
	if !tree.IsEmpty() {
		t.Fatal("new tree not empty")
	}
	if _, found, err := tree.GetValue(1, nil); found || err != nil {
		t.Fatalf("GetValue on empty tree = (found=%v, err=%v)", found, err)
	}
	if err := tree.Remove(1, nil); err != nil {
		t.Fatalf("Remove on empty tree error = %v", err)
	}
	it, err := tree.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if it.Valid() {
		t.Fatal("iterator over empty tree is valid")
	}
}

func TestRemoveAllThenReinsert(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)
	for k := Key(1); k <= 8; k++ {
		mustInsert(t, tree, k)
	}
	for k := Key(1); k <= 8; k++ {
		if err := tree.Remove(k, nil); err != nil {
			t.Fatalf("Remove(%d) error = %v", k, err)
		}
	}
	if !tree.IsEmpty() {
		t.Fatal("tree not empty after removing every key")
	}

	mustInsert(t, tree, 100)
	rid, found, err := tree.GetValue(100, nil)
	if err != nil || !found || rid != ridFor(100) {
		t.Fatalf("GetValue(100) after reinsert = (%v, %v, %v)", rid, found, err)
	}
}

func TestBeginAt(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)
	for k := Key(2); k <= 20; k += 2 {
		mustInsert(t, tree, k)
	}

	it, err := tree.BeginAt(7)
	if err != nil {
		t.Fatalf("BeginAt(7) error = %v", err)
	}
	defer it.Close()
	var got []Key
	for it.Valid() {
		got = append(got, it.Key())
		if err := it.Next(); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
	}
	want := []Key{8, 10, 12, 14, 16, 18, 20}
	if len(got) != len(want) {
		t.Fatalf("BeginAt(7) keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("BeginAt(7) keys = %v, want %v", got, want)
		}
	}
}

// TestRandomizedInsertRemove churns the tree with a deterministic
// shuffle and checks the occupancy and ordering invariants afterward.
func TestRandomizedInsertRemove(t *testing.T) {
	tree, _ := newTestTree(t, 6, 6)
	rng := rand.New(rand.NewSource(1))

	keys := make([]Key, 300)
	for i := range keys {
		keys[i] = Key(i + 1)
	}
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, k := range keys {
		mustInsert(t, tree, k)
	}
	checkSizeBounds(t, tree)

	for _, k := range keys[:150] {
		if err := tree.Remove(k, nil); err != nil {
			t.Fatalf("Remove(%d) error = %v", k, err)
		}
	}
	checkSizeBounds(t, tree)

	removed := make(map[Key]bool, 150)
	for _, k := range keys[:150] {
		removed[k] = true
	}
	for _, k := range keys {
		_, found, err := tree.GetValue(k, nil)
		if err != nil {
			t.Fatalf("GetValue(%d) error = %v", k, err)
		}
		if found == removed[k] {
			t.Fatalf("GetValue(%d) found=%v, removed=%v", k, found, removed[k])
		}
	}

	got := collect(t, tree)
	if len(got) != 150 {
		t.Fatalf("iterator yielded %d keys, want 150", len(got))
	}
}

// TestRootPersistsAcrossReopen closes the tree handle and reopens it by
// name, expecting the header-page record to locate the same root.
func TestRootPersistsAcrossReopen(t *testing.T) {
	tree, pool := newTestTree(t, 4, 4)
	for k := Key(1); k <= 7; k++ {
		mustInsert(t, tree, k)
	}

	reopened, err := NewWithMaxSizes("test_index", pool, 4, 4)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	rid, found, err := reopened.GetValue(5, nil)
	if err != nil || !found || rid != ridFor(5) {
		t.Fatalf("GetValue(5) via reopened handle = (%v, %v, %v)", rid, found, err)
	}
}

// TestConcurrentInserts hammers the tree from several goroutines with
// disjoint key ranges and verifies every key landed.
func TestConcurrentInserts(t *testing.T) {
	tree, _ := newTestTree(t, 8, 8)
	const perWorker = 100
	const workers = 4

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(base Key) {
			defer wg.Done()
			for i := Key(0); i < perWorker; i++ {
				k := base + i
				if ok, err := tree.Insert(k, ridFor(k), nil); err != nil || !ok {
					errs <- err
					return
				}
			}
		}(Key(w*perWorker + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Insert error = %v", err)
	}

	for k := Key(1); k <= workers*perWorker; k++ {
		_, found, err := tree.GetValue(k, nil)
		if err != nil || !found {
			t.Fatalf("GetValue(%d) = (found=%v, err=%v) after concurrent inserts", k, found, err)
		}
	}
	checkSizeBounds(t, tree)

	keys := collect(t, tree)
	if len(keys) != workers*perWorker {
		t.Fatalf("iterator yielded %d keys, want %d", len(keys), workers*perWorker)
	}
}

// TestLatchSetBookkeeping runs operations under a transaction and checks
// the latch set is empty again after each call.
func TestLatchSetBookkeeping(t *testing.T) {
	tree, _ := newTestTree(t, 4, 4)
	mgr := txn.NewManager()

	tx, err := mgr.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	for k := Key(1); k <= 6; k++ {
		if ok, err := tree.Insert(k, ridFor(k), tx); err != nil || !ok {
			t.Fatalf("Insert(%d) = (%v, %v)", k, ok, err)
		}
		if latches := tx.Latches(); len(latches) != 0 {
			t.Fatalf("latch set non-empty after Insert(%d): %v", k, latches)
		}
	}
	if err := tree.Remove(3, tx); err != nil {
		t.Fatalf("Remove(3) error = %v", err)
	}
	if latches := tx.Latches(); len(latches) != 0 {
		t.Fatalf("latch set non-empty after Remove: %v", latches)
	}
	if pages := tx.DeletedPages(); len(pages) != 0 {
		t.Fatalf("deleted-page set non-empty after release: %v", pages)
	}
}
