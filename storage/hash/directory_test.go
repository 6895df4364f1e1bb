package hash

import "testing"

func identityHash(k int) uint64 { return uint64(k) }

func TestDirectoryFindInsertRemove(t *testing.T) {
	d := New[int, string](2, identityHash)

	d.Insert(1, "one")
	d.Insert(2, "two")

	if v, ok := d.Find(1); !ok || v != "one" {
		t.Fatalf("Find(1) = (%q, %v), want (one, true)", v, ok)
	}
	if !d.Remove(1) {
		t.Fatalf("Remove(1) = false, want true")
	}
	if _, ok := d.Find(1); ok {
		t.Fatalf("Find(1) after remove still found")
	}
	if d.Remove(1) {
		t.Fatalf("Remove(1) twice = true, want false")
	}
}

// TestDirectorySplitGrowth drives two directory doublings: bucket size 2,
// keys whose low bits are 0b00, 0b01, 0b10, 0b11, 0b100 inserted in order.
func TestDirectorySplitGrowth(t *testing.T) {
	d := New[int, int](2, identityHash)

	keys := []int{0b00, 0b01, 0b10, 0b11, 0b100}
	for _, k := range keys {
		d.Insert(k, k*10)
	}

	for _, k := range keys {
		v, ok := d.Find(k)
		if !ok {
			t.Fatalf("Find(%b) not found after split sequence", k)
		}
		if v != k*10 {
			t.Fatalf("Find(%b) = %d, want %d", k, v, k*10)
		}
	}

	if got := d.GlobalDepth(); got < 2 {
		t.Fatalf("GlobalDepth() = %d, want >= 2", got)
	}
	if got := d.NumBuckets(); got < 4 {
		t.Fatalf("NumBuckets() = %d, want >= 4", got)
	}
}

func TestDirectoryOverwriteExistingKey(t *testing.T) {
	d := New[int, string](4, identityHash)
	d.Insert(5, "a")
	d.Insert(5, "b")

	v, ok := d.Find(5)
	if !ok || v != "b" {
		t.Fatalf("Find(5) = (%q, %v), want (b, true)", v, ok)
	}
	if got := d.NumBuckets(); got != 1 {
		t.Fatalf("NumBuckets() = %d, want 1 (no split from an overwrite)", got)
	}
}
