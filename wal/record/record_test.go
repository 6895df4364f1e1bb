package record

import (
	"bytes"
	"errors"
	"testing"

	"CrabDB/common"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	rid := common.RID{Page: 7, Slot: 3}
	cases := []struct {
		name string
		rec  *Record
	}{
		{"begin", NewBegin(42)},
		{"commit", NewCommit(42, 9)},
		{"abort", NewAbort(42, 9)},
		{"insert", NewInsert(42, 9, rid, []byte("hello"))},
		{"mark delete", NewDelete(TypeMarkDelete, 42, 9, rid, []byte("doomed"))},
		{"apply delete", NewDelete(TypeApplyDelete, 42, 9, rid, []byte("doomed"))},
		{"rollback delete", NewDelete(TypeRollbackDelete, 42, 9, rid, []byte("doomed"))},
		{"update", NewUpdate(42, 9, rid, []byte("old"), []byte("newer"))},
		{"new page", NewNewPage(42, 9, 3, 4)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.rec.LSN = 17
			buf := make([]byte, tc.rec.Size)
			tc.rec.SerializeTo(buf)

			got, err := Deserialize(buf)
			if err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if got.Size != tc.rec.Size || got.LSN != 17 || got.TID != tc.rec.TID ||
				got.PrevLSN != tc.rec.PrevLSN || got.Type != tc.rec.Type {
				t.Fatalf("header mismatch: got %+v, want %+v", got, tc.rec)
			}
			if got.RID != tc.rec.RID {
				t.Fatalf("RID = %v, want %v", got.RID, tc.rec.RID)
			}
			if !bytes.Equal(got.Tuple, tc.rec.Tuple) ||
				!bytes.Equal(got.OldTuple, tc.rec.OldTuple) ||
				!bytes.Equal(got.NewTuple, tc.rec.NewTuple) {
				t.Fatalf("payload mismatch: got %+v, want %+v", got, tc.rec)
			}
			if got.PrevPageID != tc.rec.PrevPageID || got.NewPageID != tc.rec.NewPageID {
				t.Fatalf("page ids = (%d,%d), want (%d,%d)",
					got.PrevPageID, got.NewPageID, tc.rec.PrevPageID, tc.rec.NewPageID)
			}
		})
	}
}

func TestDeserializeIncomplete(t *testing.T) {
	rec := NewInsert(1, common.InvalidLSN, common.RID{Page: 1}, []byte("payload"))
	rec.LSN = 5
	buf := make([]byte, rec.Size)
	rec.SerializeTo(buf)

	for _, cut := range []int{0, 3, HeaderSize - 1, int(rec.Size) - 1} {
		if _, err := Deserialize(buf[:cut]); !errors.Is(err, ErrIncompleteRecord) {
			t.Fatalf("Deserialize(%d bytes) error = %v, want ErrIncompleteRecord", cut, err)
		}
	}
}

func TestDeserializeRejectsGarbageType(t *testing.T) {
	rec := NewBegin(1)
	rec.LSN = 1
	buf := make([]byte, rec.Size)
	rec.SerializeTo(buf)
	buf[20] = 0xFF

	if _, err := Deserialize(buf); !errors.Is(err, common.ErrCorruption) {
		t.Fatalf("Deserialize() error = %v, want ErrCorruption", err)
	}
}
