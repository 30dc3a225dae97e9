package seqtable

import "testing"

func TestReserveFindRoundTrip(t *testing.T) {
	tbl := New()
	seq, err := tbl.Reserve(5, 2, 0xAA)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	entry, err := tbl.Find(seq)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if entry.OrigSeq != 5 || entry.OrigChannel != 2 || entry.OrigSessionID != 0xAA {
		t.Fatalf("restored context mismatch: %+v", entry)
	}
}

func TestReserveWrapAndExhaustion(t *testing.T) {
	tbl := New()
	for i := 0; i < Size; i++ {
		seq, err := tbl.Reserve(uint8(i), 0, 0)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if seq != uint8(i) {
			t.Fatalf("reserve %d: got slot %d, want %d", i, seq, i)
		}
	}
	if _, err := tbl.Reserve(0, 0, 0); err != ErrOutOfSpace {
		t.Fatalf("65th reserve: got %v, want ErrOutOfSpace", err)
	}

	if _, err := tbl.Find(5); err != nil {
		t.Fatalf("Find(5): %v", err)
	}
	seq, err := tbl.Reserve(99, 1, 1)
	if err != nil {
		t.Fatalf("reserve after free: %v", err)
	}
	if seq != 5 {
		t.Fatalf("got slot %d, want 5 (the freed slot)", seq)
	}
}

func TestFindNotPresent(t *testing.T) {
	tbl := New()
	if _, err := tbl.Find(3); err != ErrNotPresent {
		t.Fatalf("got %v, want ErrNotPresent", err)
	}
}

func TestFindFreesSlot(t *testing.T) {
	tbl := New()
	seq, _ := tbl.Reserve(1, 1, 1)
	if _, err := tbl.Find(seq); err != nil {
		t.Fatalf("first Find: %v", err)
	}
	if _, err := tbl.Find(seq); err != ErrNotPresent {
		t.Fatalf("second Find: got %v, want ErrNotPresent", err)
	}
}
