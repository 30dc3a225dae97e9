package solwire

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Seq: 3, Ack: 2, Accept: 10, Flags: OpNack}
	packed := h.Pack()
	parsed, ok := Parse(packed)
	if !ok || parsed != h {
		t.Fatalf("got %+v ok=%v, want %+v", parsed, ok, h)
	}
}

func TestParseShort(t *testing.T) {
	if _, ok := Parse([]byte{1, 2, 3}); ok {
		t.Fatal("expected failure on short buffer")
	}
}

func TestNextSeqServerWrap(t *testing.T) {
	if got := NextSeq(MaxServerSeq, MaxServerSeq); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if got := NextSeq(0, MaxServerSeq); got != 1 {
		t.Fatalf("got %d, want 1 (never 0)", got)
	}
}

func TestNextSeqClientReservesTestSeq(t *testing.T) {
	if got := NextSeq(MaxClientDataSeq, MaxClientDataSeq); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	// Client never advances onto 15 (TestSeq) via NextSeq.
	for cur := uint8(1); cur <= MaxClientDataSeq; cur++ {
		if n := NextSeq(cur, MaxClientDataSeq); n == TestSeq {
			t.Fatalf("NextSeq(%d) produced TestSeq", cur)
		}
	}
}

func TestBitrateFromCode(t *testing.T) {
	if got := BitrateFromCode(9); got != 57600 {
		t.Fatalf("got %d, want 57600", got)
	}
	if got := BitrateFromCode(0); got != 0 {
		t.Fatalf("got %d, want 0 (caller default)", got)
	}
}
