package session

import (
	"testing"

	"ipmisim/internal/message"
)

func TestSeqWindowRejectsOldAndDuplicate(t *testing.T) {
	s := &Session{Active: true}

	if !s.AcceptAuthenticated(20) {
		t.Fatal("first packet must be accepted")
	}
	if s.AcceptAuthenticated(20) {
		t.Fatal("duplicate of high-water mark must be rejected")
	}
	if !s.AcceptAuthenticated(19) {
		t.Fatal("one below high-water mark must be accepted the first time")
	}
	if s.AcceptAuthenticated(19) {
		t.Fatal("duplicate within window must be rejected")
	}
	// 20 - 16 = 4, so seq <= 4 must be rejected as outside the window.
	if s.AcceptAuthenticated(4) {
		t.Fatal("seq == high-16 must be rejected")
	}
	if s.AcceptAuthenticated(1) {
		t.Fatal("seq well below window must be rejected")
	}
	if !s.AcceptAuthenticated(5) {
		t.Fatal("seq == high-15 is the oldest in-window value and must be accepted")
	}
}

func TestSeqWindowAdvancesHighWaterMark(t *testing.T) {
	s := &Session{Active: true}
	s.AcceptAuthenticated(100)
	if !s.AcceptAuthenticated(150) {
		t.Fatal("large forward jump must be accepted and reset the window")
	}
	if s.AcceptAuthenticated(100) {
		t.Fatal("old seq from before the jump must now be outside the window")
	}
}

func TestAddCloserCapacity(t *testing.T) {
	s := &Session{Active: true}
	noop := func(string) {}
	for i := 0; i < MaxClosers; i++ {
		if err := s.AddCloser(noop, "mc"); err != nil {
			t.Fatalf("closer %d: unexpected error %v", i, err)
		}
	}
	if err := s.AddCloser(noop, "mc"); err != ErrTooManyClosers {
		t.Fatalf("expected ErrTooManyClosers, got %v", err)
	}
}

func TestTickFiresClosersAtExpiry(t *testing.T) {
	s := &Session{Active: true, TimeLeftSeconds: 2}
	fired := make([]string, 0, 1)
	s.AddCloser(func(mc string) { fired = append(fired, mc) }, "bmc0")

	if s.Tick() {
		t.Fatal("should not expire yet")
	}
	if len(fired) != 0 {
		t.Fatal("closer fired too early")
	}
	if !s.Tick() {
		t.Fatal("should expire on second tick")
	}
	if len(fired) != 1 || fired[0] != "bmc0" {
		t.Fatalf("closer did not fire as expected: %v", fired)
	}
	if s.Active {
		t.Fatal("session must be inactive after expiry")
	}
}

func TestSetAssociatedMCRejectsDoubleBind(t *testing.T) {
	s := &Session{Active: true}
	if err := s.SetAssociatedMC(message.PayloadSOL, "bmc0", nil); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := s.SetAssociatedMC(message.PayloadSOL, "bmc0", nil); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := s.SetAssociatedMC(message.PayloadIPMI, "bmc0", nil); err != nil {
		t.Fatalf("distinct payload kind must bind independently: %v", err)
	}

	mc, ok := s.AssociatedMC(message.PayloadSOL)
	if !ok || mc != "bmc0" {
		t.Fatalf("AssociatedMC = %q, %v", mc, ok)
	}

	s.ClearAssociatedMC(message.PayloadSOL)
	if _, ok := s.AssociatedMC(message.PayloadSOL); ok {
		t.Fatal("binding should be gone after Clear")
	}
}

func TestTableOpenAssignsDistinctHandles(t *testing.T) {
	tbl := New()
	seen := make(map[uint8]bool)
	for i := 0; i < MaxSessions; i++ {
		s, err := tbl.Open()
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		if s.Handle == 0 {
			t.Fatal("handle 0 must never be issued")
		}
		if seen[s.Handle] {
			t.Fatalf("handle %d issued twice", s.Handle)
		}
		seen[s.Handle] = true
	}
	if _, err := tbl.Open(); err != ErrTableFull {
		t.Fatalf("expected ErrTableFull, got %v", err)
	}
}

func TestTableCloseFreesHandleForReuse(t *testing.T) {
	tbl := New()
	s, err := tbl.Open()
	if err != nil {
		t.Fatal(err)
	}
	h := s.Handle
	tbl.Close(h)
	if _, ok := tbl.Lookup(h); ok {
		t.Fatal("session should be gone after Close")
	}
}

func TestTableTickExpiresAndFreesSlot(t *testing.T) {
	tbl := New()
	s, err := tbl.Open()
	if err != nil {
		t.Fatal(err)
	}
	s.TimeLeftSeconds = 1

	tbl.Tick()
	if _, ok := tbl.Lookup(s.Handle); ok {
		t.Fatal("expired session's slot should be freed by Table.Tick")
	}
}

func TestTableLookupBySID(t *testing.T) {
	tbl := New()
	s, err := tbl.Open()
	if err != nil {
		t.Fatal(err)
	}
	s.SID = 0xcafef00d

	found, ok := tbl.LookupBySID(0xcafef00d)
	if !ok || found.Handle != s.Handle {
		t.Fatalf("LookupBySID failed: %v %v", found, ok)
	}
	if _, ok := tbl.LookupBySID(0x1); ok {
		t.Fatal("unexpected match for unused SID")
	}
}
