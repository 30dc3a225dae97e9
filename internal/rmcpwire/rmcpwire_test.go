package rmcpwire

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := DefaultHeader()
	packed := h.Pack()
	parsed, rest, ok := Parse(packed)
	if !ok || len(rest) != 0 {
		t.Fatalf("parse failed: ok=%v rest=%v", ok, rest)
	}
	if parsed != h {
		t.Fatalf("got %+v, want %+v", parsed, h)
	}
}

func TestSessionV20RoundTrip(t *testing.T) {
	h := SessionV20{AuthType: AuthTypeRMCPP, PayloadType: PayloadIPMI, SessionID: 0x11223344, Sequence: 7, PayloadLen: 9}
	packed := h.Pack()
	parsed, rest, ok := ParseSessionV20(packed)
	if !ok || len(rest) != 0 {
		t.Fatalf("parse failed: ok=%v rest=%v", ok, rest)
	}
	if parsed != h {
		t.Fatalf("got %+v, want %+v", parsed, h)
	}
}

func TestBuildIPMIMessageChecksums(t *testing.T) {
	msg := BuildIPMIMessage(0x20, 0x06, 0, 0x81, 0, 0, 0x01, nil)
	if len(msg) != 7 {
		t.Fatalf("len = %d, want 7", len(msg))
	}
	var s1 byte
	for _, b := range msg[0:3] {
		s1 += b
	}
	if s1 != 0 {
		t.Fatalf("header checksum region sums to %d, want 0", s1)
	}
	var s2 byte
	for _, b := range msg[3:] {
		s2 += b
	}
	if s2 != 0 {
		t.Fatalf("body checksum region sums to %d, want 0", s2)
	}
}
