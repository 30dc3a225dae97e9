package solserver

import (
	"bytes"
	"testing"

	"ipmisim/internal/solwire"
)

// TestSOLACKOnly is spec.md §8 scenario 3: peer sends seq=3 with "AB",
// local delivers "AB" and the next transmit (with no device data) is
// an ACK-only packet {seq=0, ack=3, acc=2, status=0}.
func TestSOLACKOnly(t *testing.T) {
	r := NewRing()
	r.Activate()

	resp, ok := r.Inbound(solwire.Header{Seq: 3}, []byte("AB"))
	if !ok {
		t.Fatal("expected an ack in response")
	}
	if resp.Ack != 3 || resp.Accept != 2 || resp.Flags != 0 {
		t.Fatalf("ack header = %+v, want ack=3 accept=2 flags=0", resp)
	}

	got := r.DrainInbound()
	if !bytes.Equal(got, []byte("AB")) {
		t.Fatalf("drained %q, want AB", got)
	}

	h, _, ok := r.EmitOutbound(nil)
	if ok {
		t.Fatalf("no device data pending, EmitOutbound should report nothing to send, got %+v", h)
	}
}

// TestSOLNack is spec.md §8 scenario 4: a NACKed delivery sets the
// NACK op bit with acc=0 on the next outbound packet, and ReleaseNack
// resumes normal acking.
func TestSOLNack(t *testing.T) {
	r := NewRing()
	r.Activate()
	r.NackDelivery()

	resp, ok := r.Inbound(solwire.Header{Seq: 4}, []byte("X"))
	if !ok {
		t.Fatal("expected a response even while NACKing")
	}
	if resp.Flags&solwire.StatusNack == 0 || resp.Accept != 0 {
		t.Fatalf("resp = %+v, want NACK flag set and accept=0", resp)
	}
	if got := r.DrainInbound(); len(got) != 0 {
		t.Fatalf("NACKed data must not be buffered, got %q", got)
	}

	r.ReleaseNack()
	resp, ok = r.Inbound(solwire.Header{Seq: 5}, []byte("Y"))
	if !ok || resp.Flags&solwire.StatusNack != 0 || resp.Accept != 1 {
		t.Fatalf("after ReleaseNack, resp = %+v, want normal ack", resp)
	}
}

func TestInboundBufferFullSetsStatusBit(t *testing.T) {
	r := NewRing()
	r.Activate()

	big := bytes.Repeat([]byte{'z'}, ringCapacity+10)
	resp, ok := r.Inbound(solwire.Header{Seq: 1}, big)
	if !ok {
		t.Fatal("expected ack")
	}
	if resp.Flags&solwire.BufferFull == 0 {
		t.Fatal("expected buffer-full status bit when ring saturated")
	}
	if resp.Accept != ringCapacity {
		t.Fatalf("accept = %d, want ringCapacity truncation (%d)", resp.Accept, ringCapacity)
	}
}

func TestRetransmitSameSeqNoDataLoss(t *testing.T) {
	r := NewRing()
	r.Activate()

	r.Inbound(solwire.Header{Seq: 1}, []byte("AB"))
	h1, payload1, ok := r.EmitOutbound([]byte("hello"))
	if !ok {
		t.Fatal("expected outbound packet")
	}
	if h1.Seq != 1 {
		t.Fatalf("first outbound seq = %d, want 1", h1.Seq)
	}

	// Peer acks a different count than what was sent: must retransmit
	// the same packet, not advance the sequence or lose data.
	r.Inbound(solwire.Header{Ack: 1, Accept: uint8(len(payload1) - 1)}, nil)
	h2, payload2, ok := r.EmitOutbound(nil)
	if !ok {
		t.Fatal("expected retransmit of pending outbound data")
	}
	if h2.Seq != h1.Seq {
		t.Fatalf("retransmit must reuse seq %d, got %d", h1.Seq, h2.Seq)
	}
	if !bytes.Equal(payload1, payload2) {
		t.Fatalf("retransmitted payload differs: %q vs %q", payload1, payload2)
	}
}

func TestOutboundAckAdvancesSeqAndWraps(t *testing.T) {
	r := NewRing()
	r.Activate()
	r.currPacketSeq = solwire.MaxServerSeq

	h, payload, ok := r.EmitOutbound([]byte("x"))
	if !ok || h.Seq != solwire.MaxServerSeq {
		t.Fatalf("expected seq %d, got %+v ok=%v", solwire.MaxServerSeq, h, ok)
	}

	r.Inbound(solwire.Header{Ack: h.Seq, Accept: uint8(len(payload))}, nil)
	if r.currPacketSeq != 1 {
		t.Fatalf("currPacketSeq = %d, want wrap to 1", r.currPacketSeq)
	}
}

func TestResendSameAckForRepeatedSeq(t *testing.T) {
	r := NewRing()
	r.Activate()

	first, ok := r.Inbound(solwire.Header{Seq: 7}, []byte("hi"))
	if !ok {
		t.Fatal("expected ack")
	}
	second, ok := r.Inbound(solwire.Header{Seq: 7}, []byte("hi"))
	if !ok {
		t.Fatal("expected resend of same ack for repeated seq")
	}
	if second != first {
		t.Fatalf("resent ack %+v differs from original %+v", second, first)
	}
}
