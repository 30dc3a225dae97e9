// Package solserver implements the device-facing half of the
// Serial-over-LAN transport: a per-MC 32-byte inbound/outbound ring,
// the ACK/NACK exchange, and device-side rate control.
package solserver

import (
	"sync"

	"ipmisim/internal/solwire"
)

// ringCapacity is the size of each direction's byte ring (spec.md
// §4.5's "32-byte inbound buffer" / "32-byte outbound buffer").
const ringCapacity = 32

// Ring is one MC's SOL byte-stream state, one per SOL payload
// instance. It is torn down only by Deactivate (called from the
// Deactivate Payload handler), not when the owning session closes.
type Ring struct {
	mu sync.Mutex

	active bool

	inBuf  []byte // remote -> device, awaiting device pickup
	outBuf []byte // device -> remote, awaiting ack (retained for retransmit)

	currPacketSeq      uint8 // next outbound data sequence, 1..15, wraps 15->1
	lastAckedPacket    uint8 // most recent inbound seq we acked
	lastAckedPacketLen uint8 // accepted-char count reported for that ack

	readEnabled  bool // device-side writer may drain inBuf
	writeEnabled bool // device-side reader may feed outBuf
	pendingNack  bool // device asked to pause inbound delivery
}

// NewRing returns an inactive ring with curr_packet_seq initialized to
// 1 per spec.md §4.5.
func NewRing() *Ring {
	return &Ring{currPacketSeq: 1}
}

// Activate marks the ring live, enabling both directions. Mirrors
// ipmi_sol_activate (spec.md §4.5); the 13-byte activation response
// itself is built by the caller (internal/apphandlers' Activate Payload
// handler), which also calls this.
func (r *Ring) Activate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = true
	r.readEnabled = true
	r.writeEnabled = true
}

// Deactivate tears the ring down; a subsequent Inbound/EmitOutbound is
// a no-op until Activate is called again.
func (r *Ring) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.inBuf = nil
	r.outBuf = nil
}

// Active reports whether the ring is currently live.
func (r *Ring) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Inbound processes one packet received from the remote console,
// applying spec.md §4.5's inbound packet handling and ack/retransmit
// rules. It returns the header to send back (ok=false means nothing
// needs to be sent in reply to this packet alone; the caller may still
// have outbound device data to emit separately).
func (r *Ring) Inbound(h solwire.Header, data []byte) (resp solwire.Header, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return solwire.Header{}, false
	}

	if h.Seq != 0 {
		switch {
		case h.Seq == r.lastAckedPacket:
			resp = solwire.Header{Ack: r.lastAckedPacket, Accept: r.lastAckedPacketLen}
			ok = true
		case r.pendingNack:
			resp = solwire.Header{Ack: h.Seq, Accept: 0, Flags: solwire.StatusNack}
			ok = true
		case len(data) > 0:
			remaining := ringCapacity - len(r.inBuf)
			n := len(data)
			if n > remaining {
				n = remaining
			}
			r.inBuf = append(r.inBuf, data[:n]...)
			r.lastAckedPacket = h.Seq
			r.lastAckedPacketLen = uint8(n)
			r.readEnabled = true
			resp = solwire.Header{Ack: h.Seq, Accept: uint8(n)}
			if len(r.inBuf) >= ringCapacity {
				resp.Flags |= solwire.BufferFull
			}
			ok = true
		}
	}

	if h.Ack != 0 {
		if h.Flags&solwire.StatusNack != 0 {
			r.writeEnabled = false
		} else {
			r.writeEnabled = true
			if int(h.Accept) != len(r.outBuf) {
				// Retransmit same outbound packet: leave outBuf/seq
				// untouched so the next EmitOutbound re-sends it.
			} else {
				r.outBuf = nil
				r.currPacketSeq = solwire.NextSeq(r.currPacketSeq, solwire.MaxServerSeq)
			}
		}
	}

	return resp, ok
}

// NackDelivery tells the ring to refuse further inbound data until
// ReleaseNack is called, mirroring a device-side consumer that cannot
// currently accept bytes (spec.md §8 scenario 4).
func (r *Ring) NackDelivery() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingNack = true
}

// ReleaseNack clears a prior NackDelivery, resuming normal acking.
func (r *Ring) ReleaseNack() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingNack = false
}

// DrainInbound removes and returns all bytes queued for the device,
// freeing ring capacity for subsequent inbound packets.
func (r *Ring) DrainInbound() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.inBuf
	r.inBuf = nil
	return b
}

// EmitOutbound builds the next packet to send to the remote console
// given newData freshly arrived from the device, per spec.md §4.5's
// outbound emission rule. At most one outbound packet is outstanding:
// while a previous packet is unacknowledged it is returned again
// unchanged (same seq, ok=true) and newData is not kept. ok is false
// when the ring is inactive, when newData arrives while the remote has
// NACKed the device side, or when there is nothing to (re)send.
func (r *Ring) EmitOutbound(newData []byte) (h solwire.Header, payload []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return solwire.Header{}, nil, false
	}

	if len(r.outBuf) == 0 && len(newData) > 0 {
		if !r.writeEnabled {
			return solwire.Header{}, nil, false
		}
		maxData := solwire.MaxPacketBytes - 4
		chunk := newData
		if len(chunk) > maxData {
			chunk = chunk[:maxData]
		}
		r.outBuf = append([]byte(nil), chunk...)
	}

	if len(r.outBuf) == 0 {
		return solwire.Header{}, nil, false
	}

	flags := uint8(0)
	if len(r.inBuf) >= ringCapacity {
		flags |= solwire.BufferFull
	}

	h = solwire.Header{
		Seq:    r.currPacketSeq,
		Ack:    r.lastAckedPacket,
		Accept: r.lastAckedPacketLen,
		Flags:  flags,
	}
	return h, r.outBuf, true
}

// BitrateFromCode exposes solwire's bit rate mapping for callers that
// only import internal/solserver (spec.md §4.5's "Bitrate" clause).
func BitrateFromCode(code uint8) int {
	return solwire.BitrateFromCode(code)
}

// ActivationResponse builds the 13-byte Activate Payload response of
// spec.md §4.5: {CC, 4 bytes auxiliary data (the first holding
// sessionRef), in-size LE16, out-size LE16, port LE16}. The offsets
// after the completion code match what solclient's activation ladder
// reads back out of its response (in-size at data[4:6], out-size at
// data[6:8], port at data[8:10]).
func ActivationResponse(cc uint8, sessionRef uint8, inSize, outSize, port uint16) []byte {
	b := make([]byte, 13)
	b[0] = cc
	b[1] = sessionRef
	// b[2:5] reserved auxiliary data, left zero.
	b[5] = byte(inSize)
	b[6] = byte(inSize >> 8)
	b[7] = byte(outSize)
	b[8] = byte(outSize >> 8)
	b[9] = byte(port)
	b[10] = byte(port >> 8)
	b[11] = 0xFF // reserved
	b[12] = 0xFF // reserved
	return b
}
