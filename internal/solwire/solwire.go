// Package solwire implements the 4-byte SOL packet header shared by
// the SOL server transport (internal/solserver) and the SOL client
// transport (solclient), per spec.md §3/§4.5/§4.6.
package solwire

const (
	// PayloadType is the RMCP+ payload type carrying SOL frames.
	PayloadType = 0x01

	// MaxClientDataSeq is the largest sequence number the client
	// transport ever assigns to a data-bearing packet; 0 means
	// ACK-only and 15 is reserved as the client's post-activation
	// TEST_SEQ probe (spec.md §4.6, §9 Open Questions #1 — this repo
	// takes the position that 15 is never used for client data).
	MaxClientDataSeq = 14

	// MaxServerSeq is the largest sequence the server (device) side
	// uses; spec.md §4.5 wraps curr_packet_seq 15->1, never reserving
	// 15 for a probe (the probe is a client-only concept).
	MaxServerSeq = 15

	// TestSeq is the sequence used for the client's post-activation
	// no-data probe packet.
	TestSeq = 15

	// MaxPacketBytes bounds a SOL packet (4-byte header + up to 255
	// bytes of data).
	MaxPacketBytes = 259

	// Operation bits (set by the sender to request an action).
	OpNack          = 0x40
	OpRingRequest   = 0x20
	OpGenerateBreak = 0x10
	OpCTSPause      = 0x08
	OpDropDCDDSR    = 0x04
	OpFlushInbound  = 0x02
	OpFlushOutbound = 0x01

	// Status bits (set by the sender to report device state).
	StatusNack               = 0x40
	StatusCharTransferUnavail = 0x20
	StatusDeactivated        = 0x10
	StatusTxOverrun          = 0x08
	StatusBreakDetected      = 0x04
	// BufferFull is bit 6 per spec.md §4.5 ("only 'buffer full' bit 6
	// when inbound ring is saturated"); distinct from the NACK bit
	// above (also bit 6 / 0x40) — solserver sets one or the other
	// depending on direction, never both, matching spec.md's framing
	// that these status/op bits share byte 3 but differ by role.
	BufferFull = 0x40
)

// Header is the 4-byte SOL packet header (spec.md §3).
type Header struct {
	Seq    uint8 // outbound sequence; 0 = ACK-only
	Ack    uint8 // sequence being acknowledged/NACKed; 0 = none
	Accept uint8 // accepted character count
	Flags  uint8 // operation bits (outbound) or status bits (inbound)
}

// Pack serializes h to its 4-byte wire form.
func (h Header) Pack() []byte {
	return []byte{h.Seq, h.Ack, h.Accept, h.Flags}
}

// Parse reads a Header from the front of a SOL payload.
func Parse(data []byte) (Header, bool) {
	if len(data) < 4 {
		return Header{}, false
	}
	return Header{Seq: data[0], Ack: data[1], Accept: data[2], Flags: data[3]}, true
}

// NextSeq advances a data-bearing sequence number, wrapping max->1 and
// skipping 0 (0 is reserved for ACK-only packets). Use MaxClientDataSeq
// for the client transport and MaxServerSeq for the server transport.
func NextSeq(cur, max uint8) uint8 {
	n := cur + 1
	if n == 0 || n > max {
		return 1
	}
	return n
}

// BitrateFromCode maps the 4-bit IPMI volatile/non-volatile bit rate
// code (spec.md §4.5) to a device baud rate. 0 selects the caller's
// configured default (returned as 0 here; caller substitutes it).
func BitrateFromCode(code uint8) int {
	switch code {
	case 6:
		return 9600
	case 7:
		return 19200
	case 8:
		return 38400
	case 9:
		return 57600
	case 10:
		return 115200
	default:
		return 0
	}
}
