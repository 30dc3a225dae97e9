// Package rmcpwire implements the RMCP and IPMI 1.5/2.0 session header
// wire formats, shared by internal/lanserver (server) and solclient
// (client) so both sides of the wire stay in lockstep.
package rmcpwire

import "ipmisim/internal/wire"

const (
	Version    = 0x06
	Sequence   = 0xFF // no RMCP ACK requested
	ClassASF   = 0x06
	ClassIPMI  = 0x07

	AuthTypeNone  = 0x00
	AuthTypeRMCPP = 0x06 // IPMI 2.0 / RMCP+ session wrapper

	// Payload types (low 6 bits of the IPMI 2.0 payload-type byte; bits
	// 6/7 are the encrypted/authenticated flags, see EncryptedBit/
	// AuthenticatedBit below).
	PayloadIPMI     = 0x00
	PayloadSOL      = 0x01
	PayloadOpenReq  = 0x10
	PayloadOpenResp = 0x11
	PayloadRAKP1    = 0x12
	PayloadRAKP2    = 0x13
	PayloadRAKP3    = 0x14
	PayloadRAKP4    = 0x15

	EncryptedBit    = 0x80
	AuthenticatedBit = 0x40
	PayloadTypeMask  = 0x3F
)

// Header is the 4-byte RMCP header.
type Header struct {
	Version  uint8
	Reserved uint8
	Sequence uint8
	Class    uint8
}

// Pack serializes the header.
func (h Header) Pack() []byte {
	return []byte{h.Version, h.Reserved, h.Sequence, h.Class}
}

// Parse reads a Header from the front of buf and returns the rest.
func Parse(buf []byte) (Header, []byte, bool) {
	if len(buf) < 4 {
		return Header{}, nil, false
	}
	return Header{Version: buf[0], Reserved: buf[1], Sequence: buf[2], Class: buf[3]}, buf[4:], true
}

// DefaultHeader returns the standard outbound RMCP header (no ACK
// requested).
func DefaultHeader() Header {
	return Header{Version: Version, Reserved: 0, Sequence: Sequence, Class: ClassIPMI}
}

// SessionV15 is the IPMI 1.5 session header used for pre-session
// (unauthenticated) messages, 10 bytes on the wire.
type SessionV15 struct {
	AuthType   uint8
	Sequence   uint32
	SessionID  uint32
	PayloadLen uint8
}

func (h SessionV15) Pack() []byte {
	buf := make([]byte, 10)
	buf[0] = h.AuthType
	wire.PutU32(buf[1:5], h.Sequence)
	wire.PutU32(buf[5:9], h.SessionID)
	buf[9] = h.PayloadLen
	return buf
}

// SessionV20 is the IPMI 2.0/RMCP+ session header, 12 bytes on the
// wire (before any trailing integrity pad/PAD-length/next-header/
// AuthCode).
type SessionV20 struct {
	AuthType    uint8
	PayloadType uint8 // includes Encrypted/Authenticated bits
	SessionID   uint32
	Sequence    uint32
	PayloadLen  uint16
}

func (h SessionV20) Pack() []byte {
	buf := make([]byte, 12)
	buf[0] = h.AuthType
	buf[1] = h.PayloadType
	wire.PutU32(buf[2:6], h.SessionID)
	wire.PutU32(buf[6:10], h.Sequence)
	wire.PutU16(buf[10:12], h.PayloadLen)
	return buf
}

// ParseSessionV20 reads a 12-byte header from the front of buf.
func ParseSessionV20(buf []byte) (SessionV20, []byte, bool) {
	if len(buf) < 12 {
		return SessionV20{}, nil, false
	}
	h := SessionV20{
		AuthType:    buf[0],
		PayloadType: buf[1],
		SessionID:   wire.U32(buf[2:6]),
		Sequence:    wire.U32(buf[6:10]),
		PayloadLen:  wire.U16(buf[10:12]),
	}
	return h, buf[12:], true
}

// BuildIPMI15Packet assembles an RMCP + IPMI-1.5-session packet.
func BuildIPMI15Packet(sessionID, sequence uint32, payload []byte) []byte {
	rmcp := DefaultHeader()
	session := SessionV15{AuthType: AuthTypeNone, Sequence: sequence, SessionID: sessionID, PayloadLen: uint8(len(payload))}
	out := make([]byte, 0, 4+10+len(payload))
	out = append(out, rmcp.Pack()...)
	out = append(out, session.Pack()...)
	out = append(out, payload...)
	return out
}

// BuildRMCPPlusPacket assembles an unauthenticated RMCP+ packet (no
// integrity trailer). Callers needing an authenticated/encrypted
// packet append the trailer themselves (see internal/lanserver and
// solclient, which both need access to K1/K2 not available here).
func BuildRMCPPlusPacket(payloadType uint8, sessionID, sequence uint32, payload []byte) []byte {
	rmcp := DefaultHeader()
	session := SessionV20{AuthType: AuthTypeRMCPP, PayloadType: payloadType, SessionID: sessionID, Sequence: sequence, PayloadLen: uint16(len(payload))}
	out := make([]byte, 0, 4+12+len(payload))
	out = append(out, rmcp.Pack()...)
	out = append(out, session.Pack()...)
	out = append(out, payload...)
	return out
}

// BuildIPMIMessage builds an IPMI request/response message body with
// both header and body checksums, per spec.md §4.1.
func BuildIPMIMessage(rsAddr, netFn, rsLUN, rqAddr, rqSeq, rqLUN, cmd uint8, data []byte) []byte {
	msg := make([]byte, 0, 7+len(data))
	msg = append(msg, rsAddr, (netFn<<2)|rsLUN)
	chk1 := wire.IPMBChecksum(0, msg)
	msg = append(msg, chk1, rqAddr, (rqSeq<<2)|rqLUN, cmd)
	msg = append(msg, data...)
	chk2 := wire.IPMBChecksum(0, msg[3:])
	msg = append(msg, chk2)
	return msg
}
