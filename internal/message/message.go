// Package message defines the Message envelope and tagged-variant
// Address type routed by internal/router (spec.md §3).
package message

// PayloadType distinguishes the kind of payload carried by a Message
// when it originates from an RMCP+ session (spec.md §3's payload_type
// field); session-less channels leave this at PayloadNone.
type PayloadType uint8

const (
	PayloadNone PayloadType = iota
	PayloadIPMI
	PayloadSOL
)

// AddressKind tags which variant of Address is populated.
type AddressKind uint8

const (
	AddrSystemInterface AddressKind = iota
	AddrIPMB
	AddrLAN
	AddrRMCPPSOL
)

// Address is the tagged-variant "address" of spec.md §3 / §9: a sum
// type standing in for the original C union, distinguished by Kind.
type Address struct {
	Kind AddressKind

	// SystemInterface / common.
	Channel int
	LUN     uint8

	// IPMB.
	SlaveAddr uint8

	// LAN.
	Privilege      uint8
	SessionHandle  uint8
	RemoteSWID     uint8
	LocalSWID      uint8
}

// Message is the envelope routed between channels (spec.md §3).
type Message struct {
	DstAddr Address
	DstLUN  uint8
	SrcAddr Address
	SrcLUN  uint8

	NetFn uint8 // 6 bits; low bit of the byte distinguishes req/resp
	Cmd   uint8
	Seq   uint8 // 6 bits

	SessionID uint32
	Payload   []byte

	OriginChannel int
	Tracked       bool
	PayloadType   PayloadType

	// IANA is populated when NetFn is the IANA-OEM group and holds the
	// stripped 3-byte vendor prefix (spec.md §4.3 R3), re-inserted into
	// the response.
	IANA []byte
}

// IsResponse reports whether NetFn's low bit marks this a response.
func (m Message) IsResponse() bool {
	return m.NetFn&0x01 == 1
}

// ResponseNetFn returns the NetFn a response to m must carry
// (request netfn | 1, per spec.md §3).
func ResponseNetFn(requestNetFn uint8) uint8 {
	return requestNetFn | 0x01
}
