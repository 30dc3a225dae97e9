// Package router implements the multi-channel message router of
// spec.md §4.3 (C7): given a decoded message and its origin channel, it
// decides among send-to-host, response-path, command-to-MC,
// send-message, and disabled-MC routes.
package router

import (
	"sync"

	"ipmisim/internal/channel"
	"ipmisim/internal/mc"
	"ipmisim/internal/message"
	"ipmisim/internal/wire"
)

// Completion codes observable at the router surface (spec.md §6).
const (
	CCSuccess          uint8 = 0x00
	CCPayloadActive    uint8 = 0x80
	CCNodeBusy         uint8 = 0x81
	CCInvalidCommand   uint8 = 0xC1
	CCOutOfSpace       uint8 = 0xC4
	CCDataLengthInvalid uint8 = 0xC7
	CCNotPresent       uint8 = 0xCB
	CCInvalidDataField uint8 = 0xCC
	CCUnspecified      uint8 = 0xFF
)

// sendToHostLUN is the LUN value that marks a message as destined for
// host pickup via the recv queue (spec.md §4.3 R1).
const sendToHostLUN = 2

// HandlerKey identifies a registered command handler by netfn (request
// side, even) and command code.
type HandlerKey struct {
	NetFn uint8
	Cmd   uint8
}

// HandlerFunc processes a command-to-MC request and returns response
// bytes plus a completion code.
type HandlerFunc func(m *mc.MC, msg message.Message) (data []byte, cc uint8)

// GroupTable is the dispatch table for one group-extension selector
// byte or one IANA-OEM vendor prefix (spec.md §4.3 R3, §9).
type GroupTable struct {
	// CheckCapable, if non-nil, gates dispatch: a false result returns
	// CCInvalidCommand without invoking any handler in this table.
	CheckCapable func(m *mc.MC) bool
	Handlers     map[uint8]HandlerFunc
}

// NetFnGroupExtensionReq and NetFnIANAOEMReq are the request netfn values that carry a
// leading group-selector byte ahead of the command (spec.md §4.3 R3,
// §9's "group-extension and IANA-OEM are tagged variants of the
// dispatch entry").
const (
	NetFnGroupExtensionReq uint8 = 0x2C
	NetFnIANAOEMReq        uint8 = 0x2E
)

// Router dispatches messages per spec.md §4.3. One Router is shared
// across all MCs; per-MC state (sequence table, recv queue, attention
// line) is mutated only while that MC's lock is held, per spec.md §5.
type Router struct {
	mu         sync.RWMutex
	handlers   map[HandlerKey]HandlerFunc
	groupExt   map[uint8]*GroupTable // keyed by group selector byte
	ianaOEM    map[uint32]*GroupTable // keyed by 3-byte IANA packed into uint32
}

// New returns an empty router.
func New() *Router {
	return &Router{
		handlers: make(map[HandlerKey]HandlerFunc),
		groupExt: make(map[uint8]*GroupTable),
		ianaOEM:  make(map[uint32]*GroupTable),
	}
}

// Register installs a handler for {netfn, cmd}.
func (r *Router) Register(netfn, cmd uint8, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[HandlerKey{NetFn: netfn, Cmd: cmd}] = fn
}

// RegisterGroup installs a group-extension dispatch table under
// selector.
func (r *Router) RegisterGroup(selector uint8, t *GroupTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groupExt[selector] = t
}

// RegisterIANA installs an IANA-OEM dispatch table under the 3-byte
// enterprise number packed little-endian into the low 24 bits of iana.
func (r *Router) RegisterIANA(iana uint32, t *GroupTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ianaOEM[iana&0xFFFFFF] = t
}

// Route applies R1-R5 to msg, which arrived on och bound to m.
// registry is consulted only for R4 (send-message to another MC).
// The MC lock is held for the duration, per spec.md §5.
func (r *Router) Route(registry *mc.Registry, m *mc.MC, och *channel.Channel, msg message.Message) (rdata []byte, cc uint8) {
	m.Lock()
	defer m.Unlock()

	if !m.Enabled {
		return nil, CCUnspecified // R5
	}

	if msg.DstLUN == sendToHostLUN {
		return r.sendToHost(m, och, msg) // R1
	}

	if msg.IsResponse() {
		return r.responsePath(m, msg) // R2
	}

	if r.isSendMessage(msg) {
		return r.sendMessage(registry, m, och, msg) // R4
	}

	return r.commandToMC(m, msg) // R3
}

// sendToHost implements R1: queue msg for host pickup on channel 15's
// recv queue, reserving a sequence first if the source is
// session-oriented.
func (r *Router) sendToHost(m *mc.MC, och *channel.Channel, msg message.Message) ([]byte, uint8) {
	dst := m.Channels[channel.SystemInterfaceChannel]
	if dst == nil {
		return nil, CCUnspecified
	}

	if isSessionOriented(och) {
		newSeq, err := m.SeqTable.Reserve(msg.Seq, msg.OriginChannel, msg.SessionID)
		if err != nil {
			return nil, CCOutOfSpace
		}
		msg.Seq = newSeq
		msg.Tracked = true
	}

	dst.EnqueueRecv(msg)
	dst.SignalAttention()
	return nil, CCSuccess
}

// responsePath implements R2: restore the original (seq, channel,
// session) from the sequence table and enqueue onto the original
// channel's queue.
func (r *Router) responsePath(m *mc.MC, msg message.Message) ([]byte, uint8) {
	entry, err := m.SeqTable.Find(msg.Seq)
	if err != nil {
		return nil, CCNotPresent
	}

	restored := msg
	restored.Seq = entry.OrigSeq
	restored.SessionID = entry.OrigSessionID

	origChan := m.Channels[entry.OrigChannel]
	if origChan == nil {
		return nil, CCNotPresent
	}
	origChan.EnqueueRecv(restored)
	return nil, CCSuccess
}

// commandToMC implements R3: dispatch to a registered handler, with
// group-extension and IANA-OEM stripping taking priority over the
// plain table.
func (r *Router) commandToMC(m *mc.MC, msg message.Message) ([]byte, uint8) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch msg.NetFn {
	case NetFnGroupExtensionReq:
		if len(msg.Payload) < 1 {
			return nil, CCDataLengthInvalid
		}
		selector := msg.Payload[0]
		t, ok := r.groupExt[selector]
		if !ok {
			return nil, CCInvalidCommand
		}
		if t.CheckCapable != nil && !t.CheckCapable(m) {
			return nil, CCInvalidCommand
		}
		fn, ok := t.Handlers[msg.Cmd]
		if !ok {
			return nil, CCInvalidCommand
		}
		sub := msg
		sub.Payload = msg.Payload[1:]
		return fn(m, sub)

	case NetFnIANAOEMReq:
		if len(msg.Payload) < 3 {
			return nil, CCDataLengthInvalid
		}
		iana := uint32(msg.Payload[0]) | uint32(msg.Payload[1])<<8 | uint32(msg.Payload[2])<<16
		t, ok := r.ianaOEM[iana]
		if !ok {
			return nil, CCInvalidCommand
		}
		if t.CheckCapable != nil && !t.CheckCapable(m) {
			return nil, CCInvalidCommand
		}
		fn, ok := t.Handlers[msg.Cmd]
		if !ok {
			return nil, CCInvalidCommand
		}
		sub := msg
		sub.IANA = append([]byte(nil), msg.Payload[:3]...)
		sub.Payload = msg.Payload[3:]
		data, cc := fn(m, sub)
		return append(append([]byte(nil), sub.IANA...), data...), cc

	default:
		fn, ok := r.handlers[HandlerKey{NetFn: msg.NetFn, Cmd: msg.Cmd}]
		if !ok {
			return nil, CCInvalidCommand
		}
		return fn(m, msg)
	}
}

// isSendMessage reports whether msg is the Send Message application
// command (app netfn 0x06, cmd 0x34) addressed to the system
// interface, which R4 routes through the destination channel's
// SendMessageHandler instead of the generic handler table.
func (r *Router) isSendMessage(msg message.Message) bool {
	const appNetFnReq = 0x06
	const cmdSendMessage = 0x34
	return msg.NetFn == appNetFnReq && msg.Cmd == cmdSendMessage && msg.DstAddr.Channel == channel.SystemInterfaceChannel
}

// sendMessage implements R4: unwrap the IPMB payload, deliver to the
// target MC, and re-package the handler's response as an IPMB-shaped
// message enqueued on the originator's recv queue.
func (r *Router) sendMessage(registry *mc.Registry, origin *mc.MC, och *channel.Channel, msg message.Message) ([]byte, uint8) {
	if len(msg.Payload) < 1 {
		return nil, CCDataLengthInvalid
	}
	targetChannel := msg.Payload[0] & 0x0F
	ipmbPayload := msg.Payload[1:]

	minLen := 8
	if len(ipmbPayload) > 0 && ipmbPayload[0] == 0x00 {
		// Broadcast carries an extra leading 0x00 target-address byte
		// ahead of the normal IPMB frame (wire.DecodeIPMBFrame strips
		// it), so it needs one more byte, not one fewer.
		minLen++
	}
	if len(msg.Payload) < minLen {
		return nil, CCDataLengthInvalid
	}

	frame, err := wire.DecodeIPMBFrame(ipmbPayload)
	if err != nil {
		return nil, CCDataLengthInvalid
	}

	if frame.NetFn&0x01 == 1 {
		// A response payload forwarded as a send-message is outside
		// this core (spec.md §4.3 R4).
		return nil, CCUnspecified
	}

	targetMC, ok := registry.Lookup(frame.RsAddr)
	if !ok || !targetMC.Enabled {
		return nil, 0x83 // NAK on write
	}

	msg2 := message.Message{
		DstAddr:       message.Address{Kind: message.AddrIPMB, Channel: int(targetChannel), SlaveAddr: frame.RsAddr, LUN: frame.RsLUN},
		DstLUN:        frame.RsLUN,
		SrcAddr:       message.Address{Kind: message.AddrIPMB, Channel: origin.Channels[channel.SystemInterfaceChannel].Number, SlaveAddr: frame.RqAddr, LUN: frame.RqLUN},
		SrcLUN:        frame.RqLUN,
		NetFn:         frame.NetFn,
		Cmd:           frame.Cmd,
		Seq:           frame.RqSeq,
		Payload:       frame.Data,
		OriginChannel: int(targetChannel),
	}

	if isSessionOriented(och) {
		newSeq, err := origin.SeqTable.Reserve(msg2.Seq, msg.OriginChannel, msg.SessionID)
		if err != nil {
			return nil, CCOutOfSpace
		}
		msg2.Seq = newSeq
		msg2.Tracked = true
	}

	data, cc := r.routeToTarget(origin, targetMC, msg2)

	respFrame := wire.IPMBFrame{
		RsAddr: frame.RqAddr,
		NetFn:  message.ResponseNetFn(frame.NetFn),
		RsLUN:  frame.RqLUN,
		RqAddr: frame.RsAddr,
		RqSeq:  frame.RqSeq,
		RqLUN:  frame.RsLUN,
		Cmd:    frame.Cmd,
		Data:   append([]byte{cc}, data...),
	}
	encoded := wire.EncodeIPMBFrame(respFrame)

	reply := message.Message{
		DstAddr:       msg.SrcAddr,
		SrcAddr:       msg2.DstAddr,
		NetFn:         message.ResponseNetFn(msg.NetFn),
		Cmd:           msg.Cmd,
		Seq:           msg.Seq,
		Payload:       encoded,
		OriginChannel: msg.OriginChannel,
	}
	och.EnqueueRecv(reply)
	return nil, CCSuccess
}

// routeToTarget delivers msg2 to targetMC's command-to-MC dispatch
// exactly as if it had arrived on that channel (spec.md §4.3 R4).
// origin's lock is already held by the caller; targetMC is only
// re-locked when it is a distinct MC, since mc.MC's lock is not
// reentrant.
func (r *Router) routeToTarget(origin, targetMC *mc.MC, msg2 message.Message) ([]byte, uint8) {
	if targetMC == origin {
		return r.commandToMC(targetMC, msg2)
	}
	targetMC.Lock()
	defer targetMC.Unlock()
	return r.commandToMC(targetMC, msg2)
}

func isSessionOriented(ch *channel.Channel) bool {
	if ch == nil {
		return false
	}
	return ch.Medium == channel.MediumLAN || ch.SessionSupport != channel.SessionLess
}
