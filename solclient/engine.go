// Package solclient implements the client side of the Serial-over-LAN
// reliable byte-stream protocol (spec.md §4.6, C9), layered over an
// RMCP+ IPMI messaging connection, generalized from a single hardcoded
// session into a full activation ladder and protocol core.
package solclient

import (
	"errors"
	"sync"

	"ipmisim/internal/solwire"
)

// ConnState is the SOL connection lifecycle state (spec.md §3/§4.6).
type ConnState uint8

const (
	StateClosed ConnState = iota
	StateConnecting
	StateConnected
	StateConnectedCTU
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConnectedCTU:
		return "connected_ctu"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// stagingCapacity bounds the input byte staging buffer (spec.md §4.6).
const stagingCapacity = 1024

// pendingCapacity bounds the reentrant callback lists (spec.md §4.6:
// "at least 20 packet slots and 20 connection-report slots").
const pendingCapacity = 20

// ErrTryAgain is returned when an operation's single callback slot is
// already occupied (spec.md §4.6).
var ErrTryAgain = errors.New("solclient: operation already pending")

// ErrStagingFull is returned when Stage has no room left in the 1024
// byte input buffer.
var ErrStagingFull = errors.New("solclient: staging buffer full")

// ErrPendingFull is logged (not returned as fatal) when the reentrant
// pending list is exhausted; exposed so callers can count drops.
var ErrPendingFull = errors.New("solclient: pending callback list full")

type writeCallback struct {
	pos uint64
	fn  func(error)
}

type opSlot struct {
	inUse bool
	fn    func(error)
}

// Engine is the protocol core for one SOL connection: packet
// assembly/ordering, sequence bookkeeping, retransmit accounting,
// write-callback ordering, and the reentrant pending-delivery list.
// It has no network code; Session (session.go) drives it from actual
// packets.
type Engine struct {
	mu sync.Mutex

	state ConnState

	seq            uint8 // last data sequence we sent, 0 if none yet
	xmitWaitingAck bool  // at most one outstanding data packet (spec.md §4.6)
	remoteInNack   bool  // remote asked us to pause

	stagingBuf []byte

	pendingAckSeq    uint8
	pendingAccept    uint8
	ackPending       bool
	remoteAcksNoData bool

	pendingOps uint8
	opSlots    map[uint8]*opSlot

	bytesEnqueuedCum uint64
	bytesAckedCum    uint64
	writeCallbacks   []writeCallback

	lastRecvSeq   uint8
	lastRecvAccept uint8

	rexmitRemaining int
	rexmitConfigured int

	pendingReports []func()
	inReceive      bool

	onPendingDrop func(error)
}

// NewEngine returns a fresh, closed-state engine. ackRetries sets the
// retransmit budget (spec.md §4.6's ACK_retries).
func NewEngine(ackRetries int) *Engine {
	return &Engine{
		state:             StateClosed,
		opSlots:           make(map[uint8]*opSlot),
		rexmitConfigured:  ackRetries,
	}
}

// SetPendingDropHandler installs a callback invoked whenever the
// reentrant pending list is exhausted, so callers can log it (spec.md
// §4.6: "exhaustion logs but does not crash").
func (e *Engine) SetPendingDropHandler(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPendingDrop = fn
}

// State returns the current connection state.
func (e *Engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState forces a state transition; used by Session around the
// activation ladder and close sequence.
func (e *Engine) SetState(s ConnState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// Stage appends data to the 1024-byte staging buffer and registers cb
// (if non-nil) to fire once the staged bytes have been acknowledged.
// Bytes that do not fit are dropped and reported by the returned count
// and ErrStagingFull; cb does not wait for them.
func (e *Engine) Stage(data []byte, cb func(error)) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	room := stagingCapacity - len(e.stagingBuf)
	if room <= 0 {
		return 0, ErrStagingFull
	}
	n := len(data)
	if n > room {
		n = room
	}
	e.stagingBuf = append(e.stagingBuf, data[:n]...)
	e.bytesEnqueuedCum += uint64(n)
	if cb != nil {
		e.writeCallbacks = append(e.writeCallbacks, writeCallback{pos: e.bytesEnqueuedCum, fn: cb})
	}
	if n < len(data) {
		return n, ErrStagingFull
	}
	return n, nil
}

// RequestOp enqueues a one-slot operation (break, flush, CTS pause,
// drop DCD/DSR, ring request). A second request while the slot is busy
// returns ErrTryAgain (spec.md §4.6).
func (e *Engine) RequestOp(bit uint8, cb func(error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	slot, ok := e.opSlots[bit]
	if ok && slot.inUse {
		return ErrTryAgain
	}
	e.opSlots[bit] = &opSlot{inUse: true, fn: cb}
	e.pendingOps |= bit
	return nil
}

// oneShotOps are cleared immediately after being sent; the rest (CTS
// pause, drop DCD/DSR, ring request) persist until ReleaseOp is called
// (spec.md §4.6: "break/flushes being one-shot").
const oneShotOps = solwire.OpGenerateBreak | solwire.OpFlushInbound | solwire.OpFlushOutbound

// ReleaseOp clears a sticky (non-one-shot) operation bit, freeing its
// callback slot.
func (e *Engine) ReleaseOp(bit uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pendingOps &^= bit
	delete(e.opSlots, bit)
}

// BuildNextPacket assembles the next outbound packet, applying the
// ordering rule: emit only when there is data or a pending operation
// or a pending ack, AND no other data packet is outstanding, AND the
// remote is not in NACK (spec.md §4.6).
func (e *Engine) BuildNextPacket(maxChunk int) (h solwire.Header, payload []byte, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.xmitWaitingAck || e.remoteInNack {
		return solwire.Header{}, nil, false
	}

	dataAvail := len(e.stagingBuf) > 0
	opsAvail := e.pendingOps != 0
	if !dataAvail && !opsAvail && !e.ackPending {
		return solwire.Header{}, nil, false
	}

	var chunk []byte
	if dataAvail {
		n := len(e.stagingBuf)
		if maxChunk > 0 && n > maxChunk {
			n = maxChunk
		}
		chunk = append([]byte(nil), e.stagingBuf[:n]...)
	}

	var seq uint8
	switch {
	case len(chunk) > 0:
		seq = solwire.NextSeq(e.seq, solwire.MaxClientDataSeq)
	case opsAvail && e.remoteAcksNoData:
		// Only worth spending a real sequence (and its retransmit
		// tracking) on an ops-only packet once the TEST_SEQ probe has
		// shown the peer actually acks zero-data packets; otherwise it
		// would sit in xmitWaitingAck forever.
		seq = solwire.NextSeq(e.seq, solwire.MaxClientDataSeq)
	}

	ack := uint8(0)
	accept := uint8(0)
	if e.ackPending {
		ack = e.pendingAckSeq
		accept = e.pendingAccept
		e.ackPending = false
		e.pendingAckSeq = 0
		e.pendingAccept = 0
	}

	ops := e.pendingOps
	e.pendingOps &^= oneShotOps
	for bit, slot := range e.opSlots {
		if bit&oneShotOps != 0 {
			delete(e.opSlots, bit)
			if slot.fn != nil {
				e.enqueueReport(func() { slot.fn(nil) })
			}
		}
	}

	if seq != 0 {
		e.seq = seq
		e.xmitWaitingAck = true
		e.stagingBuf = e.stagingBuf[len(chunk):]
	}

	return solwire.Header{Seq: seq, Ack: ack, Accept: accept, Flags: ops}, chunk, true
}

// HandleAck applies an inbound packet's ack/status fields to our
// outstanding transmission: fires write callbacks whose cumulative
// position has been acknowledged, clears the outstanding-packet gate,
// and tracks remote NACK state.
func (e *Engine) HandleAck(ackSeq uint8, accept uint8, nack bool) {
	e.mu.Lock()

	if nack {
		e.remoteInNack = true
		e.mu.Unlock()
		return
	}
	e.remoteInNack = false

	if ackSeq == 0 || ackSeq != e.seq || !e.xmitWaitingAck {
		e.mu.Unlock()
		return
	}
	e.xmitWaitingAck = false
	e.bytesAckedCum += uint64(accept)

	var fire []func(error)
	kept := e.writeCallbacks[:0]
	for _, cb := range e.writeCallbacks {
		if cb.pos <= e.bytesAckedCum {
			fire = append(fire, cb.fn)
		} else {
			kept = append(kept, cb)
		}
	}
	e.writeCallbacks = kept
	e.mu.Unlock()

	if ackSeq == solwire.TestSeq {
		e.SetRemoteAcksNoData(true)
	}

	for _, fn := range fire {
		fn(nil)
	}
}

// BeginTestSeqProbe stages the post-activation zero-data probe as an
// outstanding transmission at sequence solwire.TestSeq, so its ack
// correlates back through HandleAck instead of being sent and forgotten.
func (e *Engine) BeginTestSeqProbe() solwire.Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq = solwire.TestSeq
	e.xmitWaitingAck = true
	return solwire.Header{Seq: solwire.TestSeq}
}

// ReceiveResult reports what HandleReceive decided for one inbound
// packet.
type ReceiveResult struct {
	Delivered []byte
	CTU       bool
	Deactivated bool
}

// HandleReceive processes one inbound data/status packet. deliver is
// invoked with newly-arrived bytes (only for genuinely new sequence
// numbers, or the undelivered tail of a repeated sequence) and may
// return true to NACK the delivery, which sets the outbound NACK op
// bit and zeroes the next ack's accepted count (spec.md §4.6, §8
// scenario 4). Short (<4 byte header) and oversized (>259 byte)
// packets, and non-zero-seq packets with no data, are the caller's
// responsibility to drop before calling HandleReceive.
func (e *Engine) HandleReceive(h solwire.Header, data []byte, deliver func([]byte) (nack bool)) ReceiveResult {
	e.mu.Lock()

	if h.Ack != 0 {
		nack := h.Flags&solwire.StatusNack != 0
		e.mu.Unlock()
		e.HandleAck(h.Ack, h.Accept, nack)
		e.mu.Lock()
	}

	var res ReceiveResult
	if h.Flags&solwire.StatusDeactivated != 0 {
		e.state = StateClosing
		res.Deactivated = true
	} else if h.Flags&solwire.StatusCharTransferUnavail != 0 {
		e.state = StateConnectedCTU
		res.CTU = true
	} else if e.state == StateConnectedCTU {
		e.state = StateConnected
	}

	if h.Seq == 0 || len(data) == 0 {
		e.mu.Unlock()
		return res
	}

	toDeliver := data
	isNew := h.Seq != e.lastRecvSeq
	if !isNew {
		if len(data) <= int(e.lastRecvAccept) {
			e.mu.Unlock()
			return res
		}
		toDeliver = data[e.lastRecvAccept:]
	}

	e.inReceive = true
	e.mu.Unlock()

	nack := false
	if deliver != nil {
		nack = deliver(toDeliver)
	}

	e.mu.Lock()
	e.inReceive = false
	e.lastRecvSeq = h.Seq
	if nack {
		e.lastRecvAccept = 0
		e.pendingOps |= solwire.OpNack
		e.ackPending = true
		e.pendingAckSeq = h.Seq
		e.pendingAccept = 0
	} else {
		e.lastRecvAccept = uint8(len(data))
		e.pendingOps &^= solwire.OpNack
		e.ackPending = true
		e.pendingAckSeq = h.Seq
		e.pendingAccept = uint8(len(toDeliver))
	}
	res.Delivered = toDeliver
	drained := e.drainPendingLocked()
	e.mu.Unlock()

	for _, fn := range drained {
		fn()
	}
	return res
}

// enqueueReport queues fn on the connection-report pending list if
// currently inside receive processing (reentrancy guard), else runs it
// immediately. Must be called with e.mu held.
func (e *Engine) enqueueReport(fn func()) {
	if !e.inReceive {
		fn()
		return
	}
	if len(e.pendingReports) >= pendingCapacity {
		if e.onPendingDrop != nil {
			e.onPendingDrop(ErrPendingFull)
		}
		return
	}
	e.pendingReports = append(e.pendingReports, fn)
}

// drainPendingLocked returns and clears everything queued during
// receive processing, to be invoked after the lock is released. Must
// be called with e.mu held.
func (e *Engine) drainPendingLocked() []func() {
	out := e.pendingReports
	e.pendingReports = nil
	return out
}

// RexmitStart (re)initializes the retransmit budget for a freshly sent
// packet (spec.md §4.6).
func (e *Engine) RexmitStart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rexmitRemaining = e.rexmitConfigured
}

// RexmitExpire is called when the retransmit timer fires. It reports
// whether the caller should retransmit (true) or give up and close
// (false) because the budget is exhausted.
func (e *Engine) RexmitExpire() (shouldRetransmit bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rexmitRemaining <= 0 {
		e.state = StateClosed
		e.xmitWaitingAck = false
		return false
	}
	e.rexmitRemaining--
	return true
}

// GetSanePayloadSize recovers a payload size advertised by Activate
// Payload when the BMC's endianness is unclear: it tries little-endian
// first and falls back to big-endian, accepting whichever lands in
// [5, 259] (spec.md §4.6, §8 scenario 6).
func GetSanePayloadSize(lo, hi byte) (uint16, bool) {
	le := uint16(lo) | uint16(hi)<<8
	if le >= 5 && le <= solwire.MaxPacketBytes {
		return le, true
	}
	be := uint16(hi) | uint16(lo)<<8
	if be >= 5 && be <= solwire.MaxPacketBytes {
		return be, true
	}
	return 0, false
}

// RemoteAcksNoData reports whether the post-activation TEST_SEQ probe
// found the peer acks empty packets.
func (e *Engine) RemoteAcksNoData() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteAcksNoData
}

// SetRemoteAcksNoData caches the TEST_SEQ probe result.
func (e *Engine) SetRemoteAcksNoData(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteAcksNoData = v
}
