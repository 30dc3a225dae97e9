// Package channel implements the uniform channel abstraction of
// spec.md §3/§4.3 C6: LAN, IPMB, serial, and system-interface channels
// all expose the same send/recv-queue/attention surface to the router.
package channel

import (
	"sync"

	"ipmisim/internal/message"
)

// Medium identifies the physical/logical transport a Channel rides on.
type Medium uint8

const (
	MediumSystemInterface Medium = iota
	MediumIPMB
	MediumLAN
	MediumSerial
)

// SessionSupport describes how many concurrent sessions a channel can
// carry (spec.md §3).
type SessionSupport uint8

const (
	SessionLess SessionSupport = iota
	SingleSession
	MultiSession
)

// SystemInterfaceChannel is the reserved channel number for the BMC's
// own system interface, always present per spec.md §3.
const SystemInterfaceChannel = 15

// SendMessageHandler is implemented by channels that support being the
// target of the Send Message command (spec.md §4.3 R4); only IPMB-style
// channels need this.
type SendMessageHandler interface {
	HandleSendMsg(payload []byte) error
}

// Channel is the uniform surface the router dispatches through.
type Channel struct {
	mu sync.Mutex

	Number         int
	Medium         Medium
	ProtocolType   uint8
	SessionSupport SessionSupport
	SessionCount   int

	recvQueue     []message.Message
	attentionLine bool
	managedMC     string // MC ipmb address/name bound to this channel, if any

	// HWCapabilities is a bitmap of medium-specific hardware features
	// (spec.md §3's "hw_capability_bitmap").
	HWCapabilities uint32

	// SendMsg, when non-nil, lets this channel act as the target of the
	// Send Message command (spec.md §4.3 R4).
	SendMsg SendMessageHandler
}

// New constructs a Channel. Channel 15 is always the system interface
// regardless of the medium argument, matching spec.md §3.
func New(number int, medium Medium, sessionSupport SessionSupport) *Channel {
	if number == SystemInterfaceChannel {
		medium = MediumSystemInterface
	}
	return &Channel{Number: number, Medium: medium, SessionSupport: sessionSupport}
}

// EnqueueRecv appends msg to this channel's host-visible receive queue
// (LUN 2 destinations land here per spec.md §4.3 R1).
func (c *Channel) EnqueueRecv(msg message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvQueue = append(c.recvQueue, msg)
}

// PopRecv removes and returns the oldest queued message, if any.
func (c *Channel) PopRecv() (message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recvQueue) == 0 {
		return message.Message{}, false
	}
	m := c.recvQueue[0]
	c.recvQueue = c.recvQueue[1:]
	return m, true
}

// RecvQueueLen reports how many messages are queued for host pickup.
func (c *Channel) RecvQueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recvQueue)
}

// SignalAttention raises the channel's ATN line (spec.md §4.3 R1).
func (c *Channel) SignalAttention() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attentionLine = true
}

// ClearAttention lowers the ATN line, typically once the host has
// drained the receive queue.
func (c *Channel) ClearAttention() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attentionLine = false
}

// Attention reports the current ATN line state.
func (c *Channel) Attention() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attentionLine
}

// BindMC records which MC this channel currently delivers to.
func (c *Channel) BindMC(mcAddr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managedMC = mcAddr
}

// BoundMC returns the MC address bound to this channel, if any.
func (c *Channel) BoundMC() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.managedMC, c.managedMC != ""
}
