package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"ipmisim/internal/channel"
	"ipmisim/internal/consolelog"
	"ipmisim/internal/mc"
	"ipmisim/internal/session"
	"ipmisim/internal/solserver"
	"ipmisim/internal/solwire"
)

// activeRing returns m's one SOL ring currently active, if any. This
// simulator has no real per-MC serial device, so only one payload
// instance is ever actually driven at a time regardless of how many
// Get Payload Activation Status advertises as free.
func activeRing(m *mc.MC) *solserver.Ring {
	m.Lock()
	defer m.Unlock()
	for i := 1; i < len(m.SOLRings); i++ {
		if m.SOLRings[i] != nil && m.SOLRings[i].Active() {
			return m.SOLRings[i]
		}
	}
	return nil
}

// newSOLHandler builds the lanserver.SOLHandler that bridges
// authenticated SOL traffic to a session's home MC's active ring.
// Inbound device bytes are echoed back out and logged through logs
// under the channel's transcript name, there being no real serial
// device behind this simulator's MCs to drive instead.
func newSOLHandler(registry *mc.Registry, logs *consolelog.Writer) func(sess *session.Session, och *channel.Channel, h solwire.Header, payload []byte) (solwire.Header, []byte, bool) {
	return func(sess *session.Session, och *channel.Channel, h solwire.Header, payload []byte) (solwire.Header, []byte, bool) {
		addr, ok := och.BoundMC()
		if !ok {
			return solwire.Header{}, nil, false
		}
		var a uint8
		if _, err := fmt.Sscanf(addr, "0x%x", &a); err != nil {
			return solwire.Header{}, nil, false
		}
		m, ok := registry.Lookup(a)
		if !ok {
			return solwire.Header{}, nil, false
		}
		ring := activeRing(m)
		if ring == nil {
			return solwire.Header{}, nil, false
		}

		ackHeader, ackOK := ring.Inbound(h, payload)

		if drained := ring.DrainInbound(); len(drained) > 0 {
			name := consolelog.ChannelLogName(m.IPMBAddr, och.Number)
			if err := logs.Write(name, drained); err != nil {
				log.Debugf("ipmisimd: console log write for %s: %v", name, err)
			}
			if outHeader, outPayload, ok := ring.EmitOutbound(drained); ok {
				return outHeader, outPayload, true
			}
		}

		if ackOK {
			return ackHeader, nil, true
		}
		return solwire.Header{}, nil, false
	}
}
