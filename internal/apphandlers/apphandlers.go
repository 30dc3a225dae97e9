// Package apphandlers implements the minimal Application (0x06) netfn
// command set a managed controller needs to make solclient's
// activation ladder (spec.md §4.6) and an ipmitool-style console
// complete end to end: Get Device ID, Get Channel Authentication
// Capabilities, the SoL configuration parameter pair, Get Channel
// Payload Support, Get Session Info, and the Activate/Deactivate/Get
// Payload Activation Status trio that drives internal/solserver.Ring.
// Session-scoped commands (Set Session Privilege Level, Close Session)
// are not here: they mutate internal/session.Session, which the
// router's (mc, message) handler signature has no access to, so
// internal/lanserver answers those directly against the session it
// already holds, the way a real BMC's session layer (rather than its
// command-processing layer) owns them.
package apphandlers

import (
	"ipmisim/internal/mc"
	"ipmisim/internal/message"
	"ipmisim/internal/router"
	"ipmisim/internal/solserver"
	"ipmisim/solclient"
)

// Command codes not already exported by solclient's activation ladder
// (spec.md §4.3's "Supplemented Features": Get Device ID, Get Channel
// Authentication Capabilities).
const (
	cmdGetDeviceID           uint8 = 0x01
	cmdGetChannelAuthCapable uint8 = 0x38
)

// Register installs every handler in this package against rt.
func Register(rt *router.Router) {
	rt.Register(solclient.NetFnApp, cmdGetDeviceID, GetDeviceID)
	rt.Register(solclient.NetFnApp, cmdGetChannelAuthCapable, GetChannelAuthCapabilities)
	rt.Register(solclient.NetFnApp, solclient.CmdGetChannelPayloadSupport, GetChannelPayloadSupport)
	rt.Register(solclient.NetFnApp, solclient.CmdGetSoLConfigParameters, GetSoLConfigParameters)
	rt.Register(solclient.NetFnApp, solclient.CmdSetSoLConfigParameters, SetSoLConfigParameters)
	rt.Register(solclient.NetFnApp, solclient.CmdGetSessionInfo, GetSessionInfo)
	rt.Register(solclient.NetFnApp, solclient.CmdActivatePayload, ActivatePayload)
	rt.Register(solclient.NetFnApp, solclient.CmdDeactivatePayload, DeactivatePayload)
	rt.Register(solclient.NetFnApp, solclient.CmdGetPayloadActivationStatus, GetPayloadActivationStatus)
}

// GetDeviceID answers the Get Device ID request with m's identity
// fields (spec.md §3's device_id/fw_rev/product_id/mfg_id).
func GetDeviceID(m *mc.MC, msg message.Message) ([]byte, uint8) {
	m.Lock()
	defer m.Unlock()

	resp := make([]byte, 11)
	resp[0] = m.DeviceID
	resp[1] = 0x01 // device revision, SDR not provided
	resp[2] = m.FWRev[0] & 0x7F
	resp[3] = m.FWRev[1]
	resp[4] = 0x02 // IPMI version 2.0, BCD
	resp[5] = 0x00 // additional device support: none advertised
	resp[6] = m.MfgID[0]
	resp[7] = m.MfgID[1]
	resp[8] = m.MfgID[2]
	resp[9] = byte(m.ProductID)
	resp[10] = byte(m.ProductID >> 8)
	return resp, router.CCSuccess
}

// GetChannelAuthCapabilities answers with this simulator's fixed
// capability set: no MD2/MD5, straight-password supported, IPMI 2.0
// RMCP+ extended capabilities available (spec.md §4.4's RAKP-only
// session establishment).
func GetChannelAuthCapabilities(m *mc.MC, msg message.Message) ([]byte, uint8) {
	if len(msg.Payload) < 2 {
		return nil, router.CCDataLengthInvalid
	}
	channel := msg.Payload[0] & 0x0F
	resp := make([]byte, 9)
	resp[0] = channel
	resp[1] = 0x80 | 0x10 // bit7 ext capabilities available, bit4 straight password
	resp[2] = 0x00
	resp[3] = 0x02 // bit1: channel supports IPMI 2.0 connections
	return resp, router.CCSuccess
}

// GetChannelPayloadSupport reports IPMI (0x00) and SOL (0x01) as the
// only standard payload types this simulator carries.
func GetChannelPayloadSupport(m *mc.MC, msg message.Message) ([]byte, uint8) {
	resp := make([]byte, 8)
	resp[0] = 0x03 // bit0 IPMI, bit1 SOL
	return resp, router.CCSuccess
}

// GetSoLConfigParameters returns m's current SOL enable/bit-rate
// configuration; solclient's ladder only checks the completion code,
// not the returned parameter value, so a single revision byte plus the
// requested parameter's current value is enough.
func GetSoLConfigParameters(m *mc.MC, msg message.Message) ([]byte, uint8) {
	if len(msg.Payload) < 2 {
		return nil, router.CCDataLengthInvalid
	}
	param := msg.Payload[1]

	m.Lock()
	defer m.Unlock()

	const paramRevision = 0x11
	switch param {
	case solclient.ParamSoLEnable:
		v := byte(0)
		if m.SOL.Enabled {
			v = 1
		}
		return []byte{paramRevision, v}, router.CCSuccess
	case solclient.ParamSoLBitRate:
		return []byte{paramRevision, m.SOL.BitrateCode}, router.CCSuccess
	default:
		return []byte{paramRevision}, router.CCSuccess
	}
}

// SetSoLConfigParameters applies the SoL Enable / Bit Rate parameters
// and accepts (no-ops) the write-commit selector 0xFF, per spec.md
// §4.5's "Bitrate" and Non-Volatile/Volatile clauses.
func SetSoLConfigParameters(m *mc.MC, msg message.Message) ([]byte, uint8) {
	if len(msg.Payload) < 2 {
		return nil, router.CCDataLengthInvalid
	}
	param := msg.Payload[1]
	if param == 0xFF {
		return nil, router.CCSuccess // commit-write selector, nothing staged to commit
	}
	if len(msg.Payload) < 3 {
		return nil, router.CCDataLengthInvalid
	}
	value := msg.Payload[2]

	m.Lock()
	defer m.Unlock()

	switch param {
	case solclient.ParamSoLEnable:
		m.SOL.Enabled = value&0x01 != 0
	case solclient.ParamSoLBitRate:
		m.SOL.BitrateCode = value
	default:
		return nil, router.CCInvalidDataField
	}
	return nil, router.CCSuccess
}

// GetSessionInfo returns a minimal fixed response; like
// GetChannelPayloadSupport, solclient's ladder only inspects the
// completion code.
func GetSessionInfo(m *mc.MC, msg message.Message) ([]byte, uint8) {
	return []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, router.CCSuccess
}

// ActivatePayload brings up the SOL ring for the requested instance
// (spec.md §4.5), lazily creating it on first use and refusing a
// second activation of an already-active instance with CCPayloadActive
// (spec.md's resource-exhaustion handling intent, called out in
// DESIGN.md's Deactivate-on-activation-failure decision).
func ActivatePayload(m *mc.MC, msg message.Message) ([]byte, uint8) {
	if len(msg.Payload) < 2 {
		return nil, router.CCDataLengthInvalid
	}
	payloadType := msg.Payload[0]
	instance := msg.Payload[1]
	if payloadType != solclient.SOLPayloadType {
		return nil, router.CCInvalidDataField
	}
	if instance == 0 || int(instance) >= len(m.SOLRings) {
		return nil, router.CCInvalidDataField
	}

	m.Lock()
	defer m.Unlock()

	ring := m.SOLRings[instance]
	if ring != nil && ring.Active() {
		return nil, router.CCPayloadActive
	}
	if ring == nil {
		ring = solserver.NewRing()
		m.SOLRings[instance] = ring
	}
	ring.Activate()

	full := solserver.ActivationResponse(router.CCSuccess, instance, 32, 32, 623)
	return full[1:], router.CCSuccess
}

// DeactivatePayload tears the instance's ring down. Deactivating an
// instance that isn't active returns CC 0x80 ("payload already
// deactivated") rather than an error, matching solclient's own
// tolerance for that completion code.
func DeactivatePayload(m *mc.MC, msg message.Message) ([]byte, uint8) {
	if len(msg.Payload) < 2 {
		return nil, router.CCDataLengthInvalid
	}
	payloadType := msg.Payload[0]
	instance := msg.Payload[1]
	if payloadType != solclient.SOLPayloadType {
		return nil, router.CCInvalidDataField
	}
	if instance == 0 || int(instance) >= len(m.SOLRings) {
		return nil, router.CCInvalidDataField
	}

	m.Lock()
	defer m.Unlock()

	ring := m.SOLRings[instance]
	if ring == nil || !ring.Active() {
		return nil, 0x80
	}
	ring.Deactivate()
	return nil, router.CCSuccess
}

// GetPayloadActivationStatus reports how many SOL instances this MC
// supports and which are currently active, the bitmask
// getFreePayloadInstance (solclient's ladder) scans for a free slot.
func GetPayloadActivationStatus(m *mc.MC, msg message.Message) ([]byte, uint8) {
	if len(msg.Payload) < 1 {
		return nil, router.CCDataLengthInvalid
	}
	if msg.Payload[0] != solclient.SOLPayloadType {
		return nil, router.CCInvalidDataField
	}

	m.Lock()
	defer m.Unlock()

	var mask byte
	for i := 1; i < len(m.SOLRings); i++ {
		if m.SOLRings[i] != nil && m.SOLRings[i].Active() {
			mask |= 1 << uint(i-1)
		}
	}
	return []byte{uint8(mc.MaxPayloadInstances), mask}, router.CCSuccess
}
