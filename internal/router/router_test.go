package router

import (
	"bytes"
	"testing"

	"ipmisim/internal/channel"
	"ipmisim/internal/mc"
	"ipmisim/internal/message"
	"ipmisim/internal/wire"
)

const appNetFnReq = 0x06

func newTestMC() *mc.MC {
	m := mc.New(0x20)
	m.DeviceID = 0x01
	m.FWRev = [2]uint8{0x01, 0x02}
	m.MfgID = [3]uint8{0x11, 0x22, 0x33}
	m.ProductID = 0x1234
	return m
}

// TestBroadcastGetDeviceID is spec.md §8 scenario 1: a broadcast Get
// Device ID request on channel 0 dispatches through command-to-MC and
// returns an 11-byte device-id payload.
func TestBroadcastGetDeviceID(t *testing.T) {
	raw := []byte{0x00, 0x20, 0x18, 0xC8, 0x81, 0x00, 0x01, 0x7E} // trailing checksum appended, see internal/wire tests
	frame, err := wire.DecodeIPMBFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Cmd != 0x01 || frame.NetFn != 0x06 {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	m := newTestMC()
	r := New()
	r.Register(appNetFnReq, 0x01, func(m *mc.MC, msg message.Message) ([]byte, uint8) {
		resp := []byte{m.DeviceID, m.FWRev[0], m.MfgID[0], m.MfgID[1], m.MfgID[2]}
		resp = append(resp, byte(m.ProductID), byte(m.ProductID>>8))
		resp = append(resp, 0, 0, 0, 0) // aux fw rev
		return resp, CCSuccess
	})

	msg := message.Message{
		DstAddr:       message.Address{Kind: message.AddrIPMB, Channel: 0, LUN: frame.RsLUN},
		DstLUN:        frame.RsLUN,
		NetFn:         frame.NetFn,
		Cmd:           frame.Cmd,
		OriginChannel: 0,
	}
	ch := channel.New(0, channel.MediumIPMB, channel.SessionLess)

	data, cc := r.Route(mc.NewRegistry(), m, ch, msg)
	if cc != CCSuccess {
		t.Fatalf("cc = %#x, want success", cc)
	}
	if len(data) != 11 {
		t.Fatalf("response length = %d, want 11", len(data))
	}
}

func TestResponsePathRestoresContext(t *testing.T) {
	m := newTestMC()
	r := New()
	origChan := channel.New(1, channel.MediumLAN, channel.SingleSession)
	m.Channels[1] = origChan

	newSeq, err := m.SeqTable.Reserve(7, 1, 42)
	if err != nil {
		t.Fatal(err)
	}

	resp := message.Message{
		NetFn: 0x07, // odd netfn = response
		Cmd:   0x01,
		Seq:   newSeq,
	}
	ch := channel.New(0, channel.MediumIPMB, channel.SessionLess)
	_, cc := r.Route(mc.NewRegistry(), m, ch, resp)
	if cc != CCSuccess {
		t.Fatalf("cc = %#x, want success", cc)
	}
	restored, ok := origChan.PopRecv()
	if !ok {
		t.Fatal("expected message enqueued on original channel")
	}
	if restored.Seq != 7 || restored.SessionID != 42 {
		t.Fatalf("restored = %+v, want seq=7 sessionID=42", restored)
	}
}

func TestResponsePathNotPresent(t *testing.T) {
	m := newTestMC()
	r := New()
	resp := message.Message{NetFn: 0x07, Cmd: 0x01, Seq: 9}
	ch := channel.New(0, channel.MediumIPMB, channel.SessionLess)
	_, cc := r.Route(mc.NewRegistry(), m, ch, resp)
	if cc != CCNotPresent {
		t.Fatalf("cc = %#x, want CCNotPresent", cc)
	}
}

func TestSendToHostReservesSequenceForSessionOriented(t *testing.T) {
	m := newTestMC()
	r := New()
	lan := channel.New(1, channel.MediumLAN, channel.SingleSession)

	msg := message.Message{
		DstLUN:        2,
		NetFn:         0x06,
		Cmd:           0x02,
		Seq:           3,
		SessionID:     99,
		OriginChannel: 1,
	}
	_, cc := r.Route(mc.NewRegistry(), m, lan, msg)
	if cc != CCSuccess {
		t.Fatalf("cc = %#x, want success", cc)
	}
	sysIf := m.Channels[channel.SystemInterfaceChannel]
	if !sysIf.Attention() {
		t.Fatal("attention line should be raised")
	}
	queued, ok := sysIf.PopRecv()
	if !ok {
		t.Fatal("expected message queued on system interface")
	}
	if !queued.Tracked {
		t.Fatal("session-oriented send-to-host must be tracked")
	}
	if queued.Seq == 3 {
		t.Fatal("sequence should have been rewritten by reservation")
	}
}

func TestDisabledMCReturnsUnspecified(t *testing.T) {
	m := newTestMC()
	m.Enabled = false
	r := New()
	ch := channel.New(0, channel.MediumIPMB, channel.SessionLess)
	_, cc := r.Route(mc.NewRegistry(), m, ch, message.Message{NetFn: 0x06, Cmd: 0x01})
	if cc != CCUnspecified {
		t.Fatalf("cc = %#x, want 0xFF", cc)
	}
}

func TestUnregisteredCommandReturnsInvalidCommand(t *testing.T) {
	m := newTestMC()
	r := New()
	ch := channel.New(0, channel.MediumIPMB, channel.SessionLess)
	_, cc := r.Route(mc.NewRegistry(), m, ch, message.Message{NetFn: 0x06, Cmd: 0xEE})
	if cc != CCInvalidCommand {
		t.Fatalf("cc = %#x, want CCInvalidCommand", cc)
	}
}

func TestGroupExtensionDispatchStripsSelector(t *testing.T) {
	m := newTestMC()
	r := New()
	var gotPayload []byte
	r.RegisterGroup(0x05, &GroupTable{
		Handlers: map[uint8]HandlerFunc{
			0x10: func(m *mc.MC, msg message.Message) ([]byte, uint8) {
				gotPayload = msg.Payload
				return []byte{0xAA}, CCSuccess
			},
		},
	})
	ch := channel.New(0, channel.MediumIPMB, channel.SessionLess)
	msg := message.Message{NetFn: NetFnGroupExtensionReq, Cmd: 0x10, Payload: []byte{0x05, 0x01, 0x02}}
	data, cc := r.Route(mc.NewRegistry(), m, ch, msg)
	if cc != CCSuccess || !bytes.Equal(data, []byte{0xAA}) {
		t.Fatalf("data=%v cc=%#x", data, cc)
	}
	if !bytes.Equal(gotPayload, []byte{0x01, 0x02}) {
		t.Fatalf("selector byte not stripped: %v", gotPayload)
	}
}

func TestGroupExtensionCapabilityCheck(t *testing.T) {
	m := newTestMC()
	r := New()
	r.RegisterGroup(0x05, &GroupTable{
		CheckCapable: func(m *mc.MC) bool { return false },
		Handlers: map[uint8]HandlerFunc{
			0x10: func(m *mc.MC, msg message.Message) ([]byte, uint8) { return nil, CCSuccess },
		},
	})
	ch := channel.New(0, channel.MediumIPMB, channel.SessionLess)
	msg := message.Message{NetFn: NetFnGroupExtensionReq, Cmd: 0x10, Payload: []byte{0x05}}
	_, cc := r.Route(mc.NewRegistry(), m, ch, msg)
	if cc != CCInvalidCommand {
		t.Fatalf("cc = %#x, want CCInvalidCommand", cc)
	}
}

func TestIANAOEMDispatchReinsertsPrefix(t *testing.T) {
	m := newTestMC()
	r := New()
	iana := uint32(0x00A1FB) // little-endian packed enterprise number
	r.RegisterIANA(iana, &GroupTable{
		Handlers: map[uint8]HandlerFunc{
			0x01: func(m *mc.MC, msg message.Message) ([]byte, uint8) {
				return []byte{0x99}, CCSuccess
			},
		},
	})
	ch := channel.New(0, channel.MediumIPMB, channel.SessionLess)
	msg := message.Message{
		NetFn:   NetFnIANAOEMReq,
		Cmd:     0x01,
		Payload: []byte{0xFB, 0xA1, 0x00, 0x42},
	}
	data, cc := r.Route(mc.NewRegistry(), m, ch, msg)
	if cc != CCSuccess {
		t.Fatalf("cc = %#x", cc)
	}
	want := []byte{0xFB, 0xA1, 0x00, 0x99}
	if !bytes.Equal(data, want) {
		t.Fatalf("data = %v, want %v", data, want)
	}
}

func TestSendMessageDeliversToTargetMC(t *testing.T) {
	origin := newTestMC()
	origin.IPMBAddr = 0x20
	target := mc.New(0x30)
	registry := mc.NewRegistry()
	registry.Add(origin)
	registry.Add(target)

	r := New()
	r.Register(appNetFnReq, 0x01, func(m *mc.MC, msg message.Message) ([]byte, uint8) {
		return []byte{0x01, 0x02}, CCSuccess
	})

	innerFrame := wire.IPMBFrame{
		RsAddr: 0x30,
		NetFn:  appNetFnReq,
		RsLUN:  0,
		RqAddr: 0x81,
		RqSeq:  5,
		RqLUN:  0,
		Cmd:    0x01,
	}
	inner := wire.EncodeIPMBFrame(innerFrame)

	payload := append([]byte{0x00}, inner...) // channel 0 selector, no broadcast byte
	msg := message.Message{
		DstAddr:       message.Address{Kind: message.AddrSystemInterface, Channel: channel.SystemInterfaceChannel},
		NetFn:         appNetFnReq,
		Cmd:           0x34,
		Payload:       payload,
		OriginChannel: 0,
	}
	sysCh := origin.Channels[channel.SystemInterfaceChannel]

	_, cc := r.Route(registry, origin, sysCh, msg)
	if cc != CCSuccess {
		t.Fatalf("cc = %#x, want success", cc)
	}
	queued, ok := sysCh.PopRecv()
	if !ok {
		t.Fatal("expected reply enqueued on origin's system-interface channel")
	}
	decoded, err := wire.DecodeIPMBFrame(queued.Payload)
	if err != nil {
		t.Fatalf("decode reply frame: %v", err)
	}
	if len(decoded.Data) < 1 || decoded.Data[0] != CCSuccess {
		t.Fatalf("reply completion code = %v", decoded.Data)
	}
}

func TestSendMessageTargetDisabled(t *testing.T) {
	origin := newTestMC()
	target := mc.New(0x30)
	target.Enabled = false
	registry := mc.NewRegistry()
	registry.Add(origin)
	registry.Add(target)

	r := New()
	innerFrame := wire.IPMBFrame{RsAddr: 0x30, NetFn: appNetFnReq, RqAddr: 0x81, Cmd: 0x01}
	inner := wire.EncodeIPMBFrame(innerFrame)
	payload := append([]byte{0x00}, inner...)
	msg := message.Message{
		DstAddr: message.Address{Kind: message.AddrSystemInterface, Channel: channel.SystemInterfaceChannel},
		NetFn:   appNetFnReq,
		Cmd:     0x34,
		Payload: payload,
	}
	sysCh := origin.Channels[channel.SystemInterfaceChannel]

	_, cc := r.Route(registry, origin, sysCh, msg)
	if cc != 0x83 {
		t.Fatalf("cc = %#x, want 0x83 (NAK on write)", cc)
	}
}
