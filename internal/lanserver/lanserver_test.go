package lanserver

import (
	"testing"

	"ipmisim/internal/auth"
	"ipmisim/internal/channel"
	"ipmisim/internal/mc"
	"ipmisim/internal/message"
	"ipmisim/internal/router"
	"ipmisim/internal/rmcpwire"
	"ipmisim/internal/session"
	"ipmisim/internal/wire"
)

const testUsername = "admin"
const testPassword = "admin123"

func newTestServer(t *testing.T) (*Server, *mc.MC) {
	t.Helper()
	registry := mc.NewRegistry()
	m := mc.New(0x20)
	m.Users[1] = mc.User{Name: testUsername, Password: testPassword, Enabled: true, Priv: 0x04}
	registry.Add(m)

	ch := channel.New(1, channel.MediumLAN, channel.MultiSession)
	ch.BindMC("0x20")

	return New(registry, ch, session.New(), router.New()), m
}

func buildOpenSessionRequest(consoleSID uint32, authAlg, integAlg, confAlg byte) []byte {
	req := make([]byte, 32)
	req[0] = 0x01 // message tag
	wire.PutU32(req[4:8], consoleSID)
	req[12] = authAlg
	req[20] = integAlg
	req[28] = confAlg
	return req
}

func buildRAKP1(bmcSID uint32, consoleRand []byte, priv byte, username string) []byte {
	req := make([]byte, 28+len(username))
	req[0] = 0x02
	wire.PutU32(req[4:8], bmcSID)
	copy(req[8:24], consoleRand)
	req[24] = priv
	req[27] = uint8(len(username))
	copy(req[28:], username)
	return req
}

func buildRAKP3(bmcSID uint32, authCode []byte) []byte {
	req := make([]byte, 8+len(authCode))
	req[0] = 0x03
	wire.PutU32(req[4:8], bmcSID)
	copy(req[8:], authCode)
	return req
}

// parsePlusPacket unwraps an RMCP+ packet into its session header and
// the exact PayloadLen-bounded body, exactly as handlePacket does.
func parsePlusPacket(t *testing.T, raw []byte) (rmcpwire.SessionV20, []byte) {
	t.Helper()
	_, rest, ok := rmcpwire.Parse(raw)
	if !ok {
		t.Fatalf("rmcpwire.Parse failed on %x", raw)
	}
	sh, payload, ok := rmcpwire.ParseSessionV20(rest)
	if !ok {
		t.Fatalf("rmcpwire.ParseSessionV20 failed on %x", rest)
	}
	if len(payload) < int(sh.PayloadLen) {
		t.Fatalf("payload shorter than declared PayloadLen")
	}
	return sh, payload[:sh.PayloadLen]
}

func TestOpenSessionRequestAllocatesSession(t *testing.T) {
	srv, _ := newTestServer(t)
	consoleSID := uint32(0x11223344)
	raw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadOpenReq, 0, 0,
		buildOpenSessionRequest(consoleSID, byte(auth.AlgRakpHmacSHA1), byte(auth.AlgRakpHmacSHA1), 0))

	resp, ok := srv.handlePacket(raw)
	if !ok {
		t.Fatal("handlePacket rejected Open Session Request")
	}
	sh, body := parsePlusPacket(t, resp)
	if sh.PayloadType != rmcpwire.PayloadOpenResp {
		t.Fatalf("PayloadType = %#x, want PayloadOpenResp", sh.PayloadType)
	}
	if body[1] != 0x00 {
		t.Fatalf("status = %#x, want 0", body[1])
	}
	if got := wire.U32(body[4:8]); got != consoleSID {
		t.Fatalf("echoed console SID = %#x, want %#x", got, consoleSID)
	}
	bmcSID := wire.U32(body[8:12])
	if bmcSID == 0 {
		t.Fatal("bmc session ID must not be 0")
	}
	sess, found := srv.sessions.LookupBySID(bmcSID)
	if !found {
		t.Fatal("session not registered under returned bmc SID")
	}
	if sess.RemoteSID != consoleSID {
		t.Fatalf("sess.RemoteSID = %#x, want %#x", sess.RemoteSID, consoleSID)
	}
}

// fullHandshake drives Open Session Request through RAKP4 to an
// authenticated session and returns the session plus its bmc SID.
func fullHandshake(t *testing.T, srv *Server, consoleSID uint32, priv byte) (*session.Session, uint32) {
	t.Helper()
	openRaw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadOpenReq, 0, 0,
		buildOpenSessionRequest(consoleSID, byte(auth.AlgRakpHmacSHA1), byte(auth.AlgRakpHmacSHA1), 0))
	openResp, ok := srv.handlePacket(openRaw)
	if !ok {
		t.Fatal("Open Session Request rejected")
	}
	_, openBody := parsePlusPacket(t, openResp)
	bmcSID := wire.U32(openBody[8:12])

	consoleRand := []byte("0123456789abcdef")
	rakp1Raw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadRAKP1, 0, 0,
		buildRAKP1(bmcSID, consoleRand, priv, testUsername))
	rakp2Resp, ok := srv.handlePacket(rakp1Raw)
	if !ok {
		t.Fatal("RAKP1 rejected")
	}
	rakp2Sh, rakp2Body := parsePlusPacket(t, rakp2Resp)
	if rakp2Sh.PayloadType != rmcpwire.PayloadRAKP2 {
		t.Fatalf("PayloadType = %#x, want PayloadRAKP2", rakp2Sh.PayloadType)
	}
	if rakp2Body[1] != 0x00 {
		t.Fatalf("RAKP2 status = %#x, want 0", rakp2Body[1])
	}
	mcRand := append([]byte(nil), rakp2Body[8:24]...)

	authData := make([]byte, 22+len(testUsername))
	copy(authData[0:16], mcRand)
	wire.PutU32(authData[16:20], consoleSID)
	authData[20] = priv
	authData[21] = uint8(len(testUsername))
	copy(authData[22:], testUsername)
	authCode := auth.HMAC(auth.AlgRakpHmacSHA1, auth.KgFromPassword(testPassword), authData)

	rakp3Raw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadRAKP3, 0, 0, buildRAKP3(bmcSID, authCode))
	rakp4Resp, ok := srv.handlePacket(rakp3Raw)
	if !ok {
		t.Fatal("RAKP3 rejected")
	}
	rakp4Sh, rakp4Body := parsePlusPacket(t, rakp4Resp)
	if rakp4Sh.PayloadType != rmcpwire.PayloadRAKP4 {
		t.Fatalf("PayloadType = %#x, want PayloadRAKP4", rakp4Sh.PayloadType)
	}
	if rakp4Body[1] != 0x00 {
		t.Fatalf("RAKP4 status = %#x, want 0", rakp4Body[1])
	}

	sess, found := srv.sessions.LookupBySID(bmcSID)
	if !found {
		t.Fatal("session vanished after handshake")
	}
	if sess.State != session.Authenticated {
		t.Fatalf("sess.State = %v, want Authenticated", sess.State)
	}
	return sess, bmcSID
}

func TestFullHandshakeReachesAuthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	fullHandshake(t, srv, 0xaabbccdd, 0x04)
}

func TestRAKP1UnknownUserReturnsUnauthorizedName(t *testing.T) {
	srv, _ := newTestServer(t)
	consoleSID := uint32(0x01020304)
	openRaw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadOpenReq, 0, 0,
		buildOpenSessionRequest(consoleSID, byte(auth.AlgRakpHmacSHA1), byte(auth.AlgRakpHmacSHA1), 0))
	openResp, ok := srv.handlePacket(openRaw)
	if !ok {
		t.Fatal("Open Session Request rejected")
	}
	_, openBody := parsePlusPacket(t, openResp)
	bmcSID := wire.U32(openBody[8:12])

	rakp1Raw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadRAKP1, 0, 0,
		buildRAKP1(bmcSID, []byte("0123456789abcdef"), 0x04, "nosuchuser"))
	resp, ok := srv.handlePacket(rakp1Raw)
	if !ok {
		t.Fatal("RAKP1 rejected at transport level")
	}
	_, body := parsePlusPacket(t, resp)
	if body[1] != 0x0D {
		t.Fatalf("status = %#x, want 0x0D (unauthorized name)", body[1])
	}
}

func TestRAKP3WrongPasswordReturnsInvalidIntegrity(t *testing.T) {
	srv, _ := newTestServer(t)
	consoleSID := uint32(0x0a0b0c0d)
	openRaw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadOpenReq, 0, 0,
		buildOpenSessionRequest(consoleSID, byte(auth.AlgRakpHmacSHA1), byte(auth.AlgRakpHmacSHA1), 0))
	openResp, ok := srv.handlePacket(openRaw)
	if !ok {
		t.Fatal("Open Session Request rejected")
	}
	_, openBody := parsePlusPacket(t, openResp)
	bmcSID := wire.U32(openBody[8:12])

	rakp1Raw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadRAKP1, 0, 0,
		buildRAKP1(bmcSID, []byte("0123456789abcdef"), 0x04, testUsername))
	if _, ok := srv.handlePacket(rakp1Raw); !ok {
		t.Fatal("RAKP1 rejected")
	}

	badAuthCode := make([]byte, 20) // right length for SHA1, wrong content
	for i := range badAuthCode {
		badAuthCode[i] = 0xFF
	}
	rakp3Raw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadRAKP3, 0, 0, buildRAKP3(bmcSID, badAuthCode))
	resp, ok := srv.handlePacket(rakp3Raw)
	if !ok {
		t.Fatal("RAKP3 rejected at transport level")
	}
	_, body := parsePlusPacket(t, resp)
	if body[1] != 0x0F {
		t.Fatalf("status = %#x, want 0x0F (invalid integrity check value)", body[1])
	}
}

func TestAuthenticatedIPMICommandRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	const netfn, cmd = 0x06, 0x01
	srv.router.Register(netfn, cmd, func(m *mc.MC, msg message.Message) ([]byte, uint8) {
		return []byte{0x55}, router.CCSuccess
	})

	sess, bmcSID := fullHandshake(t, srv, 0x55667788, 0x04)

	reqFrame := wire.IPMBFrame{
		RsAddr: 0x20,
		NetFn:  netfn,
		RsLUN:  0,
		RqAddr: 0x81,
		RqSeq:  1,
		RqLUN:  0,
		Cmd:    cmd,
		Data:   []byte{0xAA},
	}
	msgBytes := wire.EncodeIPMBFrame(reqFrame)
	raw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadIPMI, bmcSID, 1, msgBytes)

	resp, ok := srv.handlePacket(raw)
	if !ok {
		t.Fatal("authenticated IPMI command rejected")
	}
	_, body := parsePlusPacket(t, resp)
	respFrame, err := wire.DecodeIPMBFrame(body)
	if err != nil {
		t.Fatalf("DecodeIPMBFrame: %v", err)
	}
	if len(respFrame.Data) != 2 || respFrame.Data[0] != router.CCSuccess || respFrame.Data[1] != 0x55 {
		t.Fatalf("response data = %v, want [CCSuccess, 0x55]", respFrame.Data)
	}
	if respFrame.NetFn != message.ResponseNetFn(netfn) {
		t.Fatalf("response NetFn = %#x, want %#x", respFrame.NetFn, message.ResponseNetFn(netfn))
	}
	if sess.Handle == 0 {
		t.Fatal("session handle should be assigned")
	}
}

func TestSetSessionPrivilegeLevel(t *testing.T) {
	srv, _ := newTestServer(t)
	sess, bmcSID := fullHandshake(t, srv, 0x22334455, 0x04)

	reqFrame := wire.IPMBFrame{RsAddr: 0x20, NetFn: 0x06, RsLUN: 0, RqAddr: 0x81, RqSeq: 1, RqLUN: 0, Cmd: 0x3B, Data: []byte{0x03}}
	raw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadIPMI, bmcSID, 1, wire.EncodeIPMBFrame(reqFrame))

	resp, ok := srv.handlePacket(raw)
	if !ok {
		t.Fatal("set session privilege rejected")
	}
	_, body := parsePlusPacket(t, resp)
	respFrame, err := wire.DecodeIPMBFrame(body)
	if err != nil {
		t.Fatalf("DecodeIPMBFrame: %v", err)
	}
	if len(respFrame.Data) != 2 || respFrame.Data[0] != router.CCSuccess || respFrame.Data[1] != 0x03 {
		t.Fatalf("response data = %v, want [CCSuccess, 0x03]", respFrame.Data)
	}
	if sess.Role != 0x03 {
		t.Fatalf("sess.Role = %#x, want 0x03", sess.Role)
	}
}

func TestSetSessionPrivilegeLevelExceedsMax(t *testing.T) {
	srv, _ := newTestServer(t)
	_, bmcSID := fullHandshake(t, srv, 0x66778899, 0x03)

	reqFrame := wire.IPMBFrame{RsAddr: 0x20, NetFn: 0x06, RsLUN: 0, RqAddr: 0x81, RqSeq: 1, RqLUN: 0, Cmd: 0x3B, Data: []byte{0x04}}
	raw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadIPMI, bmcSID, 1, wire.EncodeIPMBFrame(reqFrame))

	resp, ok := srv.handlePacket(raw)
	if !ok {
		t.Fatal("set session privilege rejected at transport level")
	}
	_, body := parsePlusPacket(t, resp)
	respFrame, err := wire.DecodeIPMBFrame(body)
	if err != nil {
		t.Fatalf("DecodeIPMBFrame: %v", err)
	}
	if len(respFrame.Data) < 1 || respFrame.Data[0] != 0x81 {
		t.Fatalf("response cc = %v, want [0x81]", respFrame.Data)
	}
}

func TestCloseSession(t *testing.T) {
	srv, _ := newTestServer(t)
	_, bmcSID := fullHandshake(t, srv, 0x778899aa, 0x04)

	data := make([]byte, 4)
	wire.PutU32(data, bmcSID)
	reqFrame := wire.IPMBFrame{RsAddr: 0x20, NetFn: 0x06, RsLUN: 0, RqAddr: 0x81, RqSeq: 1, RqLUN: 0, Cmd: 0x3C, Data: data}
	raw := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadIPMI, bmcSID, 1, wire.EncodeIPMBFrame(reqFrame))

	resp, ok := srv.handlePacket(raw)
	if !ok {
		t.Fatal("close session rejected")
	}
	_, body := parsePlusPacket(t, resp)
	respFrame, err := wire.DecodeIPMBFrame(body)
	if err != nil {
		t.Fatalf("DecodeIPMBFrame: %v", err)
	}
	if len(respFrame.Data) != 1 || respFrame.Data[0] != router.CCSuccess {
		t.Fatalf("response data = %v, want [CCSuccess]", respFrame.Data)
	}
	if _, found := srv.sessions.LookupBySID(bmcSID); found {
		t.Fatal("session still present after Close Session")
	}
}
