// Package lanserver is the managed-system side of the RMCP+ session
// layer: it terminates UDP port 623 traffic, runs the Open Session/RAKP
// responder, and feeds authenticated IPMI command traffic into
// internal/router. It is the server-side mirror of solclient's
// handshake.go/transport.go, grounded on the same teacher vendored
// session.go this repo already split into internal/rmcpwire,
// internal/auth, and internal/session.
package lanserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"ipmisim/internal/auth"
	"ipmisim/internal/channel"
	"ipmisim/internal/mc"
	"ipmisim/internal/message"
	"ipmisim/internal/rmcpwire"
	"ipmisim/internal/router"
	"ipmisim/internal/session"
	"ipmisim/internal/solwire"
	"ipmisim/internal/wire"
)

// privAdmin is the maximum privilege this simulator grants, matching
// solclient's hardcoded request privilege.
const privAdmin uint8 = 0x04

// netFnAppReq and the two session-management command codes this
// package intercepts ahead of internal/router, since neither mutates
// or tears down *session.Session through router.HandlerFunc's signature.
const (
	netFnAppReq        uint8 = 0x06
	cmdSetSessionPriv  uint8 = 0x3B
	cmdCloseSession    uint8 = 0x3C
)

// SOLHandler processes an inbound SOL payload for an authenticated
// session and returns the outbound SOL header/payload to send back, if
// any. Wiring an MC's serial device to the SOL ring lives outside this
// package (cmd/ipmisimd); lanserver only needs a place to hand the
// bytes off to.
type SOLHandler func(sess *session.Session, och *channel.Channel, h solwire.Header, payload []byte) (respHeader solwire.Header, respPayload []byte, ok bool)

// Server terminates RMCP+ traffic for one LAN channel.
type Server struct {
	conn     *net.UDPConn
	registry *mc.Registry
	ch       *channel.Channel
	sessions *session.Table
	router   *router.Router

	// SOL, when set, is invoked for inbound SOL-payload packets on an
	// authenticated session.
	SOL SOLHandler
}

// New constructs a Server for the LAN channel ch, bound to mc registry
// registry, dispatching authenticated commands through rt and tracking
// sessions in sessions.
func New(registry *mc.Registry, ch *channel.Channel, sessions *session.Table, rt *router.Router) *Server {
	return &Server{registry: registry, ch: ch, sessions: sessions, router: rt}
}

// ListenAndServe binds addr (e.g. ":623") and serves until ctx is
// canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("lanserver: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("lanserver: listen %s: %w", addr, err)
	}
	s.conn = conn
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.Debugf("lanserver: read error on %s: %v", addr, err)
			continue
		}
		resp, ok := s.handlePacket(append([]byte(nil), buf[:n]...))
		if !ok || len(resp) == 0 {
			continue
		}
		if _, err := conn.WriteToUDP(resp, from); err != nil {
			log.Debugf("lanserver: write error on %s: %v", addr, err)
		}
	}
}

// homeMC resolves the MC this server's channel currently authenticates
// against.
func (s *Server) homeMC() (*mc.MC, bool) {
	addr, ok := s.ch.BoundMC()
	if !ok {
		return nil, false
	}
	var a uint8
	if _, err := fmt.Sscanf(addr, "0x%x", &a); err != nil {
		return nil, false
	}
	return s.registry.Lookup(a)
}

func (s *Server) handlePacket(raw []byte) ([]byte, bool) {
	header, rest, ok := rmcpwire.Parse(raw)
	if !ok || header.Class != rmcpwire.ClassIPMI {
		return nil, false
	}
	sh, payload, ok := rmcpwire.ParseSessionV20(rest)
	if !ok {
		return nil, false
	}
	if len(payload) < int(sh.PayloadLen) {
		return nil, false
	}
	body := payload[:sh.PayloadLen]

	switch sh.PayloadType & rmcpwire.PayloadTypeMask {
	case rmcpwire.PayloadOpenReq:
		return s.handleOpenSessionRequest(body)
	case rmcpwire.PayloadRAKP1:
		return s.handleRAKP1(body)
	case rmcpwire.PayloadRAKP3:
		return s.handleRAKP3(body)
	case rmcpwire.PayloadIPMI:
		return s.handleIPMI(sh, raw, body)
	case rmcpwire.PayloadSOL:
		return s.handleSOL(sh, raw, body)
	default:
		return nil, false
	}
}

func (s *Server) handleOpenSessionRequest(req []byte) ([]byte, bool) {
	if len(req) < 32 {
		return nil, false
	}
	consoleSID := wire.U32(req[4:8])
	authAlg := auth.Algorithm(req[12])
	integAlg := auth.Algorithm(req[20])
	confAlg := req[28]

	sess, err := s.sessions.Open()
	status := byte(0)
	var sid uint32
	if err != nil {
		status = 0x02 // insufficient resources for session
	} else {
		sid = newSessionID(s.sessions)
		sess.SID = sid
		sess.RemoteSID = consoleSID
		sess.AuthAlgo = authAlg
		sess.IntegAlgo = integAlg
		sess.ConfAlgo = confAlg
	}

	resp := make([]byte, 36)
	resp[0] = req[0] // message tag
	resp[1] = status
	resp[2] = privAdmin
	wire.PutU32(resp[4:8], consoleSID)
	if status == 0 {
		wire.PutU32(resp[8:12], sid)
	}
	resp[12] = 0x00
	resp[15] = 0x08
	resp[16] = byte(authAlg)
	resp[20] = 0x01
	resp[23] = 0x08
	resp[24] = byte(integAlg)
	resp[28] = 0x02
	resp[31] = 0x08
	resp[32] = confAlg

	packet := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadOpenResp, 0, 0, resp)
	return packet, true
}

func (s *Server) handleRAKP1(req []byte) ([]byte, bool) {
	if len(req) < 28 {
		return nil, false
	}
	bmcSID := wire.U32(req[4:8])
	sess, found := s.sessions.LookupBySID(bmcSID)
	if !found {
		return nil, false
	}
	consoleRand := append([]byte(nil), req[8:24]...)
	priv := req[24]
	userLen := int(req[27])
	if len(req) < 28+userLen {
		return nil, false
	}
	username := string(req[28 : 28+userLen])

	home, ok := s.homeMC()
	status := byte(0)
	var mcRand []byte
	var password string
	if !ok {
		status = 0x02
	} else {
		home.Lock()
		idx, userFound := findUser(home, username)
		if userFound {
			sess.UserID = uint8(idx)
			password = home.Users[idx].Password
		}
		home.Unlock()
		if !userFound {
			status = 0x0D // unauthorized name
		} else {
			mcRand = randomBytes(16)
		}
	}

	if status == 0 {
		sess.Role = priv
		kg := auth.KgFromPassword(password)
		sik := auth.GenerateSIK(sess.AuthAlgo, kg, consoleRand, mcRand, priv, username)
		sess.Keys.SIK = sik
		sess.Keys.K1 = auth.DeriveK1(sess.AuthAlgo, sik)
		sess.Keys.K2 = auth.DeriveK2(sess.AuthAlgo, sik)
		sess.Keys.ConsoleRand = consoleRand
		sess.Keys.MCRand = mcRand
		sess.State = session.RAKP1
	}

	resp := make([]byte, 40)
	resp[0] = req[0]
	resp[1] = status
	wire.PutU32(resp[4:8], sess.RemoteSID)
	if status == 0 {
		copy(resp[8:24], mcRand)
		guidBytes, _ := home.GUID.MarshalBinary()
		copy(resp[24:40], guidBytes)
	}

	packet := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadRAKP2, 0, 0, resp)
	return packet, true
}

func (s *Server) handleRAKP3(req []byte) ([]byte, bool) {
	if len(req) < 8 {
		return nil, false
	}
	bmcSID := wire.U32(req[4:8])
	sess, found := s.sessions.LookupBySID(bmcSID)
	if !found {
		return nil, false
	}
	authCode := req[8:]

	home, ok := s.homeMC()
	status := byte(0x02)
	if ok {
		home.Lock()
		username := home.Users[sess.UserID].Name
		password := home.Users[sess.UserID].Password
		home.Unlock()

		authData := make([]byte, 22+len(username))
		copy(authData[0:16], sess.Keys.MCRand)
		wire.PutU32(authData[16:20], sess.RemoteSID)
		authData[20] = sess.Role
		authData[21] = uint8(len(username))
		copy(authData[22:], username)
		expected := auth.HMAC(sess.AuthAlgo, auth.KgFromPassword(password), authData)
		if hmacEqual(expected, authCode) {
			status = 0x00
			sess.State = session.Authenticated
			sess.MaxPriv = sess.Role
			sess.Touch(session.DefaultTimeoutSeconds)
		} else {
			status = 0x0F // invalid integrity check value
		}
	}

	resp := make([]byte, 8)
	resp[0] = req[0]
	resp[1] = status
	wire.PutU32(resp[4:8], sess.RemoteSID)

	packet := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadRAKP4, 0, 0, resp)
	return packet, true
}

func (s *Server) handleIPMI(sh rmcpwire.SessionV20, raw, msg []byte) ([]byte, bool) {
	sess, found := s.sessions.LookupBySID(sh.SessionID)
	if !found || sess.State != session.Authenticated {
		return nil, false
	}

	if sh.PayloadType&rmcpwire.AuthenticatedBit != 0 {
		if len(raw) < 12 {
			return nil, false
		}
		authCode := raw[len(raw)-12:]
		signed := raw[4 : len(raw)-12]
		expected := auth.HMAC(sess.IntegAlgo, sess.Keys.K1, signed)
		if !hmacEqual(expected[:12], authCode) {
			return nil, false
		}
	}
	if !sess.AcceptAuthenticated(sh.Sequence) {
		return nil, false
	}

	frame, err := wire.DecodeIPMBFrame(msg)
	if err != nil {
		return nil, false
	}

	// Session Privilege Level and Close Session are answered by the
	// session layer itself: router.HandlerFunc has no session handle to
	// mutate or tear down, the same way a real BMC's session management
	// code sits below its command-processing table rather than in it.
	switch {
	case frame.NetFn == netFnAppReq && frame.Cmd == cmdSetSessionPriv:
		rdata, cc := s.handleSetSessionPriv(sess, frame)
		return s.respondIPMI(sess, frame, rdata, cc)
	case frame.NetFn == netFnAppReq && frame.Cmd == cmdCloseSession:
		rdata, cc := s.handleCloseSession(sess, frame)
		packet, ok := s.respondIPMI(sess, frame, rdata, cc)
		if cc == router.CCSuccess {
			s.sessions.Close(sess.Handle)
		}
		return packet, ok
	}

	home, ok := s.registry.Lookup(frame.RsAddr)
	if !ok {
		home, ok = s.homeMC()
		if !ok {
			return nil, false
		}
	}

	in := message.Message{
		DstAddr:       message.Address{Kind: message.AddrLAN, Channel: s.ch.Number, LUN: frame.RsLUN, SessionHandle: sess.Handle},
		DstLUN:        frame.RsLUN,
		SrcAddr:       message.Address{Kind: message.AddrLAN, Channel: s.ch.Number, LUN: frame.RqLUN, SessionHandle: sess.Handle},
		SrcLUN:        frame.RqLUN,
		NetFn:         frame.NetFn,
		Cmd:           frame.Cmd,
		Payload:       frame.Data,
		SessionID:     sess.SID,
		OriginChannel: s.ch.Number,
		Tracked:       true,
	}

	rdata, cc := s.router.Route(s.registry, home, s.ch, in)
	return s.respondIPMI(sess, frame, rdata, cc)
}

// respondIPMI assembles and signs an IPMB response frame for frame,
// swapping requester/responder addressing per spec.md §3.
func (s *Server) respondIPMI(sess *session.Session, frame wire.IPMBFrame, rdata []byte, cc uint8) ([]byte, bool) {
	outData := append([]byte{cc}, rdata...)
	respFrame := wire.IPMBFrame{
		RsAddr: frame.RqAddr,
		NetFn:  message.ResponseNetFn(frame.NetFn),
		RsLUN:  frame.RqLUN,
		RqAddr: frame.RsAddr,
		RqSeq:  frame.RqSeq,
		RqLUN:  frame.RsLUN,
		Cmd:    frame.Cmd,
		Data:   outData,
	}
	respMsg := wire.EncodeIPMBFrame(respFrame)
	packet := s.buildAuthenticatedPacket(sess, rmcpwire.PayloadIPMI, respMsg)
	return packet, true
}

// handleSetSessionPriv implements Set Session Privilege Level (app
// netfn, cmd 0x3B): the console's request byte becomes the session's
// active role, capped at the privilege negotiated during RAKP1.
func (s *Server) handleSetSessionPriv(sess *session.Session, frame wire.IPMBFrame) ([]byte, uint8) {
	if len(frame.Data) < 1 {
		return nil, router.CCDataLengthInvalid
	}
	req := frame.Data[0] & 0x0F
	if req == 0x00 {
		req = sess.Role // 0 means "current privilege level", per spec.md §4.4
	}
	if req > sess.MaxPriv {
		return nil, 0x81 // requested level exceeds privilege granted at RAKP1
	}
	sess.Role = req
	return []byte{req}, router.CCSuccess
}

// handleCloseSession implements Close Session (app netfn, cmd 0x3C):
// the caller tears the session down after this returns success.
func (s *Server) handleCloseSession(sess *session.Session, frame wire.IPMBFrame) ([]byte, uint8) {
	if len(frame.Data) < 4 {
		return nil, router.CCDataLengthInvalid
	}
	target := wire.U32(frame.Data[0:4])
	if target != sess.SID {
		return nil, router.CCInvalidDataField
	}
	return nil, router.CCSuccess
}

func (s *Server) handleSOL(sh rmcpwire.SessionV20, raw, payload []byte) ([]byte, bool) {
	if s.SOL == nil {
		return nil, false
	}
	sess, found := s.sessions.LookupBySID(sh.SessionID)
	if !found || sess.State != session.Authenticated {
		return nil, false
	}
	h, ok := solwire.Parse(payload)
	if !ok {
		return nil, false
	}
	respHeader, respPayload, ok := s.SOL(sess, s.ch, h, payload[4:])
	if !ok {
		return nil, false
	}
	packed := append(respHeader.Pack(), respPayload...)
	return s.buildAuthenticatedPacket(sess, rmcpwire.PayloadSOL, packed), true
}

// buildAuthenticatedPacket wraps msg as an authenticated RMCP+ payload
// addressed to the console, mirroring solclient's
// buildAuthenticatedIPMIPacket/buildAuthenticatedSOLPacket in reverse.
func (s *Server) buildAuthenticatedPacket(sess *session.Session, payloadType uint8, msg []byte) []byte {
	seq := sess.NextXmitSeq()
	if sess.IntegAlgo == auth.AlgRakpNone {
		return rmcpwire.BuildRMCPPlusPacket(payloadType, sess.RemoteSID, seq, msg)
	}

	packet := rmcpwire.BuildRMCPPlusPacket(payloadType|rmcpwire.AuthenticatedBit, sess.RemoteSID, seq, msg)
	padLen := (4 - (len(msg) % 4)) % 4
	for i := 0; i < padLen; i++ {
		packet = append(packet, 0xFF)
	}
	packet = append(packet, uint8(padLen), 0x07)
	authCode := auth.HMAC(sess.IntegAlgo, sess.Keys.K1, packet[4:])
	packet = append(packet, authCode[:12]...)
	return packet
}

func findUser(m *mc.MC, name string) (int, bool) {
	for i := 1; i < len(m.Users); i++ {
		if m.Users[i].Enabled && m.Users[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

func newSessionID(t *session.Table) uint32 {
	for {
		b := randomBytes(4)
		sid := wire.U32(b)
		if sid == 0 {
			continue
		}
		if _, exists := t.LookupBySID(sid); !exists {
			return sid
		}
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func hmacEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
