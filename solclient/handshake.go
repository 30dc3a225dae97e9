package solclient

import (
	"context"
	"fmt"
	"time"

	"ipmisim/internal/auth"
	"ipmisim/internal/rmcpwire"
	"ipmisim/internal/wire"
)

const privAdmin uint8 = 0x04

// openSession sends the RMCP+ Open Session Request and records the
// BMC's chosen algorithms and remote session ID.
func (s *Session) openSession(ctx context.Context) error {
	randBytes, err := generateRandomBytes(4)
	if err != nil {
		return err
	}
	s.sessionID = wire.U32(randBytes)

	payload := make([]byte, 32)
	payload[1] = privAdmin
	wire.PutU32(payload[4:8], s.sessionID)

	payload[8] = 0x00
	payload[11] = 0x08
	payload[12] = byte(auth.AlgRakpHmacSHA1)

	payload[16] = 0x01
	payload[19] = 0x08
	payload[20] = 0x00 // integrity none for the initial request

	payload[24] = 0x02
	payload[27] = 0x08
	payload[28] = 0x00 // confidentiality none

	packet := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadOpenReq, 0, 0, payload)
	resp, err := s.sendRecv(ctx, packet, 5*time.Second)
	if err != nil {
		return err
	}
	if len(resp) < 36 {
		return fmt.Errorf("open session response too short: %d", len(resp))
	}
	body := resp[16:]
	if body[1] != 0 {
		return fmt.Errorf("open session failed with status 0x%02X", body[1])
	}

	s.remoteSessionID = wire.U32(body[8:12])
	s.authAlg = auth.Algorithm(body[16])
	s.integAlg = auth.Algorithm(body[24])
	s.confAlg = body[32]
	return nil
}

// rakpHandshake runs RAKP messages 1-4 and derives SIK/K1/K2.
func (s *Session) rakpHandshake(ctx context.Context) error {
	consoleRand, err := generateRandomBytes(16)
	if err != nil {
		return err
	}

	rakp1 := make([]byte, 28+len(s.cfg.Username))
	wire.PutU32(rakp1[4:8], s.remoteSessionID)
	copy(rakp1[8:24], consoleRand)
	rakp1[24] = privAdmin
	rakp1[27] = uint8(len(s.cfg.Username))
	copy(rakp1[28:], s.cfg.Username)

	packet := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadRAKP1, 0, 0, rakp1)
	resp, err := s.sendRecv(ctx, packet, 5*time.Second)
	if err != nil {
		return fmt.Errorf("RAKP1: %w", err)
	}
	if len(resp) < 40 {
		return fmt.Errorf("RAKP2 response too short")
	}
	body := resp[16:]
	if body[1] != 0 {
		return fmt.Errorf("RAKP2 status 0x%02X", body[1])
	}
	mcRand := body[8:24]

	kg := auth.KgFromPassword(s.cfg.Password)
	s.sik = auth.GenerateSIK(s.authAlg, kg, consoleRand, mcRand, privAdmin, s.cfg.Username)
	s.k1 = auth.DeriveK1(s.authAlg, s.sik)
	s.k2 = auth.DeriveK2(s.authAlg, s.sik)

	authData := make([]byte, 22+len(s.cfg.Username))
	copy(authData[0:16], mcRand)
	wire.PutU32(authData[16:20], s.sessionID)
	authData[20] = privAdmin
	authData[21] = uint8(len(s.cfg.Username))
	copy(authData[22:], s.cfg.Username)
	authCode := auth.HMAC(s.authAlg, kg, authData)

	rakp3 := make([]byte, 8+len(authCode))
	wire.PutU32(rakp3[4:8], s.remoteSessionID)
	copy(rakp3[8:], authCode)

	packet = rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadRAKP3, 0, 0, rakp3)
	resp, err = s.sendRecv(ctx, packet, 5*time.Second)
	if err != nil {
		return fmt.Errorf("RAKP3: %w", err)
	}
	if len(resp) < 24 {
		return fmt.Errorf("RAKP4 response too short")
	}
	body = resp[16:]
	if body[1] != 0 {
		return fmt.Errorf("RAKP4 status 0x%02X", body[1])
	}
	return nil
}

// setSessionPrivilege elevates the session, required by some BMCs
// before SOL activation is permitted.
func (s *Session) setSessionPrivilege(ctx context.Context) error {
	msg := rmcpwire.BuildIPMIMessage(0x20, NetFnApp, 0, 0x81, 0, 0, 0x3B, []byte{privAdmin})
	packet := s.buildAuthenticatedIPMIPacket(msg)
	resp, err := s.sendRecv(ctx, packet, 5*time.Second)
	if err != nil {
		return err
	}
	if len(resp) < 23 {
		return fmt.Errorf("set privilege response too short: %d", len(resp))
	}
	if cc := resp[22]; cc != 0 {
		return fmt.Errorf("set privilege failed: completion code 0x%02X", cc)
	}
	return nil
}

// closeSession issues Close Session for the RMCP+ session.
func (s *Session) closeSession(ctx context.Context) error {
	data := make([]byte, 4)
	wire.PutU32(data, s.remoteSessionID)
	msg := rmcpwire.BuildIPMIMessage(0x20, NetFnApp, 0, 0x81, 0, 0, 0x3C, data)
	packet := s.buildAuthenticatedIPMIPacket(msg)
	_, err := s.sendRecv(ctx, packet, 2*time.Second)
	return err
}

// sendRecv writes packet and waits for one reply, matching the
// teacher's synchronous request/response helper (the activation ladder
// and handshake are inherently request/response; the established
// connection's SOL traffic instead flows through readLoop/writeLoop).
func (s *Session) sendRecv(ctx context.Context, packet []byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := s.conn.Write(packet); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	buf := make([]byte, 1024)
	n, err := s.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return buf[:n], nil
}

// buildAuthenticatedIPMIPacket wraps msg as an authenticated RMCP+ IPMI
// payload, appending the integrity trailer when the session negotiated
// one (spec.md §4.4, teacher buildAuthenticatedPacket).
func (s *Session) buildAuthenticatedIPMIPacket(msg []byte) []byte {
	s.sessionSeq++
	if s.integAlg == auth.AlgRakpNone {
		return rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadIPMI, s.remoteSessionID, s.sessionSeq, msg)
	}

	packet := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadIPMI|rmcpwire.AuthenticatedBit, s.remoteSessionID, s.sessionSeq, msg)
	padLen := (4 - (len(msg) % 4)) % 4
	for i := 0; i < padLen; i++ {
		packet = append(packet, 0xFF)
	}
	packet = append(packet, uint8(padLen), 0x07)
	authCode := auth.HMAC(s.integAlg, s.k1, packet[4:])
	packet = append(packet, authCode[:12]...)
	return packet
}
