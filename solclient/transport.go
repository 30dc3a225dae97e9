package solclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ipmisim/internal/auth"
	"ipmisim/internal/rmcpwire"
	"ipmisim/internal/solwire"
)

// transportAdapter gives the activation ladder a Transport view of a
// Session without exposing the rest of Session's surface.
type transportAdapter Session

// SendCommand implements ladder.Transport by building an authenticated
// IPMI request, writing it, and parsing the matching response.
func (t *transportAdapter) SendCommand(ctx context.Context, netfn, cmd uint8, data []byte) ([]byte, uint8, error) {
	s := (*Session)(t)

	msg := rmcpwire.BuildIPMIMessage(0x20, netfn, 0, 0x81, 0, 0, cmd, data)
	packet := s.buildAuthenticatedIPMIPacket(msg)

	resp, err := s.sendRecv(ctx, packet, s.cfg.Timeout)
	if err != nil {
		return nil, 0, err
	}

	body, err := s.parseIPMIResponse(resp)
	if err != nil {
		return nil, 0, err
	}
	if len(body) < 1 {
		return nil, 0, errors.New("solclient: response has no completion code")
	}
	return body[1:], body[0], nil
}

// parseIPMIResponse strips RMCP/session/IPMB framing from an inbound
// packet and returns [completion code, data...] from the IPMI response
// body, skipping rsAddr/netFn/checksum/rqAddr/rqSeq/cmd.
func (s *Session) parseIPMIResponse(raw []byte) ([]byte, error) {
	header, rest, ok := rmcpwire.Parse(raw)
	if !ok || header.Class != rmcpwire.ClassIPMI {
		return nil, errors.New("solclient: not an IPMI RMCP packet")
	}
	session, payload, ok := rmcpwire.ParseSessionV20(rest)
	if !ok {
		return nil, errors.New("solclient: malformed RMCP+ session header")
	}
	if len(payload) < int(session.PayloadLen) {
		return nil, errors.New("solclient: truncated session payload")
	}
	msg := payload[:session.PayloadLen]
	if len(msg) < 7 {
		return nil, errors.New("solclient: IPMI message too short")
	}
	return msg[6 : len(msg)-1], nil
}

// buildSOLHeaderPack serializes a SOL header to wire bytes.
func buildSOLHeaderPack(h solwire.Header) []byte {
	return h.Pack()
}

// buildAuthenticatedSOLPacket wraps a SOL header+payload as an RMCP+
// SOL payload over the established session.
func (s *Session) buildAuthenticatedSOLPacket(packed []byte) []byte {
	s.sessionSeq++
	if s.integAlg == auth.AlgRakpNone {
		return rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadSOL, s.remoteSessionID, s.sessionSeq, packed)
	}

	packet := rmcpwire.BuildRMCPPlusPacket(rmcpwire.PayloadSOL|rmcpwire.AuthenticatedBit, s.remoteSessionID, s.sessionSeq, packed)
	padLen := (4 - (len(packed) % 4)) % 4
	for i := 0; i < padLen; i++ {
		packet = append(packet, 0xFF)
	}
	packet = append(packet, uint8(padLen), 0x07)
	authCode := auth.HMAC(s.integAlg, s.k1, packet[4:])
	packet = append(packet, authCode[:12]...)
	return packet
}

// parseSOLPacket extracts the SOL header and payload from an inbound
// RMCP+ packet, ignoring any integrity trailer.
func parseSOLPacket(raw []byte) (solwire.Header, []byte, bool) {
	header, rest, ok := rmcpwire.Parse(raw)
	if !ok || header.Class != rmcpwire.ClassIPMI {
		return solwire.Header{}, nil, false
	}
	session, payload, ok := rmcpwire.ParseSessionV20(rest)
	if !ok || (session.PayloadType&rmcpwire.PayloadTypeMask) != rmcpwire.PayloadSOL {
		return solwire.Header{}, nil, false
	}
	if len(payload) < int(session.PayloadLen) {
		return solwire.Header{}, nil, false
	}
	body := payload[:session.PayloadLen]
	h, ok := solwire.Parse(body)
	if !ok {
		return solwire.Header{}, nil, false
	}
	return h, body[4:], true
}

// readLoop pulls inbound UDP datagrams, feeds SOL packets to the
// engine, and forwards delivered console bytes on readCh. It drives
// the retransmit timer and reports a terminal close via errCh.
func (s *Session) readLoop() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := s.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				s.checkInactivity()
				continue
			}
			select {
			case s.errCh <- fmt.Errorf("solclient: read failed: %w", err):
			default:
			}
			return
		}

		h, payload, ok := parseSOLPacket(buf[:n])
		if !ok {
			continue
		}
		s.lastRecvTime.Store(nowUnixNano())

		res := s.engine.HandleReceive(h, payload, func(data []byte) bool {
			select {
			case s.readCh <- append([]byte(nil), data...):
				return false
			case <-s.done:
				return false
			}
		})
		if res.Deactivated {
			select {
			case s.errCh <- errors.New("solclient: peer deactivated SOL payload"):
			default:
			}
			return
		}
	}
}

// checkInactivity closes the session if no packet has arrived within
// the configured inactivity window.
func (s *Session) checkInactivity() {
	if s.cfg.InactivityTimeout == 0 {
		return
	}
	last := time.Unix(0, s.lastRecvTime.Load())
	if time.Since(last) > s.cfg.InactivityTimeout {
		select {
		case s.errCh <- errors.New("solclient: inactivity timeout"):
		default:
		}
		s.ForceClose()
	}
}

// writeLoop drains writeCh into the engine's staging buffer and emits
// packets whenever BuildNextPacket says one is ready, retransmitting
// the outstanding packet on timeout up to the configured budget.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastSent []byte
	var lastHeader solwire.Header
	var waitingSince time.Time

	for {
		select {
		case <-s.done:
			return
		case data := <-s.writeCh:
			s.engine.Stage(data, nil)
		case <-ticker.C:
		}

		if lastSent != nil && !waitingSince.IsZero() {
			if time.Since(waitingSince) > 2*time.Second {
				if !s.engine.RexmitExpire() {
					select {
					case s.errCh <- errors.New("solclient: retransmit budget exhausted"):
					default:
					}
					s.ForceClose()
					return
				}
				s.send(lastHeader, lastSent)
				waitingSince = time.Now()
			}
			continue
		}

		h, payload, ok := s.engine.BuildNextPacket(s.outboundChunkSize())
		if !ok {
			continue
		}
		s.send(h, payload)
		if h.Seq != 0 {
			lastSent = payload
			lastHeader = h
			waitingSince = time.Now()
			s.engine.RexmitStart()
		}
	}
}

func (s *Session) outboundChunkSize() int {
	if s.result == nil || s.result.MaxOutbound == 0 {
		return 255
	}
	n := int(s.result.MaxOutbound) - 4
	if n <= 0 {
		return 1
	}
	return n
}

func (s *Session) send(h solwire.Header, payload []byte) {
	packed := append(buildSOLHeaderPack(h), payload...)
	packet := s.buildAuthenticatedSOLPacket(packed)
	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := s.conn.Write(packet); err != nil {
		select {
		case s.errCh <- fmt.Errorf("solclient: write failed: %w", err):
		default:
		}
	}
}
