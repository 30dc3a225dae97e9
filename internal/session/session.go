// Package session implements the RMCP/RMCP+ session table of spec.md
// §3/§4.4: lifecycle state machine, 32-bit sequence window with 16-slot
// backward tolerance, inactivity ticking, and per-(session,payload)
// MC binding.
package session

import (
	"errors"
	"sync"

	"ipmisim/internal/auth"
	"ipmisim/internal/message"
)

// MaxSessions is the table size; handle 0 is reserved, handles run
// 1..63 (spec.md §4.4).
const MaxSessions = 63

// MaxClosers bounds the per-session closer registration list (spec.md
// §4.4).
const MaxClosers = 3

// DefaultTimeoutSeconds is the inactivity window a freshly authenticated
// session starts with, per the IPMI 2.0 default session timeout.
const DefaultTimeoutSeconds = 60

// ErrTableFull is returned by Open when every handle is in use.
var ErrTableFull = errors.New("session: table full")

// ErrTooManyClosers is returned by AddCloser when the session's closer
// list is already at capacity.
var ErrTooManyClosers = errors.New("session: closer list full")

// ErrBusy is returned by SetAssociatedMC when a (session, payload)
// binding already exists.
var ErrBusy = errors.New("session: payload already bound")

// KeyMaterial holds the RAKP-derived session keys.
type KeyMaterial struct {
	SIK      []byte
	K1       []byte
	K2       []byte
	ConsoleRand []byte
	MCRand      []byte
}

// payloadBinding records the MC bound to one payload kind on a session.
type payloadBinding struct {
	mc      string
	closeCB CloserFunc
}

// Session is one entry of the table.
type Session struct {
	mu sync.Mutex

	Handle   uint8
	Active   bool
	State    State

	SID       uint32 // local (managed-system) session ID
	RemoteSID uint32 // remote (console) session ID

	recvWindow        seqWindow
	xmitSeq           uint32
	unauthRecvWindow  seqWindow
	unauthXmitSeq     uint32

	UserID  uint8
	Role    uint8
	MaxPriv uint8

	AuthAlgo auth.Algorithm
	IntegAlgo auth.Algorithm
	ConfAlgo  uint8

	Keys KeyMaterial

	TimeLeftSeconds int

	SrcAddr message.Address

	closers  []closer
	bindings map[message.PayloadType]*payloadBinding
}

// AcceptAuthenticated validates seq against the authenticated receive
// window (spec.md §4.4/§8).
func (s *Session) AcceptAuthenticated(seq uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvWindow.Accept(seq)
}

// AcceptUnauthenticated validates seq against the pre-authentication
// window, used for RMCP 1.5 style traffic on an otherwise-authenticated
// channel.
func (s *Session) AcceptUnauthenticated(seq uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unauthRecvWindow.Accept(seq)
}

// NextXmitSeq returns the next outbound authenticated sequence number.
func (s *Session) NextXmitSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xmitSeq++
	return s.xmitSeq
}

// AddCloser registers fn to be invoked (with mc) when the session is
// torn down. Fails once MaxClosers are already registered.
func (s *Session) AddCloser(fn CloserFunc, mc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.closers) >= MaxClosers {
		return ErrTooManyClosers
	}
	s.closers = append(s.closers, closer{fn: fn, mc: mc})
	return nil
}

// SetAssociatedMC binds mc to this session's payloadKind. A second
// attempt to bind the same (session, payloadKind) pair fails with
// ErrBusy (spec.md §4.4).
func (s *Session) SetAssociatedMC(kind message.PayloadType, mc string, closeCB CloserFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindings == nil {
		s.bindings = make(map[message.PayloadType]*payloadBinding)
	}
	if _, exists := s.bindings[kind]; exists {
		return ErrBusy
	}
	s.bindings[kind] = &payloadBinding{mc: mc, closeCB: closeCB}
	return nil
}

// AssociatedMC returns the MC bound to payloadKind, if any.
func (s *Session) AssociatedMC(kind message.PayloadType) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[kind]
	if !ok {
		return "", false
	}
	return b.mc, true
}

// ClearAssociatedMC releases the binding for payloadKind, allowing a
// fresh activation to bind again.
func (s *Session) ClearAssociatedMC(kind message.PayloadType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, kind)
}

// Tick decrements the inactivity timer by one second, invoking all
// registered closers (in registration order) and returning true when
// it reaches zero (spec.md §4.4).
func (s *Session) Tick() (expired bool) {
	s.mu.Lock()
	if !s.Active {
		s.mu.Unlock()
		return false
	}
	s.TimeLeftSeconds--
	expired = s.TimeLeftSeconds <= 0
	var toFire []closer
	if expired {
		toFire = s.closers
		s.closers = nil
		s.Active = false
	}
	s.mu.Unlock()

	for _, c := range toFire {
		c.fn(c.mc)
	}
	return expired
}

// Touch resets the inactivity timer, e.g. on receipt of any valid
// packet for this session.
func (s *Session) Touch(seconds int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TimeLeftSeconds = seconds
}

// Info is a point-in-time, lock-free copy of a Session's externally
// visible state, for introspection callers that must not hold the
// session's own mutex.
type Info struct {
	Handle          uint8
	Active          bool
	State           string
	SID             uint32
	RemoteSID       uint32
	UserID          uint8
	Role            uint8
	MaxPriv         uint8
	TimeLeftSeconds int
}

// Snapshot returns a copy of s's current state, safe to read and
// serialize without racing s's own operations.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Handle:          s.Handle,
		Active:          s.Active,
		State:           s.State.String(),
		SID:             s.SID,
		RemoteSID:       s.RemoteSID,
		UserID:          s.UserID,
		Role:            s.Role,
		MaxPriv:         s.MaxPriv,
		TimeLeftSeconds: s.TimeLeftSeconds,
	}
}
