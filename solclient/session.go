package solclient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ipmisim/internal/auth"
)

// Config holds the parameters for one SOL client connection, including
// the payload activation options.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	Timeout           time.Duration
	InactivityTimeout time.Duration
	RetransmitBudget  int // ACK_retries, spec.md §4.6

	ActivationOptions ActivationOptions

	Logf func(format string, args ...interface{})
}

const defaultRMCPPort = 623

// Session is one client-side SOL connection: RMCP+ session state, the
// protocol Engine, and the UDP socket driving both.
type Session struct {
	conn net.Conn
	cfg  Config

	sessionID       uint32
	remoteSessionID uint32
	sessionSeq      uint32
	authAlg         auth.Algorithm
	integAlg        auth.Algorithm
	confAlg         uint8
	sik, k1, k2     []byte

	engine *Engine
	result *ActivationResult

	readCh  chan []byte
	writeCh chan []byte
	errCh   chan error
	done    chan struct{}

	lastRecvTime atomic.Int64

	mu     sync.Mutex
	closed bool
}

// New constructs a Session in state closed, not yet connected.
func New(cfg Config) *Session {
	if cfg.Port == 0 {
		cfg.Port = defaultRMCPPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetransmitBudget == 0 {
		cfg.RetransmitBudget = 3
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...interface{}) {}
	}
	return &Session{
		cfg:     cfg,
		engine:  NewEngine(cfg.RetransmitBudget),
		readCh:  make(chan []byte, 1000),
		writeCh: make(chan []byte, 100),
		errCh:   make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Connect dials the BMC, runs the RMCP+ handshake, and activates SOL
// following the ladder in spec.md §4.6 before reporting connected.
func (s *Session) Connect(ctx context.Context) error {
	s.engine.SetState(StateConnecting)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	conn, err := net.DialTimeout("udp", addr, s.cfg.Timeout)
	if err != nil {
		s.engine.SetState(StateClosed)
		return fmt.Errorf("dial failed: %w", err)
	}
	s.conn = conn

	if err := s.openSession(ctx); err != nil {
		s.conn.Close()
		s.engine.SetState(StateClosed)
		return fmt.Errorf("open session: %w", err)
	}
	if err := s.rakpHandshake(ctx); err != nil {
		s.conn.Close()
		s.engine.SetState(StateClosed)
		return fmt.Errorf("RAKP handshake: %w", err)
	}
	if err := s.setSessionPrivilege(ctx); err != nil {
		s.conn.Close()
		s.engine.SetState(StateClosed)
		return fmt.Errorf("set privilege: %w", err)
	}

	result, err := Activate(ctx, (*transportAdapter)(s), s.cfg.ActivationOptions)
	if err != nil {
		s.conn.Close()
		s.engine.SetState(StateClosed)
		return fmt.Errorf("activate SOL: %w", err)
	}
	s.result = result

	if result.SecondaryNeeded {
		s.cfg.Logf("SOL activation reports port %d, secondary connection required before reporting connected", result.Port)
		if err := s.openSecondary(ctx, result.Port); err != nil {
			s.conn.Close()
			s.engine.SetState(StateClosed)
			return fmt.Errorf("secondary connection: %w", err)
		}
	}

	s.engine.SetState(StateConnected)
	s.lastRecvTime.Store(nowUnixNano())
	go s.readLoop()
	go s.writeLoop()

	s.probeTestSeq(ctx)

	return nil
}

// openSecondary opens no connection: it returns nil, so when Activate
// Payload advertises a non-standard port the session still reports
// connected and carries all SOL traffic on the primary socket.
func (s *Session) openSecondary(ctx context.Context, port uint16) error {
	return nil
}

// probeTestSeq sends the post-activation zero-data probe at sequence
// 15 to learn whether the peer acks empty packets (spec.md §4.6),
// staging it through the engine so readLoop's HandleReceive->HandleAck
// path correlates the ack and caches the result.
func (s *Session) probeTestSeq(ctx context.Context) {
	h := s.engine.BeginTestSeqProbe()
	s.send(h, nil)
}

// Read returns the channel carrying console output bytes.
func (s *Session) Read() <-chan []byte { return s.readCh }

// Write enqueues data for transmission to the console.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("solclient: session closed")
	}
	s.mu.Unlock()

	select {
	case s.writeCh <- data:
		return nil
	case <-s.done:
		return errors.New("solclient: session closed")
	}
}

// Err returns the channel that carries a terminal connection error.
func (s *Session) Err() <-chan error { return s.errCh }

// Close transitions connected[_ctu] -> closing -> closed, deactivating
// the SOL payload and closing the RMCP+ session (spec.md §5).
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.engine.SetState(StateClosing)
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.result != nil {
		Deactivate(ctx, (*transportAdapter)(s), s.result.Instance)
	}
	s.closeSession(ctx)
	s.engine.SetState(StateClosed)

	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// ForceClose skips the remote Deactivate Payload exchange and moves
// straight to closed (spec.md §5's force_close cancellation path).
func (s *Session) ForceClose() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.engine.SetState(StateClosed)
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func generateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func nowUnixNano() int64 {
	return time.Now().UnixNano()
}
