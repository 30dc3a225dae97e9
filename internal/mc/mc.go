// Package mc implements the managed-controller data model of spec.md
// §3: one BMC (conventionally IPMB address 0x20) plus optional
// satellite controllers, each owning its own channel set, sequence
// table, recv queue, and the minimal sensor/SDR/SEL/FRU stores spec.md
// §1 scopes as "simple data stores" rather than the hard part.
package mc

import (
	"sync"

	"github.com/google/uuid"

	"ipmisim/internal/channel"
	"ipmisim/internal/seqtable"
	"ipmisim/internal/solserver"
)

// BMCAddr is the conventional IPMB slave address of the BMC MC.
const BMCAddr = 0x20

// MaxPayloadInstances bounds the SOL payload instances an MC exposes to
// Activate/Deactivate Payload (spec.md §4.5); index 0 is unused, real
// instances are numbered 1..MaxPayloadInstances like the user table.
const MaxPayloadInstances = 4

// MaxUsers bounds the user table; index 0 is unused, user index equals
// array index (spec.md §3).
const MaxUsers = 63

// User is one entry of an MC's user table.
type User struct {
	Name     string
	Password string
	Enabled  bool
	Priv     uint8
}

// Sensor/SDR/FRU/SEL/LED entries are intentionally minimal: spec.md §1
// scopes their data model out as "simple data stores", the hard part
// being the routing/session layer that makes them reachable at all.
type Sensor struct {
	Number uint8
	Name   string
	Value  uint8
}

type SDR struct {
	RecordID uint16
	Data     []byte
}

type SELEntry struct {
	RecordID  uint16
	Timestamp uint32
	Data      []byte
}

type FRU struct {
	ID   uint8
	Data []byte
}

type LED struct {
	ID    uint8
	State string
}

// SOLState mirrors the SOL server transport's device-facing knobs that
// are MC-scoped configuration rather than per-connection runtime state
// (the runtime state itself lives in internal/solserver.Ring).
type SOLState struct {
	Enabled    bool
	BitrateCode uint8
	NonVolatileBitrateCode uint8
}

// MC is one managed controller.
type MC struct {
	mu sync.Mutex

	IPMBAddr  uint8
	Enabled   bool
	DeviceID  uint8
	FWRev     [2]uint8
	ProductID uint16
	MfgID     [3]uint8
	GUID      uuid.UUID

	Sensors []Sensor
	SDRs    []SDR
	SEL     []SELEntry
	FRUs    []FRU
	LEDs    []LED

	Users [MaxUsers + 1]User

	SOL SOLState

	// SOLRings holds the per-payload-instance SOL byte-stream state,
	// created on first Activate Payload and reused across
	// activate/deactivate cycles (internal/apphandlers).
	SOLRings [MaxPayloadInstances + 1]*solserver.Ring

	Channels [16]*channel.Channel

	SeqTable *seqtable.Table

	StartCmd string
}

// New constructs an enabled MC at ipmbAddr with a fresh 16-entry
// channel array (channel 15 always the system interface, per spec.md
// §3) and a random GUID.
func New(ipmbAddr uint8) *MC {
	m := &MC{
		IPMBAddr: ipmbAddr,
		Enabled:  true,
		GUID:     uuid.New(),
		SeqTable: seqtable.New(),
	}
	for i := 0; i < 16; i++ {
		medium := channel.MediumIPMB
		support := channel.SessionLess
		if i == channel.SystemInterfaceChannel {
			medium = channel.MediumSystemInterface
		}
		m.Channels[i] = channel.New(i, medium, support)
	}
	return m
}

// Lock/Unlock expose the MC-wide lock spec.md §5 requires around
// sequence-table, recv-queue, and attention-line mutation. Callers
// (internal/router) take this lock for the duration of a routing
// decision.
func (m *MC) Lock()   { m.mu.Lock() }
func (m *MC) Unlock() { m.mu.Unlock() }

// Registry is the process-wide set of MCs, keyed by IPMB address, and
// the explicit registry spec.md §9's "Design Notes" calls for in place
// of ambient global state.
type Registry struct {
	mu  sync.RWMutex
	mcs map[uint8]*MC
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{mcs: make(map[uint8]*MC)}
}

// Add registers m, returning false if an MC already exists at that
// IPMB address (spec.md §3 invariant: at most one MC per IPMB
// address).
func (r *Registry) Add(m *MC) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.mcs[m.IPMBAddr]; exists {
		return false
	}
	r.mcs[m.IPMBAddr] = m
	return true
}

// Lookup returns the MC at addr, if any.
func (r *Registry) Lookup(addr uint8) (*MC, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mcs[addr]
	return m, ok
}

// All returns every registered MC, in no particular order.
func (r *Registry) All() []*MC {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MC, 0, len(r.mcs))
	for _, m := range r.mcs {
		out = append(out, m)
	}
	return out
}
