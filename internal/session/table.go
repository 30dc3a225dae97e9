package session

import (
	"sync"
)

// Table is the process-wide RMCP+ session table: MaxSessions slots,
// handle 0 reserved and never issued (spec.md §4.4).
type Table struct {
	mu       sync.Mutex
	sessions [MaxSessions + 1]*Session
	next     uint8 // round-robin search start, spreads reuse like seqtable
}

// New returns an empty session table.
func New() *Table {
	return &Table{next: 1}
}

// Open allocates a free handle and returns a new Uninitiated session
// bound to it. Returns ErrTableFull if every handle is in use.
func (t *Table) Open() (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := uint8(0); i < MaxSessions; i++ {
		h := t.next
		t.next++
		if t.next > MaxSessions {
			t.next = 1
		}
		if h == 0 {
			continue
		}
		if t.sessions[h] == nil {
			s := &Session{Handle: h, Active: true, State: Uninitiated}
			t.sessions[h] = s
			return s, nil
		}
	}
	return nil, ErrTableFull
}

// Lookup returns the session at handle, if any.
func (t *Table) Lookup(handle uint8) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if handle == 0 || handle > MaxSessions {
		return nil, false
	}
	s := t.sessions[handle]
	return s, s != nil
}

// LookupBySID finds the session whose local SID matches sid, used when
// a packet arrives identified by session ID rather than handle.
func (t *Table) LookupBySID(sid uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sessions {
		if s != nil && s.SID == sid {
			return s, true
		}
	}
	return nil, false
}

// Close frees handle's slot immediately, without waiting for inactivity
// timeout. Registered closers are not invoked; callers that need them
// run should call Session.Tick down to zero or invoke closers
// themselves before calling Close.
func (t *Table) Close(handle uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if handle == 0 || handle > MaxSessions {
		return
	}
	t.sessions[handle] = nil
}

// Tick advances every active session's inactivity timer by one second
// and frees the slots of any that expire.
func (t *Table) Tick() {
	t.mu.Lock()
	actives := make([]*Session, 0, MaxSessions)
	for h, s := range t.sessions {
		if h == 0 || s == nil {
			continue
		}
		actives = append(actives, s)
	}
	t.mu.Unlock()

	for _, s := range actives {
		if s.Tick() {
			t.mu.Lock()
			if t.sessions[s.Handle] == s {
				t.sessions[s.Handle] = nil
			}
			t.mu.Unlock()
		}
	}
}

// All returns every occupied session, in handle order, for
// introspection callers.
func (t *Table) All() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, MaxSessions)
	for h, s := range t.sessions {
		if h != 0 && s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of occupied handles.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for h, s := range t.sessions {
		if h != 0 && s != nil {
			n++
		}
	}
	return n
}
