// Package seqtable implements the per-MC outbound sequence reservation
// table of spec.md §4.2: when a session-oriented request is forwarded to
// a session-less channel (or vice versa), the router reserves a slot
// here to remember how to route the eventual response back.
package seqtable

import (
	"errors"
	"sync"
)

// Size is the fixed number of reservation slots per MC.
const Size = 64

// ErrOutOfSpace is returned by Reserve when all slots are in use. It
// surfaces to the peer as IPMI completion code 0xC4 (spec.md §4.2).
var ErrOutOfSpace = errors.New("seqtable: out of space")

// ErrNotPresent is returned by Find when the requested slot is not in
// use — a stale or spoofed response. Surfaces as completion code 0xCB.
var ErrNotPresent = errors.New("seqtable: not present")

// Entry records what to restore when the reserved sequence comes back
// as a response.
type Entry struct {
	InUse        bool
	OrigSeq      uint8
	OrigChannel  int
	OrigSessionID uint32
}

// Table is a single MC's 64-slot reservation table. Mutations are
// guarded by the owning MC's lock in production use (spec.md §5); the
// embedded mutex here lets the table be used and tested standalone.
type Table struct {
	mu      sync.Mutex
	slots   [Size]Entry
	nextSeq int
}

// New returns an empty table with nextSeq starting at 0.
func New() *Table {
	return &Table{}
}

// Reserve scans slots starting at nextSeq for the first free one,
// records orig as its restore context, rewrites newSeq to the
// allocated slot index, and advances nextSeq (mod Size).
func (t *Table) Reserve(origSeq uint8, origChannel int, origSessionID uint32) (newSeq uint8, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < Size; i++ {
		slot := (t.nextSeq + i) % Size
		if !t.slots[slot].InUse {
			t.slots[slot] = Entry{
				InUse:         true,
				OrigSeq:       origSeq,
				OrigChannel:   origChannel,
				OrigSessionID: origSessionID,
			}
			t.nextSeq = (slot + 1) % Size
			return uint8(slot), nil
		}
	}
	return 0, ErrOutOfSpace
}

// Find looks up seq, returns its restore context, and frees the slot.
func (t *Table) Find(seq uint8) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := int(seq) % Size
	e := t.slots[idx]
	if !e.InUse {
		return Entry{}, ErrNotPresent
	}
	t.slots[idx] = Entry{}
	return e, nil
}
