// Package checkout implements the checkout broker: the state machine that
// pairs waiting clients with idle connections under a CoDel-style queue
// discipline. It is the pool's core.
package checkout

import (
	"sync"
	"sync/atomic"
)

// Owner identifies who currently holds a Holder.
type Owner int

const (
	// OwnerPool means the Holder sits in the pool's Ready Queue.
	OwnerPool Owner = iota
	// OwnerClient means the Holder is checked out by a client.
	OwnerClient
)

var nextHolderID atomic.Uint64

// Holder is a single-connection ownership token. It doubles as a handoff
// vehicle and as the place a fired deadline timer checks to tell whether
// it still governs the current checkout — comparing its own id against
// the Holder's recorded deadline id defeats the classic "stale timer
// fires against the next tenant" race.
type Holder struct {
	mu sync.Mutex

	id uint64

	// conn is the opaque live-connection reference, supplied by the
	// Connector at install time. Never touched by the broker itself.
	conn ConnRef

	// mod names the protocol/strategy this connection speaks. Opaque to
	// the broker, carried through unchanged.
	mod string

	// state is the opaque per-connection state returned to the client on
	// checkout and written back on checkin.
	state any

	owner Owner

	// deadlineID is the id of the timer currently governing this
	// checkout, or 0 if none is armed. A deadline fire compares its own
	// id against this field; mismatch means it fired too late to matter.
	deadlineID uint64

	// generation increments on every successful transfer and on destroy,
	// letting a caller that captured an earlier generation detect that
	// the Holder has moved on without it.
	generation uint64

	dead bool
}

// ConnRef is the opaque reference to a live connection worker. The broker
// never dereferences it; only the Connector and the client's query layer
// do.
type ConnRef any

// newHolder creates a Holder owned by the pool; handleInstall calls it
// when processing an install event.
func newHolder(conn ConnRef, mod string, state any) *Holder {
	return &Holder{
		id:    nextHolderID.Add(1),
		conn:  conn,
		mod:   mod,
		state: state,
		owner: OwnerPool,
	}
}

// ID returns the Holder's stable identifier.
func (h *Holder) ID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// ErrHolderGone is returned by any Holder operation once destroy() has
// been called — a late transfer, deadline fire, or read against an
// invalidated Holder all observe this rather than corrupting state.
var ErrHolderGone = &Error{Kind: ForeignOwner, Message: "holder no longer exists"}

// transferTo atomically moves ownership from its current owner to
// newOwner, and returns the generation the transfer produced. It always
// succeeds unless the Holder is dead — the broker is the only actor that
// calls this, from inside its single goroutine, so "recipient no longer
// exists" is modeled at a higher level (the wait entry is gone, so the
// broker simply doesn't attempt the transfer) rather than inside the
// Holder itself.
func (h *Holder) transferTo(owner Owner) (generation uint64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return 0, ErrHolderGone
	}
	h.owner = owner
	h.generation++
	return h.generation, nil
}

// read returns the fields a current owner is entitled to see.
func (h *Holder) read() (conn ConnRef, deadlineID uint64, mod string, state any, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return nil, 0, "", nil, ErrHolderGone
	}
	return h.conn, h.deadlineID, h.mod, h.state, nil
}

// updateDeadline records the id of the timer now governing this
// checkout. Pass 0 to clear it (on checkin/disconnect/stop).
func (h *Holder) updateDeadline(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return
	}
	h.deadlineID = id
}

// updateState overwrites the opaque per-connection state, e.g. on checkin
// with a new_state argument.
func (h *Holder) updateState(state any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dead {
		return
	}
	h.state = state
}

// deadlineMatches reports whether id is still the Holder's recorded
// deadline id — the core of the no-stale-fires guarantee.
func (h *Holder) deadlineMatches(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.dead && h.deadlineID == id
}

// matchesGeneration reports whether gen is still the Holder's current
// generation — the fencing token a Handle captures at checkout time. A caller holding a stale Handle (ownership already moved on via
// a later transferTo) sees false and must treat its operation as a
// no-op, which is what makes checkin/disconnect/stop idempotent against
// a client racing its own earlier call.
func (h *Holder) matchesGeneration(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.dead && h.generation == gen
}

// destroy irrevocably invalidates the Holder. Any pending transfer or
// timer observing it afterwards sees ErrHolderGone.
func (h *Holder) destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead = true
	h.generation++
}
