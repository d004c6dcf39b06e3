package checkout

import "time"

// event is processed one at a time by the Broker's single goroutine —
// its mailbox. Every state mutation in the package happens inside one of
// these apply methods.
type event interface {
	apply(b *Broker)
}

// checkoutEvent is submitted by Checkout. entry is pre-allocated by the
// caller so that a later clientDeathEvent can reference the very same
// object for O(log n) removal.
type checkoutEvent struct {
	entry *waitEntry
	queue bool
	// deadlineAt is the absolute instant (zero if none) this checkout's
	// handoff governs once delivered; see decideDeadline in deadline.go.
	deadlineAt time.Time
}

func (e *checkoutEvent) apply(b *Broker) { b.handleCheckout(e) }

// clientDeathEvent asks the broker to remove entry from the Wait Queue
// if it is still there — a no-op if it was already dequeued.
type clientDeathEvent struct {
	entry *waitEntry
}

func (e *clientDeathEvent) apply(b *Broker) { b.handleClientDeath(e) }

// checkinEvent returns a Holder to the broker for reuse. gen is the
// fencing token the Handle captured at checkout time: if it no
// longer matches the Holder's current generation, the checkin is stale
// and must be a no-op.
type checkinEvent struct {
	holder   *Holder
	gen      uint64
	newState any
}

func (e *checkinEvent) apply(b *Broker) { b.handleCheckin(e) }

// disconnectEvent tears a Holder down (the Connector will respawn it).
// gen fences against a stale Handle disturbing a Holder already
// reassigned to another tenant.
type disconnectEvent struct {
	holder *Holder
	gen    uint64
	err    error
}

func (e *disconnectEvent) apply(b *Broker) { b.handleDisconnect(e) }

// stopEvent permanently retires a Holder's worker, with no respawn. gen
// fences the same way as disconnectEvent.
type stopEvent struct {
	holder *Holder
	gen    uint64
	err    error
}

func (e *stopEvent) apply(b *Broker) { b.handleStop(e) }

// installEvent publishes a freshly-live connection into the pool.
type installEvent struct {
	conn  ConnRef
	mod   string
	state any
	reply chan *Holder
}

func (e *installEvent) apply(b *Broker) { b.handleInstall(e) }

// deadlineFiredEvent is posted by time.AfterFunc when an armed deadline
// timer fires. id must still match the Holder's recorded deadline id for
// it to have any effect; gen is a second, coarser fence against the same
// tenancy the deadline was armed for. elapsedMS is how long the client
// queued plus held, measured at fire time.
type deadlineFiredEvent struct {
	holder    *Holder
	id        uint64
	gen       uint64
	elapsedMS int64
}

func (e *deadlineFiredEvent) apply(b *Broker) { b.handleDeadlineFired(e) }

// codelPollEvent is posted by the re-armed poll timer.
type codelPollEvent struct {
	id     uint64
	cursor int64
}

func (e *codelPollEvent) apply(b *Broker) { b.handleCodelPoll(e) }

// codelIdleEvent is posted by the re-armed idle timer.
type codelIdleEvent struct {
	id     uint64
	cursor int64
}

func (e *codelIdleEvent) apply(b *Broker) { b.handleCodelIdle(e) }

// pingDoneEvent is posted once the Connector finishes an idle-ping
// health check, re-checking the Holder back into the Ready Queue.
type pingDoneEvent struct {
	holder *Holder
	ok     bool
	err    error
}

func (e *pingDoneEvent) apply(b *Broker) { b.handlePingDone(e) }

// resetDoneEvent is posted once the Connector finishes clearing a
// checked-in Holder's session state, letting it resume its journey to
// the next waiter or the Ready Queue.
type resetDoneEvent struct {
	holder *Holder
	ok     bool
	err    error
}

func (e *resetDoneEvent) apply(b *Broker) { b.handleResetDone(e) }

// statsEvent is a synchronous introspection request.
type statsEvent struct {
	reply chan Stats
}

func (e *statsEvent) apply(b *Broker) { b.handleStats(e) }

// remoteDeathEvent is posted by the remote watchdog sweep when a
// client's heartbeat key has expired.
type remoteDeathEvent struct {
	clientID string
}

func (e *remoteDeathEvent) apply(b *Broker) { b.handleRemoteDeath(e) }
