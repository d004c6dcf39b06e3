package checkout

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-dbpool/codel/internal/metrics"
)

// Mode is the Broker's top-level state.
type Mode int

const (
	// Busy: no Holder is idle; zero or more clients wait.
	Busy Mode = iota
	// Ready: at least one Holder sits in the Ready Queue and the Wait
	// Queue is empty.
	Ready
)

func (m Mode) String() string {
	if m == Ready {
		return "ready"
	}
	return "busy"
}

// Pinger performs an idle-connection health check against a Holder's
// connection, off the Broker goroutine, and reports back via the
// mailbox. The Connector boundary implements this.
type Pinger interface {
	Ping(ctx context.Context, conn ConnRef) error
}

// Resetter clears a connection's session state before it is reused by
// another tenant, off the Broker goroutine — e.g. running
// sp_reset_connection against a SQL Server backend. The Connector
// boundary implements this.
type Resetter interface {
	Reset(ctx context.Context, conn ConnRef) error
}

// Stats is a point-in-time snapshot of a Broker's queues and mode.
type Stats struct {
	Pool       string
	Mode       Mode
	Ready      int
	Wait       int
	Installed  int
	Destroyed  int
	CodelSlow  bool
	CodelDelay time.Duration
}

// Broker is the single-goroutine actor implementing the checkout state
// machine. All exported methods are safe to call from any goroutine;
// they only ever enqueue an event onto the Broker's own goroutine, which
// is the sole mutator of every field below.
type Broker struct {
	pool string

	events chan event
	stopCh chan struct{}
	wg     sync.WaitGroup

	ready *readyQueue
	wait  *waitQueue
	codel *codelState
	mode  Mode

	installed int
	destroyed int

	defaultTimeout time.Duration

	deadlineTimers map[uint64]*time.Timer
	nextTimerID    uint64

	pinger   Pinger
	resetter Resetter

	// onHolderLost is invoked (off-goroutine, fire-and-forget) after a
	// Holder is destroyed, handing the underlying connection back so it
	// can be closed. respawn is false only for Stop, which permanently
	// retires the worker instead of asking for a replacement.
	onHolderLost func(conn ConnRef, err error, respawn bool)

	// now/afterFunc are overridable so tests can pin the clock.
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// BrokerConfig bundles a Broker's construction parameters.
type BrokerConfig struct {
	Pool           string
	QueueTarget    time.Duration
	QueueInterval  time.Duration
	IdleInterval   time.Duration
	DefaultTimeout time.Duration
	Pinger         Pinger
	Resetter       Resetter
	OnHolderLost   func(conn ConnRef, err error, respawn bool)
}

// NewBroker constructs and starts a Broker's event loop goroutine.
func NewBroker(cfg BrokerConfig) *Broker {
	b := &Broker{
		pool:           cfg.Pool,
		events:         make(chan event),
		stopCh:         make(chan struct{}),
		ready:          newReadyQueue(),
		wait:           newWaitQueue(),
		codel:          newCodelState(time.Now(), cfg.QueueTarget, cfg.QueueInterval, cfg.IdleInterval),
		mode:           Busy,
		defaultTimeout: cfg.DefaultTimeout,
		deadlineTimers: make(map[uint64]*time.Timer),
		pinger:         cfg.Pinger,
		resetter:       cfg.Resetter,
		onHolderLost:   cfg.OnHolderLost,
		now:            time.Now,
		afterFunc:      time.AfterFunc,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// run drains the mailbox until Close is called.
func (b *Broker) run() {
	defer b.wg.Done()
	b.armPollTimer()
	b.armIdleTimer()
	for {
		select {
		case ev := <-b.events:
			ev.apply(b)
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the Broker's event loop. Armed timers are left to fire
// harmlessly against the closed mailbox — callers should stop issuing
// Checkout/Checkin after Close.
func (b *Broker) Close() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Broker) send(ev event) {
	select {
	case b.events <- ev:
	case <-b.stopCh:
	}
}

var nextWaitSeq atomic.Uint64

// Checkout acquires a Holder, waiting in the FIFO queue if none is idle.
// ctx governs cancellation in addition to opts.
func (b *Broker) Checkout(ctx context.Context, opts Options) (*Handle, string, any, error) {
	now := b.now()
	deadlineAt, hasDeadline := decideDeadline(now, b.defaultTimeout, opts)

	qctx := ctx
	var cancel context.CancelFunc
	if hasDeadline {
		qctx, cancel = context.WithDeadline(ctx, deadlineAt)
		defer cancel()
	}

	reply := make(chan waitResult, 1)
	entry := &waitEntry{
		submittedAt: now.UnixNano(),
		seq:         nextWaitSeq.Add(1),
		deadlineAt:  deadlineAt,
		reply:       reply,
		done:        qctx.Done(),
		clientID:    opts.ClientID,
		index:       -1,
	}

	b.send(&checkoutEvent{entry: entry, queue: !opts.NoQueue, deadlineAt: deadlineAt})

	select {
	case res := <-reply:
		return b.finish(res)
	case <-qctx.Done():
		b.send(&clientDeathEvent{entry: entry})
		select {
		case res := <-reply:
			if res.err == nil && res.holder != nil {
				// The handoff was already in flight when we gave up:
				// the Holder is unusable to us. Hand it straight back
				// rather than leak it, and report DeadlineInQueue.
				b.send(&checkinEvent{holder: res.holder, gen: res.gen, newState: nil})
				return nil, "", nil, errDeadlineInQueue(b.pool)
			}
			return b.finish(res)
		default:
			return nil, "", nil, errDropped(b.pool, time.Since(now).Milliseconds())
		}
	}
}

func (b *Broker) finish(res waitResult) (*Handle, string, any, error) {
	if res.err != nil {
		return nil, "", nil, res.err
	}
	_, deadlineID, mod, state, err := res.holder.read()
	if err != nil {
		return nil, "", nil, err
	}
	return &Handle{Pool: b.pool, Holder: res.holder, DeadlineID: deadlineID, Generation: res.gen}, mod, state, nil
}

// Checkin returns a Holder for reuse. h.Generation is the fencing token
// captured when h was issued: a stale Handle (one whose Holder has
// already moved on to another tenant) is a no-op.
func (b *Broker) Checkin(h *Handle, newState any) {
	if h == nil || h.Holder == nil {
		return
	}
	b.send(&checkinEvent{holder: h.Holder, gen: h.Generation, newState: newState})
}

// Disconnect tears a Holder down; the Connector respawns a replacement.
// A stale h.Generation is a no-op — see Checkin.
func (b *Broker) Disconnect(h *Handle, err error) {
	if h == nil || h.Holder == nil {
		return
	}
	b.send(&disconnectEvent{holder: h.Holder, gen: h.Generation, err: err})
}

// Stop permanently retires a Holder's worker: the connection is closed
// and no replacement is requested. A stale h.Generation is a no-op — see
// Checkin.
func (b *Broker) Stop(h *Handle, err error) {
	if h == nil || h.Holder == nil {
		return
	}
	b.send(&stopEvent{holder: h.Holder, gen: h.Generation, err: err})
}

// Install publishes a freshly-live connection into the pool, immediately
// offering it as a checkin so it may pair with a waiter or enter the
// Ready Queue.
func (b *Broker) Install(conn ConnRef, mod string, state any) *Holder {
	reply := make(chan *Holder, 1)
	b.send(&installEvent{conn: conn, mod: mod, state: state, reply: reply})
	select {
	case h := <-reply:
		return h
	case <-b.stopCh:
		return nil
	}
}

// Stats returns a synchronous snapshot.
func (b *Broker) Stats() Stats {
	reply := make(chan Stats, 1)
	b.send(&statsEvent{reply: reply})
	select {
	case s := <-reply:
		return s
	case <-b.stopCh:
		return Stats{Pool: b.pool}
	}
}

// NotifyClientDead is the remote-watchdog entry point: it posts a death
// event for every Wait Entry belonging to clientID.
func (b *Broker) NotifyClientDead(clientID string) {
	b.send(&remoteDeathEvent{clientID: clientID})
}

// ── event handlers (run only inside the Broker goroutine) ──────────────

func (b *Broker) handleCheckout(e *checkoutEvent) {
	if entry := b.ready.takeOldest(); entry != nil {
		if gen, err := entry.holder.transferTo(OwnerClient); err == nil {
			b.armDeadlineAt(entry.holder, gen, e.deadlineAt, e.entry.submittedAt)
			e.entry.reply <- waitResult{holder: entry.holder, gen: gen}
			metrics.CheckoutsTotal.WithLabelValues(b.pool, "ok").Inc()
		} else {
			// Holder died between being read from the Ready Queue and
			// the transfer attempt; treat as if it was never ready.
			b.handleCheckout(e)
			return
		}
		if b.ready.Len() == 0 {
			b.mode = Busy
		}
		b.updateMetrics()
		return
	}

	if !e.queue {
		e.entry.reply <- waitResult{err: errUnavailable(b.pool)}
		metrics.CheckoutsTotal.WithLabelValues(b.pool, "unavailable").Inc()
		return
	}

	b.wait.insert(e.entry)
	b.updateMetrics()
}

func (b *Broker) handleClientDeath(e *clientDeathEvent) {
	if b.wait.deleteEntry(e.entry) {
		metrics.ClientDeathsTotal.WithLabelValues(b.pool, "local").Inc()
		b.updateMetrics()
	}
}

func (b *Broker) handleRemoteDeath(e *remoteDeathEvent) {
	var dead []*waitEntry
	for _, entry := range b.wait.h {
		if entry.clientID == e.clientID {
			dead = append(dead, entry)
		}
	}
	for _, entry := range dead {
		if b.wait.deleteEntry(entry) {
			entry.reply <- waitResult{err: errDropped(b.pool, (b.now().UnixNano()-entry.submittedAt)/1e6)}
		}
	}
	if len(dead) > 0 {
		metrics.ClientDeathsTotal.WithLabelValues(b.pool, "remote").Add(float64(len(dead)))
		b.updateMetrics()
	}
}

func (b *Broker) handleCheckin(e *checkinEvent) {
	if !e.holder.matchesGeneration(e.gen) {
		// Stale Handle: ownership already moved on (a duplicate checkin,
		// or a checkin racing an earlier disconnect/stop on the same
		// Handle). Idempotent no-op.
		return
	}
	b.cancelDeadline(e.holder)
	if e.newState != nil {
		e.holder.updateState(e.newState)
	}
	// Moving ownership back to the pool immediately — ahead of the
	// asynchronous reset below — bumps the generation now, so any later
	// call racing in on this same stale Handle is fenced out regardless
	// of how long the reset takes.
	if _, err := e.holder.transferTo(OwnerPool); err != nil {
		return
	}
	b.dispatchReset(e.holder)
}

// dispatchReset clears a checked-in Holder's session state before it is
// handed to its next tenant or parked in Ready. Dispatched off the
// Broker goroutine since the Broker never blocks on I/O.
func (b *Broker) dispatchReset(holder *Holder) {
	if b.resetter == nil {
		// No Resetter configured: resolve inline for the same reason as
		// dispatchPing's nil-Pinger branch below.
		b.handleResetDone(&resetDoneEvent{holder: holder, ok: true})
		return
	}
	conn, _, _, _, err := holder.read()
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resetErr := b.resetter.Reset(ctx, conn)
		b.send(&resetDoneEvent{holder: holder, ok: resetErr == nil, err: resetErr})
	}()
}

func (b *Broker) handleResetDone(e *resetDoneEvent) {
	if !e.ok {
		log.Printf("[broker] pool %s: session reset failed for holder %d, closing: %v", b.pool, e.holder.ID(), e.err)
		metrics.ConnectorErrors.WithLabelValues(b.pool, "reset_failed").Inc()
		b.forceDestroyHolder(e.holder, e.err, true)
		return
	}

	if b.mode == Ready {
		// A checkin can land in Ready mode with nobody waiting, e.g. an
		// install racing the startup warm-up. Allow it rather than
		// assert.
		b.insertReady(e.holder)
		b.updateMetrics()
		if b.ready.Len() == 0 {
			b.mode = Busy
		}
		return
	}

	b.dequeueFor(e.holder)
}

// dequeueFor selects a waiter for holder under the CoDel policy: sample
// the window head, shed over-aged waiters in slow mode, hand holder to
// the oldest remaining waiter, and fall back to the Ready Queue once the
// Wait Queue is empty. If holder has died, the waiter is requeued and
// nothing is handed out.
func (b *Broker) dequeueFor(holder *Holder) {
	for {
		head := b.wait.first()
		if head == nil {
			b.parkReady(holder)
			return
		}

		now := b.now()
		b.codel.measure(now, head.submittedAt)

		if b.codel.slow {
			cutoff := now.Add(-2 * b.codel.target).UnixNano()
			b.wait.dropOlderThan(cutoff, func(dropped *waitEntry) {
				elapsed := (now.UnixNano() - dropped.submittedAt) / 1e6
				dropped.reply <- waitResult{err: errDropped(b.pool, elapsed)}
				metrics.DroppedTotal.WithLabelValues(b.pool).Inc()
			})
			head = b.wait.first()
			if head == nil {
				b.parkReady(holder)
				return
			}
		}

		waiter := b.wait.takeOldest()
		delayObserved := now.Sub(time.Unix(0, waiter.submittedAt))

		gen, err := holder.transferTo(OwnerClient)
		if err != nil {
			// Holder died mid-dequeue: nothing to hand this waiter,
			// requeue it by its original submission time and bail — the
			// caller (checkin/install) has no holder left to offer.
			b.wait.insert(waiter)
			return
		}

		b.codel.observe(delayObserved)
		b.armDeadlineAt(holder, gen, waiter.deadlineAt, waiter.submittedAt)
		waiter.reply <- waitResult{holder: holder, gen: gen}
		b.updateMetrics()
		metrics.CheckoutsTotal.WithLabelValues(b.pool, "ok").Inc()
		metrics.CheckoutWaitDuration.WithLabelValues(b.pool).Observe(delayObserved.Seconds())
		return
	}
}

// insertReady adds holder to the Ready Queue, transferring ownership to
// the pool. Returns false (and leaves the Broker's mode untouched) if
// holder has already been destroyed.
func (b *Broker) insertReady(holder *Holder) bool {
	if _, err := holder.transferTo(OwnerPool); err != nil {
		return false
	}
	b.ready.insert(holder, b.now().UnixNano())
	return true
}

// parkReady is dequeueFor's empty-wait-queue exit: only a successful
// insert flips the Broker into Ready mode, so a holder that died mid-flow
// never leaves the Broker claiming readiness it doesn't have.
func (b *Broker) parkReady(holder *Holder) {
	if b.insertReady(holder) {
		b.codel.resetOnReady()
		b.mode = Ready
	}
	b.updateMetrics()
}

func (b *Broker) handleDisconnect(e *disconnectEvent) {
	b.destroyHolder(e.holder, e.gen, e.err, true)
}

func (b *Broker) handleStop(e *stopEvent) {
	b.destroyHolder(e.holder, e.gen, e.err, false)
}

// destroyHolder tears a Holder down on behalf of a client-held Handle.
// gen must still match the Holder's current generation — a stale Handle
// (one whose Holder already moved on to another tenant via a later
// checkin/dequeue) is a no-op rather than destroying someone else's
// connection.
func (b *Broker) destroyHolder(holder *Holder, gen uint64, err error, respawn bool) {
	if !holder.matchesGeneration(gen) {
		return
	}
	b.forceDestroyHolder(holder, err, respawn)
}

// forceDestroyHolder tears a Holder down unconditionally. It is used
// directly by internal, pool-owned flows (a failed idle ping or checkin
// reset) that have no client Handle or fencing token to check against.
func (b *Broker) forceDestroyHolder(holder *Holder, err error, respawn bool) {
	conn, _, _, _, readErr := holder.read()
	b.cancelDeadline(holder)
	b.ready.remove(holder.ID())
	holder.destroy()
	b.destroyed++
	if b.ready.Len() == 0 && b.wait.Len() == 0 {
		b.mode = Busy
	}
	b.updateMetrics()
	if b.onHolderLost != nil && readErr == nil {
		go b.onHolderLost(conn, err, respawn)
	}
}

func (b *Broker) handleInstall(e *installEvent) {
	holder := newHolder(e.conn, e.mod, e.state)
	b.installed++
	if b.mode == Ready {
		b.insertReady(holder)
		b.updateMetrics()
		e.reply <- holder
		return
	}
	b.dequeueFor(holder)
	e.reply <- holder
}

func (b *Broker) handleDeadlineFired(e *deadlineFiredEvent) {
	if !e.holder.deadlineMatches(e.id) {
		metrics.DeadlineFiresTotal.WithLabelValues(b.pool, "stale").Inc()
		return
	}
	metrics.DeadlineFiresTotal.WithLabelValues(b.pool, "applied").Inc()
	delete(b.deadlineTimers, e.id)
	b.destroyHolder(e.holder, e.gen, errTimeout(b.pool, e.elapsedMS), true)
}

func (b *Broker) handleCodelPoll(e *codelPollEvent) {
	defer b.armPollTimer()
	if e.id != b.codel.pollID {
		return // late fire from a cancelled arming
	}

	head := b.wait.first()
	if head == nil {
		return
	}
	if head.submittedAt > e.cursor {
		return // new waiter arrived after arming, the queue is moving
	}

	now := b.now()
	if b.codel.pollMeasure(now, head.submittedAt) {
		cutoff := now.Add(-2 * b.codel.target).UnixNano()
		b.wait.dropOlderThan(cutoff, func(dropped *waitEntry) {
			elapsed := (now.UnixNano() - dropped.submittedAt) / 1e6
			dropped.reply <- waitResult{err: errDropped(b.pool, elapsed)}
			metrics.DroppedTotal.WithLabelValues(b.pool).Inc()
		})
		b.updateMetrics()
	}
}

func (b *Broker) handleCodelIdle(e *codelIdleEvent) {
	defer b.armIdleTimer()
	if e.id != b.codel.idleID {
		return
	}
	if b.mode != Ready {
		return
	}
	head := b.ready.first()
	if head == nil || head.idleSince > e.cursor {
		return
	}
	entry := b.ready.takeForPing()
	if entry == nil {
		return
	}
	if b.ready.Len() == 0 {
		b.mode = Busy
	}
	metrics.IdlePingsTotal.WithLabelValues(b.pool).Inc()
	b.dispatchPing(entry.holder)
}

func (b *Broker) dispatchPing(holder *Holder) {
	if b.pinger == nil {
		// No Pinger configured: resolve inline rather than post an event
		// to ourselves — dispatchPing always runs on the Broker's own
		// goroutine, and that goroutine is also the mailbox's only
		// reader, so a self-send here would deadlock.
		b.handlePingDone(&pingDoneEvent{holder: holder, ok: true})
		return
	}
	conn, _, _, _, err := holder.read()
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pingErr := b.pinger.Ping(ctx, conn)
		b.send(&pingDoneEvent{holder: holder, ok: pingErr == nil, err: pingErr})
	}()
}

func (b *Broker) handlePingDone(e *pingDoneEvent) {
	if !e.ok {
		log.Printf("[broker] pool %s: idle ping failed for holder %d: %v", b.pool, e.holder.ID(), e.err)
		b.forceDestroyHolder(e.holder, e.err, true)
		return
	}
	b.dequeueFor(e.holder)
}

func (b *Broker) handleStats(e *statsEvent) {
	e.reply <- Stats{
		Pool:       b.pool,
		Mode:       b.mode,
		Ready:      b.ready.Len(),
		Wait:       b.wait.Len(),
		Installed:  b.installed,
		Destroyed:  b.destroyed,
		CodelSlow:  b.codel.slow,
		CodelDelay: b.codel.delay,
	}
}

// ── deadline timer bookkeeping ───────────────────────────────────────

func (b *Broker) cancelDeadline(holder *Holder) {
	_, id, _, _, err := holder.read()
	if err != nil || id == 0 {
		return
	}
	if t, ok := b.deadlineTimers[id]; ok {
		t.Stop()
		delete(b.deadlineTimers, id)
	}
	holder.updateDeadline(0)
}

// armDeadlineAt starts the timer bounding this checkout's active use.
// submittedAtNanos is the wait entry's submission instant, so a fired
// timer can report how long the client queued plus held in total.
func (b *Broker) armDeadlineAt(holder *Holder, gen uint64, deadlineAt time.Time, submittedAtNanos int64) {
	if deadlineAt.IsZero() {
		return
	}
	d := deadlineAt.Sub(b.now())
	if d < 0 {
		d = 0
	}
	b.nextTimerID++
	id := b.nextTimerID
	holder.updateDeadline(id)
	timer := b.afterFunc(d, func() {
		elapsedMS := (time.Now().UnixNano() - submittedAtNanos) / 1e6
		b.send(&deadlineFiredEvent{holder: holder, id: id, gen: gen, elapsedMS: elapsedMS})
	})
	b.deadlineTimers[id] = timer
}

// ── CoDel timer arming ───────────────────────────────────────────────

func (b *Broker) armPollTimer() {
	b.codel.pollID++
	id := b.codel.pollID
	if head := b.wait.first(); head != nil {
		b.codel.pollCursor = head.submittedAt
	} else {
		b.codel.pollCursor = b.now().UnixNano()
	}
	cursor := b.codel.pollCursor
	b.afterFunc(b.codel.interval, func() {
		b.send(&codelPollEvent{id: id, cursor: cursor})
	})
}

func (b *Broker) armIdleTimer() {
	b.codel.idleID++
	id := b.codel.idleID
	if head := b.ready.first(); head != nil {
		b.codel.idleCursor = head.idleSince
	} else {
		b.codel.idleCursor = b.now().UnixNano()
	}
	cursor := b.codel.idleCursor
	b.afterFunc(b.codel.idleInterval, func() {
		b.send(&codelIdleEvent{id: id, cursor: cursor})
	})
}

func (b *Broker) updateMetrics() {
	metrics.HoldersReady.WithLabelValues(b.pool).Set(float64(b.ready.Len()))
	active := b.installed - b.destroyed - b.ready.Len()
	if active < 0 {
		active = 0
	}
	metrics.HoldersActive.WithLabelValues(b.pool).Set(float64(active))
	metrics.WaitQueueLength.WithLabelValues(b.pool).Set(float64(b.wait.Len()))
	b.codel.updateMetrics(b.pool)
}

// Handle is the opaque ticket a client holds during an active checkout:
// pool identity, the Holder, the deadline id that currently governs it,
// and the fencing Generation captured at the moment ownership
// transferred to this client. Generation lets the Broker recognize a
// Handle whose Holder has since moved on to another tenant and treat any
// further checkin/disconnect/stop on it as a no-op.
type Handle struct {
	Pool       string
	Holder     *Holder
	DeadlineID uint64
	Generation uint64
}
